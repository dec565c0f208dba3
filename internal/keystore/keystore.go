// Package keystore implements the client-side persisted state: the PIN
// envelope for fast re-unlock, the PIN attempt throttle, and cached
// identity/contact ciphertext. Everything sensitive inside the store is
// ciphertext; the store itself never holds a usable key.
//
// The store is a single CBOR file written atomically (write to a temp
// file, then rename).
package keystore

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/rs/zerolog/log"

	"github.com/thefeshin/hush-sub000/internal/vault"
)

// Keystore is the local persisted client state.
type Keystore struct {
	mu    sync.Mutex
	path  string
	state fileState

	// now is the clock, injectable for throttle tests.
	now func() time.Time
}

type fileState struct {
	Version  int                            `cbor:"version"`
	PIN      *PINEnvelope                   `cbor:"pin,omitempty"`
	Throttle throttleState                  `cbor:"throttle"`
	Blobs    map[string]vault.EncryptedBlob `cbor:"blobs"`
}

const fileVersion = 1

// Open loads the keystore at path, creating an empty one if the file
// does not exist.
func Open(path string) (*Keystore, error) {
	ks := &Keystore{
		path: path,
		now:  time.Now,
		state: fileState{
			Version: fileVersion,
			Blobs:   make(map[string]vault.EncryptedBlob),
		},
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return ks, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read keystore: %w", err)
	}

	if err := cbor.Unmarshal(data, &ks.state); err != nil {
		return nil, fmt.Errorf("failed to parse keystore: %w", err)
	}
	if ks.state.Version != fileVersion {
		return nil, fmt.Errorf("unsupported keystore version %d", ks.state.Version)
	}
	if ks.state.Blobs == nil {
		ks.state.Blobs = make(map[string]vault.EncryptedBlob)
	}

	return ks, nil
}

// PutBlob stores a named ciphertext blob (cached identity or contact
// payloads). The keystore treats the content as opaque.
func (ks *Keystore) PutBlob(name string, blob vault.EncryptedBlob) error {
	ks.mu.Lock()
	defer ks.mu.Unlock()

	ks.state.Blobs[name] = blob
	return ks.save()
}

// GetBlob returns a named ciphertext blob.
func (ks *Keystore) GetBlob(name string) (vault.EncryptedBlob, bool) {
	ks.mu.Lock()
	defer ks.mu.Unlock()

	blob, ok := ks.state.Blobs[name]
	return blob, ok
}

// DeleteBlob removes a named ciphertext blob.
func (ks *Keystore) DeleteBlob(name string) error {
	ks.mu.Lock()
	defer ks.mu.Unlock()

	delete(ks.state.Blobs, name)
	return ks.save()
}

// save writes the store atomically. Caller must hold the lock.
func (ks *Keystore) save() error {
	data, err := cbor.Marshal(ks.state)
	if err != nil {
		return fmt.Errorf("failed to encode keystore: %w", err)
	}

	tmp := ks.path + ".tmp"
	if err := os.MkdirAll(filepath.Dir(ks.path), 0o700); err != nil {
		return fmt.Errorf("failed to create keystore directory: %w", err)
	}
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("failed to write keystore: %w", err)
	}
	if err := os.Rename(tmp, ks.path); err != nil {
		return fmt.Errorf("failed to replace keystore: %w", err)
	}

	log.Debug().Str("path", ks.path).Msg("Keystore saved")
	return nil
}
