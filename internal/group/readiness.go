package group

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/thefeshin/hush-sub000/internal/vault"
)

// Reason classifies why a group send is not ready to proceed.
type Reason string

const (
	// ReasonStateUnavailable: group state could not be fetched after
	// both attempts. The send fails closed; nothing leaves the client.
	ReasonStateUnavailable Reason = "state_unavailable"

	// ReasonMissingEnvelope: the caller has no wrapped key envelope for
	// the current epoch and cannot obtain the group key.
	ReasonMissingEnvelope Reason = "missing_envelope"

	// ReasonStaleEpoch: the caller's cached epoch differs from the
	// server's current epoch. The caller must refresh and explicitly
	// resend; there is no silent auto-retry under the new key.
	ReasonStaleEpoch Reason = "stale_epoch"
)

// NotReadyError reports why EnsureSendReadiness refused the send. For
// ReasonStaleEpoch, CurrentEpoch carries the epoch the caller must
// refresh to.
type NotReadyError struct {
	GroupID      string
	Reason       Reason
	CurrentEpoch int64
}

func (e *NotReadyError) Error() string {
	if e.Reason == ReasonStaleEpoch {
		return fmt.Sprintf("group %s not ready to send: %s (current epoch %d)", e.GroupID, e.Reason, e.CurrentEpoch)
	}
	return fmt.Sprintf("group %s not ready to send: %s", e.GroupID, e.Reason)
}

// EnsureSendReadiness verifies that a group message can be encrypted
// under the current group key. Sends must never proceed under a stale
// or absent key, so every failure path here refuses the send:
//
//   - state fetch fails twice (with backoff between attempts) ⇒
//     ReasonStateUnavailable
//   - no envelope for the caller at the current epoch ⇒
//     ReasonMissingEnvelope
//   - expectedEpoch differs from the server's current epoch ⇒
//     ReasonStaleEpoch carrying the current epoch
//
// On success it returns the unwrapped group key for the current epoch.
func (m *Manager) EnsureSendReadiness(ctx context.Context, groupID string, expectedEpoch int64) (*vault.ContextKey, error) {
	state, err := m.fetchWithRetry(ctx, groupID)
	if err != nil {
		log.Warn().Err(err).Str("group_id", groupID).Msg("Group state unavailable, refusing send")
		return nil, &NotReadyError{GroupID: groupID, Reason: ReasonStateUnavailable}
	}

	envelope, ok := state.Envelopes[m.selfID]
	if !ok {
		return nil, &NotReadyError{GroupID: groupID, Reason: ReasonMissingEnvelope}
	}

	if state.Epoch != expectedEpoch {
		return nil, &NotReadyError{
			GroupID:      groupID,
			Reason:       ReasonStaleEpoch,
			CurrentEpoch: state.Epoch,
		}
	}

	wrapKey, err := m.session.MemberWrapKey(m.selfID)
	if err != nil {
		return nil, err
	}

	raw, err := vault.Decrypt(wrapKey, envelope)
	if err != nil {
		// Envelope present but not unwrappable: treat as missing, the
		// caller cannot send under it either way.
		return nil, &NotReadyError{GroupID: groupID, Reason: ReasonMissingEnvelope}
	}

	return vault.NewContextKey(raw)
}

// fetchWithRetry fetches group state with up to two attempts.
func (m *Manager) fetchWithRetry(ctx context.Context, groupID string) (*State, error) {
	state, err := m.dir.FetchState(ctx, groupID)
	if err == nil {
		return state, nil
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(m.retryBackoff):
	}

	return m.dir.FetchState(ctx, groupID)
}
