// Package payload defines the closed set of decrypted payload shapes. A
// decrypted plaintext is client-controlled data: the kind tag embedded
// in it is cross-checked against the transport-level routing by the
// caller and never trusted alone, unknown kinds and malformed or
// over-specified shapes are rejected outright.
package payload

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// Kind tags a decrypted payload shape.
type Kind string

const (
	KindDirectMessage Kind = "direct_message"
	KindGroupMessage  Kind = "group_message"
	KindIdentity      Kind = "identity"
	KindContact       Kind = "contact"
)

// Payload is one of the closed set of decrypted shapes.
type Payload interface {
	PayloadKind() Kind
	validate() error
}

// DirectMessage is the plaintext of a two-party conversation message.
type DirectMessage struct {
	Kind           Kind      `json:"kind"`
	ConversationID string    `json:"conversation_id"`
	SenderID       string    `json:"sender_id"`
	Body           string    `json:"body"`
	SentAt         time.Time `json:"sent_at"`
}

func (m *DirectMessage) PayloadKind() Kind { return KindDirectMessage }

func (m *DirectMessage) validate() error {
	if m.ConversationID == "" || m.SenderID == "" {
		return fmt.Errorf("direct message missing routing fields")
	}
	return nil
}

// GroupMessage is the plaintext of a group conversation message. Epoch
// records the key epoch it was encrypted under.
type GroupMessage struct {
	Kind     Kind      `json:"kind"`
	GroupID  string    `json:"group_id"`
	Epoch    int64     `json:"epoch"`
	SenderID string    `json:"sender_id"`
	Body     string    `json:"body"`
	SentAt   time.Time `json:"sent_at"`
}

func (m *GroupMessage) PayloadKind() Kind { return KindGroupMessage }

func (m *GroupMessage) validate() error {
	if m.GroupID == "" || m.SenderID == "" {
		return fmt.Errorf("group message missing routing fields")
	}
	if m.Epoch < 1 {
		return fmt.Errorf("group message has invalid epoch %d", m.Epoch)
	}
	return nil
}

// Identity is the caller's own identity record.
type Identity struct {
	Kind        Kind   `json:"kind"`
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name"`
}

func (p *Identity) PayloadKind() Kind { return KindIdentity }

func (p *Identity) validate() error {
	if p.UserID == "" {
		return fmt.Errorf("identity missing user_id")
	}
	return nil
}

// Contact is one contact list entry.
type Contact struct {
	Kind        Kind      `json:"kind"`
	UserID      string    `json:"user_id"`
	DisplayName string    `json:"display_name"`
	AddedAt     time.Time `json:"added_at"`
}

func (p *Contact) PayloadKind() Kind { return KindContact }

func (p *Contact) validate() error {
	if p.UserID == "" {
		return fmt.Errorf("contact missing user_id")
	}
	return nil
}

// Decode parses a decrypted plaintext as the payload kind the transport
// routing says it should be. The embedded kind tag must match expected,
// the shape must carry no unknown fields, and required fields must be
// present. Anything else is rejected.
func Decode(expected Kind, plaintext []byte) (Payload, error) {
	var probe struct {
		Kind Kind `json:"kind"`
	}
	if err := json.Unmarshal(plaintext, &probe); err != nil {
		return nil, fmt.Errorf("payload is not valid JSON")
	}
	if probe.Kind != expected {
		return nil, fmt.Errorf("payload kind %q does not match transport routing %q", probe.Kind, expected)
	}

	var p Payload
	switch expected {
	case KindDirectMessage:
		p = &DirectMessage{}
	case KindGroupMessage:
		p = &GroupMessage{}
	case KindIdentity:
		p = &Identity{}
	case KindContact:
		p = &Contact{}
	default:
		return nil, fmt.Errorf("unrecognized payload kind %q", expected)
	}

	dec := json.NewDecoder(bytes.NewReader(plaintext))
	dec.DisallowUnknownFields()
	if err := dec.Decode(p); err != nil {
		return nil, fmt.Errorf("malformed %s payload: %w", expected, err)
	}

	if err := p.validate(); err != nil {
		return nil, err
	}
	return p, nil
}

// Encode serializes a payload for encryption, stamping its kind tag.
func Encode(p Payload) ([]byte, error) {
	switch v := p.(type) {
	case *DirectMessage:
		v.Kind = KindDirectMessage
	case *GroupMessage:
		v.Kind = KindGroupMessage
	case *Identity:
		v.Kind = KindIdentity
	case *Contact:
		v.Kind = KindContact
	default:
		return nil, fmt.Errorf("unrecognized payload type %T", p)
	}
	return json.Marshal(p)
}
