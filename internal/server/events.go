package server

import (
	"encoding/json"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"
)

// EventPublisher fans out change notifications so connected clients can
// refresh without polling. The payloads carry only routing identifiers
// and epochs — never plaintext and never ciphertext.
type EventPublisher struct {
	conn *nats.Conn
}

// Event is one change notification published on
// hush.conversation.<id>.
type Event struct {
	Type           string `json:"type"`
	ConversationID string `json:"conversation_id"`
	KeyEpoch       int64  `json:"key_epoch,omitempty"`
}

const (
	eventMessageCreated    = "message_created"
	eventGroupCreated      = "group_created"
	eventMembershipChanged = "group_membership_changed"
)

// NewEventPublisher connects to NATS. An empty URL disables fanout and
// returns a nil publisher, which is safe to call.
func NewEventPublisher(url string) (*EventPublisher, error) {
	if url == "" {
		return nil, nil
	}

	conn, err := nats.Connect(url,
		nats.Name("hushd"),
		nats.ReconnectWait(2*time.Second),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			log.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, err
	}
	return &EventPublisher{conn: conn}, nil
}

// Publish sends an event for a conversation. Fanout is best-effort:
// failures are logged, never surfaced to the request path.
func (p *EventPublisher) Publish(event Event) {
	if p == nil {
		return
	}

	data, err := json.Marshal(event)
	if err != nil {
		log.Error().Err(err).Msg("Failed to encode event")
		return
	}
	if err := p.conn.Publish("hush.conversation."+event.ConversationID, data); err != nil {
		log.Warn().Err(err).Str("type", event.Type).Msg("Failed to publish event")
	}
}

// Close drains the connection.
func (p *EventPublisher) Close() {
	if p == nil {
		return
	}
	p.conn.Close()
}

// MessageCreated announces a stored message.
func (p *EventPublisher) MessageCreated(conversationID string, epoch *int64) {
	ev := Event{Type: eventMessageCreated, ConversationID: conversationID}
	if epoch != nil {
		ev.KeyEpoch = *epoch
	}
	p.Publish(ev)
}

// GroupCreated announces a new group at its initial epoch.
func (p *EventPublisher) GroupCreated(groupID string, epoch int64) {
	p.Publish(Event{Type: eventGroupCreated, ConversationID: groupID, KeyEpoch: epoch})
}

// MembershipChanged announces a membership mutation and the epoch it
// moved the group to, so members know to fetch their new envelope.
func (p *EventPublisher) MembershipChanged(groupID string, epoch int64) {
	p.Publish(Event{Type: eventMembershipChanged, ConversationID: groupID, KeyEpoch: epoch})
}
