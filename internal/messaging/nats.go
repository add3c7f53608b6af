// Package messaging provides a NATS client wrapper used to fan moderation
// decisions from the REST layer into every chat server instance. The REST
// handlers publish moderation events after persisting them; each chat server
// subscribes and applies the event to its live sessions.
package messaging

import (
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

// NATS subjects used by the chat service. Mute notices ride the same
// subject as role changes; ModerationEvent.Kind tells them apart.
const (
	SubjectModeration = "role.changed"
	SubjectRooms      = "rooms.updated"
)

// Moderation event kinds carried on SubjectModeration.
const (
	KindRoleChanged = "role"
	KindMuted       = "mute"
)

// ModerationEvent is the wire form of an out-of-band moderation decision.
// Kind selects which fields are meaningful: NewRole for role changes,
// Until for mutes.
type ModerationEvent struct {
	Kind       string    `json:"kind"`
	IdentityID string    `json:"identityId"`
	NewRole    string    `json:"newRole,omitempty"`
	Until      time.Time `json:"until,omitempty"`
}

// Client wraps the NATS connection with helper methods for pub/sub.
type Client struct {
	conn *nats.Conn
	mu   sync.Mutex
	subs map[string]*nats.Subscription
}

// Config holds NATS connection settings.
type Config struct {
	URL           string
	Name          string
	ReconnectWait time.Duration
	MaxReconnects int // -1 for infinite
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		URL:           "nats://localhost:4222",
		Name:          "chatserver",
		ReconnectWait: 2 * time.Second,
		MaxReconnects: -1,
	}
}

// NewClient connects to NATS with the given config and returns a ready
// client. It returns an error if the initial connection fails.
func NewClient(config Config) (*Client, error) {
	opts := []nats.Option{
		nats.Name(config.Name),
		nats.ReconnectWait(config.ReconnectWait),
		nats.MaxReconnects(config.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Printf("[nats] disconnected: %v", err)
			} else {
				log.Printf("[nats] disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Printf("[nats] reconnected to %s", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			log.Printf("[nats] connection closed")
		}),
	}

	nc, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	log.Printf("[nats] connected to %s", nc.ConnectedUrl())

	return &Client{
		conn: nc,
		subs: make(map[string]*nats.Subscription),
	}, nil
}

// Publish sends data to the given NATS subject.
func (c *Client) Publish(subject string, data []byte) error {
	return c.conn.Publish(subject, data)
}

// Subscribe registers a handler for the given subject and stores the
// subscription internally for later cleanup.
func (c *Client) Subscribe(subject string, handler func(msg *nats.Msg)) error {
	sub, err := c.conn.Subscribe(subject, handler)
	if err != nil {
		return fmt.Errorf("nats subscribe %s: %w", subject, err)
	}

	c.mu.Lock()
	c.subs[subject] = sub
	c.mu.Unlock()

	return nil
}

// PublishModerationEvent publishes an out-of-band moderation decision.
func (c *Client) PublishModerationEvent(ev ModerationEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("nats marshal moderation event: %w", err)
	}
	return c.Publish(SubjectModeration, data)
}

// SubscribeModerationEvents subscribes to moderation decisions. Malformed
// payloads are logged and dropped so one bad publisher cannot wedge the
// subscriber.
func (c *Client) SubscribeModerationEvents(handler func(ev ModerationEvent)) error {
	return c.Subscribe(SubjectModeration, func(msg *nats.Msg) {
		var ev ModerationEvent
		if err := json.Unmarshal(msg.Data, &ev); err != nil {
			log.Printf("[nats] malformed moderation event: %v", err)
			return
		}
		handler(ev)
	})
}

// PublishRoomsUpdated signals that the room list changed.
func (c *Client) PublishRoomsUpdated() error {
	return c.Publish(SubjectRooms, nil)
}

// SubscribeRoomsUpdated subscribes to room list change signals.
func (c *Client) SubscribeRoomsUpdated(handler func()) error {
	return c.Subscribe(SubjectRooms, func(_ *nats.Msg) {
		handler()
	})
}

// Close drains all active subscriptions and closes the NATS connection.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for subject, sub := range c.subs {
		if err := sub.Drain(); err != nil {
			log.Printf("[nats] drain %s: %v", subject, err)
		}
	}
	c.subs = make(map[string]*nats.Subscription)

	if err := c.conn.Drain(); err != nil {
		log.Printf("[nats] connection drain: %v", err)
	}

	log.Printf("[nats] client closed")
}
