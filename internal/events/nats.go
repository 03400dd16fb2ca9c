package events

import (
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

// NatsBus is a Bus backed by NATS JetStream, for deployments where other
// processes (mirrors, dashboards) consume the event stream.
type NatsBus struct {
	conn       *nats.Conn
	js         nats.JetStreamContext
	streamName string

	mu   sync.Mutex
	subs map[string]*nats.Subscription
}

// NatsConfig holds the NATS connection settings.
type NatsConfig struct {
	URL        string
	StreamName string
	Timeout    time.Duration
}

// NewNatsBus connects to NATS and ensures the event stream exists.
func NewNatsBus(cfg NatsConfig) (*NatsBus, error) {
	if cfg.URL == "" {
		cfg.URL = "nats://localhost:4222"
	}
	if cfg.StreamName == "" {
		cfg.StreamName = "FORGE_EVENTS"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}

	nc, err := nats.Connect(cfg.URL,
		nats.Timeout(cfg.Timeout),
		nats.ReconnectWait(1*time.Second),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if err != nil {
				log.Printf("[EventBus] NATS disconnected: %v", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Printf("[EventBus] NATS reconnected to %s", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	b := &NatsBus{
		conn:       nc,
		js:         js,
		streamName: cfg.StreamName,
		subs:       make(map[string]*nats.Subscription),
	}
	if err := b.ensureStream(); err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to ensure stream: %w", err)
	}

	log.Printf("[EventBus] Connected to NATS at %s with stream %s", cfg.URL, cfg.StreamName)
	return b, nil
}

// ensureStream creates or updates the JetStream stream. LimitsPolicy so that
// every consumer sees every event (fan-out, not work-queue).
func (b *NatsBus) ensureStream() error {
	cfg := &nats.StreamConfig{
		Name:      b.streamName,
		Subjects:  []string{"forge.events.>"},
		Retention: nats.LimitsPolicy,
		MaxAge:    24 * time.Hour,
		Storage:   nats.FileStorage,
		Replicas:  1,
		Discard:   nats.DiscardOld,
	}

	if _, err := b.js.StreamInfo(b.streamName); err != nil {
		if _, err := b.js.AddStream(cfg); err != nil {
			return fmt.Errorf("failed to create stream: %w", err)
		}
		return nil
	}
	if _, err := b.js.UpdateStream(cfg); err != nil {
		return fmt.Errorf("failed to update stream: %w", err)
	}
	return nil
}

// Publish sends the event to forge.events.<type>. Publish failures are
// logged, not returned; losing an event must not fail the state transition
// that produced it.
func (b *NatsBus) Publish(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	data, err := json.Marshal(event)
	if err != nil {
		log.Printf("[EventBus] Failed to marshal event %s: %v", event.Type, err)
		return
	}
	subject := "forge.events." + event.Type
	if _, err := b.js.Publish(subject, data); err != nil {
		log.Printf("[EventBus] Failed to publish to %s: %v", subject, err)
	}
}

// Subscribe registers a durable consumer for all forge events.
func (b *NatsBus) Subscribe(id string, handler func(Event)) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.subs[id]; exists {
		return fmt.Errorf("subscriber %s already registered", id)
	}

	sub, err := b.js.Subscribe("forge.events.>", func(msg *nats.Msg) {
		var event Event
		if err := json.Unmarshal(msg.Data, &event); err != nil {
			log.Printf("[EventBus] Failed to unmarshal event: %v", err)
			msg.Nak()
			return
		}
		handler(event)
		msg.Ack()
	},
		nats.Durable(id),
		nats.AckExplicit(),
		nats.MaxDeliver(3),
		nats.AckWait(30*time.Second),
	)
	if err != nil {
		return fmt.Errorf("failed to subscribe as %s: %w", id, err)
	}
	b.subs[id] = sub
	return nil
}

// Unsubscribe removes a subscriber.
func (b *NatsBus) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if sub, ok := b.subs[id]; ok {
		if err := sub.Unsubscribe(); err != nil {
			log.Printf("[EventBus] Failed to unsubscribe %s: %v", id, err)
		}
		delete(b.subs, id)
	}
}

// Close drops all subscriptions and closes the connection.
func (b *NatsBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	for id, sub := range b.subs {
		_ = sub.Unsubscribe()
		delete(b.subs, id)
	}
	b.conn.Close()
	return nil
}

// Health reports whether the connection and stream are usable.
func (b *NatsBus) Health() error {
	if b.conn.IsClosed() {
		return fmt.Errorf("NATS connection is closed")
	}
	if !b.conn.IsConnected() {
		return fmt.Errorf("NATS is not connected")
	}
	if _, err := b.js.StreamInfo(b.streamName); err != nil {
		return fmt.Errorf("stream %s is unhealthy: %w", b.streamName, err)
	}
	return nil
}
