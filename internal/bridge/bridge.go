// internal/bridge/bridge.go
// Package bridge connects the hub to a consumer living in another process.
// Inbound messages are published on a bus subject; payloads arriving on the
// outbound subject are broadcast to every session.
package bridge

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/erilali/wsrelay/internal/hub"
	"github.com/erilali/wsrelay/internal/logger"
	"github.com/erilali/wsrelay/internal/message"
)

const (
	DefaultInboundSubject  = "relay.inbound"
	DefaultOutboundSubject = "relay.outbound"
	publishTimeout         = 5 * time.Second
)

// Transport is a publish/subscribe bus.
type Transport interface {
	Publish(ctx context.Context, subject string, data []byte) error
	// Subscribe calls fn for every message on subject until the returned
	// function is called.
	Subscribe(subject string, fn func(data []byte)) (unsubscribe func() error, err error)
	Close() error
	Name() string
}

// Relay is the part of the hub the bridge drives.
type Relay interface {
	RegisterConsumer(c hub.Consumer)
	Broadcast(payload string) int
}

type Subjects struct {
	Inbound  string
	Outbound string
}

// Bridge is a hub.Consumer backed by a Transport.
type Bridge struct {
	relay     Relay
	transport Transport
	subjects  Subjects
	logger    *logger.Logger

	mu          sync.Mutex
	unsubscribe func() error
}

func New(relay Relay, transport Transport, subjects Subjects, log *logger.Logger) *Bridge {
	if subjects.Inbound == "" {
		subjects.Inbound = DefaultInboundSubject
	}
	if subjects.Outbound == "" {
		subjects.Outbound = DefaultOutboundSubject
	}
	if log == nil {
		log = logger.Nop()
	}
	return &Bridge{
		relay:     relay,
		transport: transport,
		subjects:  subjects,
		logger:    log,
	}
}

// Start subscribes to the outbound subject and registers the bridge as the
// hub's consumer.
func (b *Bridge) Start() error {
	unsub, err := b.transport.Subscribe(b.subjects.Outbound, b.handleOutbound)
	if err != nil {
		return fmt.Errorf("bridge: subscribe %s on %s: %w", b.subjects.Outbound, b.transport.Name(), err)
	}

	b.mu.Lock()
	b.unsubscribe = unsub
	b.mu.Unlock()

	b.relay.RegisterConsumer(b)
	b.logger.Infof("Bridge started on %s (inbound=%s outbound=%s)",
		b.transport.Name(), b.subjects.Inbound, b.subjects.Outbound)
	return nil
}

func (b *Bridge) handleOutbound(data []byte) {
	msg := message.NewOutbound(string(data))
	n := b.relay.Broadcast(msg.Payload)
	b.logger.Debugf("Relayed %s message (%d bytes) to %d sessions", msg.Direction, len(msg.Payload), n)
}

// Consume publishes an inbound message. Failures are logged only; the client
// is never told.
func (b *Bridge) Consume(msg message.Message) {
	data, err := msg.MarshalEnvelope()
	if err != nil {
		b.logger.Errorf("Failed to marshal message from %s: %v", msg.SessionID, err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	if err := b.transport.Publish(ctx, b.subjects.Inbound, data); err != nil {
		b.logger.Errorf("Failed to publish message from %s to %s: %v", msg.SessionID, b.transport.Name(), err)
	}
}

// Stop unregisters the bridge from the hub, drops the subscription and closes
// the transport.
func (b *Bridge) Stop() error {
	b.relay.RegisterConsumer(nil)

	b.mu.Lock()
	unsub := b.unsubscribe
	b.unsubscribe = nil
	b.mu.Unlock()

	if unsub != nil {
		if err := unsub(); err != nil {
			b.logger.Warnf("Error unsubscribing from %s: %v", b.subjects.Outbound, err)
		}
	}
	if err := b.transport.Close(); err != nil {
		return fmt.Errorf("bridge: close %s: %w", b.transport.Name(), err)
	}
	b.logger.Infof("Bridge on %s stopped", b.transport.Name())
	return nil
}

// Name reports the transport in use.
func (b *Bridge) Name() string {
	return b.transport.Name()
}
