// internal/hub/hub.go
// Provides the Hub: the session registry and the relay between clients and
// a single consumer.
package hub

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/erilali/wsrelay/internal/logger"
	"github.com/erilali/wsrelay/internal/message"
)

const (
	DefaultSendTimeout = 10 * time.Second
	eventBufferSize    = 64
)

var (
	// ErrHubClosed is returned by Connect after Shutdown.
	ErrHubClosed = errors.New("hub: closed")
	// ErrConsumerUnavailable is carried by events for inbound messages dropped
	// because no consumer was registered.
	ErrConsumerUnavailable = errors.New("hub: no consumer registered")
)

// SendFailedError reports a session that could not be written to during a
// broadcast. The session has been removed from the hub.
type SendFailedError struct {
	SessionID string
	Err       error
}

func (e *SendFailedError) Error() string {
	return fmt.Sprintf("hub: send to session %s failed: %v", e.SessionID, e.Err)
}

func (e *SendFailedError) Unwrap() error { return e.Err }

// Conn is the write side of one client connection.
type Conn interface {
	// WriteText writes one text frame. It must give up once ctx is done.
	WriteText(ctx context.Context, payload string) error
	Close() error
}

// Consumer receives every inbound message.
type Consumer interface {
	Consume(msg message.Message)
}

// ConsumerFunc adapts a plain function to Consumer.
type ConsumerFunc func(msg message.Message)

func (f ConsumerFunc) Consume(msg message.Message) { f(msg) }

type EventKind string

const (
	SendFailed          EventKind = "send_failed"
	ConsumerUnavailable EventKind = "consumer_unavailable"
)

// Event is a non-fatal failure observed by the hub.
type Event struct {
	Kind      EventKind
	SessionID string
	Err       error
	Time      time.Time
}

// Options configures a Hub. Zero values select the defaults.
type Options struct {
	SendTimeout    time.Duration
	MaxMessageSize int64 // largest inbound frame accepted by ServeWs
	Logger         *logger.Logger
}

// Hub tracks open sessions in connect order and relays messages between them
// and the registered consumer.
type Hub struct {
	sendTimeout    time.Duration
	maxMessageSize int64
	logger         *logger.Logger

	mu       sync.Mutex
	sessions []*session
	consumer Consumer
	closed   bool
	inflight sync.WaitGroup

	events       chan Event
	eventsClosed bool

	// ctx is cancelled when Shutdown gives up waiting; it aborts pending sends.
	ctx    context.Context
	cancel context.CancelFunc
}

// NewHub creates an empty, open Hub.
func NewHub(opts Options) *Hub {
	if opts.SendTimeout <= 0 {
		opts.SendTimeout = DefaultSendTimeout
	}
	if opts.MaxMessageSize <= 0 {
		opts.MaxMessageSize = DefaultMaxMessageSize
	}
	if opts.Logger == nil {
		opts.Logger = logger.Nop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		sendTimeout:    opts.SendTimeout,
		maxMessageSize: opts.MaxMessageSize,
		logger:         opts.Logger,
		events:         make(chan Event, eventBufferSize),
		ctx:            ctx,
		cancel:         cancel,
	}
}

// Connect registers conn as a new session and returns its id.
func (h *Hub) Connect(conn Conn) (string, error) {
	s := &session{id: uuid.NewString(), conn: conn, connectedAt: time.Now()}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		conn.Close()
		return "", ErrHubClosed
	}
	h.sessions = append(h.sessions, s)
	count := len(h.sessions)
	h.mu.Unlock()

	h.logger.Infof("Session connected: %s (%d open)", s.id, count)
	return s.id, nil
}

// Disconnect removes and closes the session. Unknown ids are ignored.
func (h *Hub) Disconnect(id string) {
	h.mu.Lock()
	s := h.removeLocked(id)
	h.mu.Unlock()

	if s != nil {
		s.close()
		h.logger.Infof("Session disconnected: %s after %s", id, time.Since(s.connectedAt).Round(time.Second))
	}
}

// RegisterConsumer replaces the current consumer. Passing nil unregisters it.
func (h *Hub) RegisterConsumer(c Consumer) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.consumer = c
	h.mu.Unlock()

	if c == nil {
		h.logger.Info("Consumer unregistered")
	} else {
		h.logger.Info("Consumer registered")
	}
}

// OnInboundMessage hands payload from session id to the consumer. Without a
// consumer the message is dropped.
func (h *Hub) OnInboundMessage(id, payload string) {
	h.mu.Lock()
	c := h.consumer
	h.mu.Unlock()

	if c == nil {
		h.logger.Warnf("Dropping message from %s: %v", id, ErrConsumerUnavailable)
		h.emit(Event{Kind: ConsumerUnavailable, SessionID: id, Err: ErrConsumerUnavailable})
		return
	}
	c.Consume(message.NewInbound(id, payload))
}

// Broadcast writes payload to every session open at call time, in connect
// order. Sessions that fail are removed after the pass. It returns the number
// of sessions the pass targeted.
func (h *Hub) Broadcast(payload string) int {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return 0
	}
	targets := make([]*session, len(h.sessions))
	copy(targets, h.sessions)
	h.inflight.Add(1)
	h.mu.Unlock()
	defer h.inflight.Done()

	var failed []*SendFailedError
	for _, s := range targets {
		if err := h.send(s, payload); err != nil {
			h.logger.Warnf("Broadcast to %s failed: %v", s.id, err)
			failed = append(failed, &SendFailedError{SessionID: s.id, Err: err})
		}
	}

	if len(failed) > 0 {
		h.prune(failed)
	}
	return len(targets)
}

func (h *Hub) send(s *session, payload string) error {
	ctx, cancel := context.WithTimeout(h.ctx, h.sendTimeout)
	defer cancel()
	return s.conn.WriteText(ctx, payload)
}

func (h *Hub) prune(failed []*SendFailedError) {
	removed := make([]*session, 0, len(failed))
	h.mu.Lock()
	for _, f := range failed {
		if s := h.removeLocked(f.SessionID); s != nil {
			removed = append(removed, s)
		}
	}
	h.mu.Unlock()

	for _, s := range removed {
		s.close()
	}
	for _, f := range failed {
		h.emit(Event{Kind: SendFailed, SessionID: f.SessionID, Err: f})
	}
}

// removeLocked must be called with h.mu held.
func (h *Hub) removeLocked(id string) *session {
	for i, s := range h.sessions {
		if s.id == id {
			h.sessions = append(h.sessions[:i], h.sessions[i+1:]...)
			return s
		}
	}
	return nil
}

// emit never blocks: events are dropped when the buffer is full.
func (h *Hub) emit(ev Event) {
	ev.Time = time.Now()
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.eventsClosed {
		return
	}
	select {
	case h.events <- ev:
	default:
		h.logger.Debugf("Event buffer full, dropping %s event for %s", ev.Kind, ev.SessionID)
	}
}

// Events exposes send failures and dropped inbound messages. The channel is
// closed by Shutdown.
func (h *Hub) Events() <-chan Event {
	return h.events
}

// SessionCount returns the number of open sessions.
func (h *Hub) SessionCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sessions)
}

// Sessions returns the open session ids in connect order.
func (h *Hub) Sessions() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	ids := make([]string, len(h.sessions))
	for i, s := range h.sessions {
		ids[i] = s.id
	}
	return ids
}

// Shutdown stops accepting sessions, releases the consumer, waits for
// in-flight broadcasts and closes every session. If ctx ends first, pending
// sends are aborted and ctx.Err() is returned after the sessions are closed.
func (h *Hub) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	h.consumer = nil
	h.mu.Unlock()

	done := make(chan struct{})
	go func() {
		h.inflight.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = ctx.Err()
		h.cancel()
		<-done
	}
	h.cancel()

	h.mu.Lock()
	sessions := h.sessions
	h.sessions = nil
	close(h.events)
	h.eventsClosed = true
	h.mu.Unlock()

	for _, s := range sessions {
		s.close()
	}
	h.logger.Infof("Hub shut down, closed %d sessions", len(sessions))
	return err
}
