// Package upstream maintains the relay's single connection to the vision
// backend. It reconnects forever with a fixed delay, hands inbound frame and
// object count events to a Sink, and forwards control commands on the active
// connection when there is one.
package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/cissieab/framerelay/internal/event"
	"github.com/cissieab/framerelay/internal/platform/metrics"
)

const (
	controlQueueSize = 16
	sendTimeout      = 5 * time.Second
)

var (
	// ErrNotConnected is returned by ForwardControl while no upstream
	// connection is active. The command is dropped.
	ErrNotConnected = errors.New("upstream not connected")
	// ErrControlQueueFull is returned when the active connection already has
	// too many unsent commands. The command is dropped.
	ErrControlQueueFull = errors.New("upstream control queue full")
	// ErrUpstreamUnavailable wraps every failed connection attempt.
	ErrUpstreamUnavailable = errors.New("upstream unavailable")
	// ErrMalformedMessage marks an inbound message that could not be decoded.
	// It does not end the session.
	ErrMalformedMessage = errors.New("malformed upstream message")
)

// State of the upstream connection.
type State int32

const (
	Disconnected State = iota
	Connecting
	Connected
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return "disconnected"
	}
}

// Session is one live transport connection to the backend.
type Session interface {
	// Receive blocks for the next event. An error wrapping ErrMalformedMessage
	// skips one message; any other error ends the session.
	Receive(ctx context.Context) (event.Envelope, error)
	// Send writes one named event.
	Send(ctx context.Context, name string, data json.RawMessage) error
	// Close releases the connection. It may be called more than once.
	Close() error
}

// Dialer opens sessions to a fixed upstream address.
type Dialer interface {
	Dial(ctx context.Context) (Session, error)
	Addr() string
}

// Sink receives decoded upstream events.
type Sink interface {
	PublishFrame(evt event.FrameEvent)
	PublishObjectCounts(evt event.ObjectCountEvent)
}

// Link owns the single upstream connection.
type Link struct {
	dialer  Dialer
	sink    Sink
	delay   time.Duration
	log     *slog.Logger
	metrics *metrics.Metrics

	frameLog rate.Sometimes

	state  atomic.Int32
	active atomic.Pointer[activeSession]

	startOnce sync.Once
	done      chan struct{}
}

// NewLink creates a link that dials d and retries every delay.
func NewLink(d Dialer, sink Sink, delay time.Duration, log *slog.Logger, met *metrics.Metrics) *Link {
	return &Link{
		dialer:   d,
		sink:     sink,
		delay:    delay,
		log:      log.With("component", "upstream", "addr", d.Addr()),
		metrics:  met,
		frameLog: rate.Sometimes{Interval: time.Second},
		done:     make(chan struct{}),
	}
}

// Start begins connecting in the background. Only the first call has effect.
// The link stops when ctx is done; Done is closed once it has.
func (l *Link) Start(ctx context.Context) {
	l.startOnce.Do(func() {
		go l.run(ctx)
	})
}

// Done is closed after the link has stopped.
func (l *Link) Done() <-chan struct{} {
	return l.done
}

// State returns the current connection state.
func (l *Link) State() State {
	return State(l.state.Load())
}

// ForwardControl queues cmd for the active connection. With no active
// connection the command is dropped and ErrNotConnected returned; nothing is
// kept for a later connection.
func (l *Link) ForwardControl(cmd event.ControlCommand) error {
	as := l.active.Load()
	if as == nil {
		return ErrNotConnected
	}
	return as.enqueue(cmd)
}

func (l *Link) run(ctx context.Context) {
	defer close(l.done)

	for {
		l.connectAndServe(ctx)
		if ctx.Err() != nil {
			return
		}

		t := time.NewTimer(l.delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
	}
}

func (l *Link) connectAndServe(ctx context.Context) {
	l.setState(Connecting)
	l.metrics.IncConnectAttempts()

	sess, err := l.dialer.Dial(ctx)
	if err != nil {
		l.setState(Disconnected)
		if ctx.Err() == nil {
			l.log.Warn("upstream connection failed", "error", fmt.Errorf("%w: %w", ErrUpstreamUnavailable, err), "retry_in", l.delay)
		}
		return
	}
	stop := context.AfterFunc(ctx, func() { sess.Close() })
	defer stop()

	as := newActiveSession(sess, l.log)
	l.active.Store(as)
	l.setState(Connected)
	l.log.Info("connected to upstream")

	err = l.serve(ctx, sess)

	l.active.CompareAndSwap(as, nil)
	as.stop()
	sess.Close()
	l.setState(Disconnected)
	if ctx.Err() == nil {
		l.log.Warn("upstream disconnected", "error", err, "retry_in", l.delay)
	}
}

func (l *Link) serve(ctx context.Context, sess Session) error {
	for {
		env, err := sess.Receive(ctx)
		if errors.Is(err, ErrMalformedMessage) {
			l.log.Warn("skipping upstream message", "error", err)
			continue
		}
		if err != nil {
			return err
		}
		l.handle(env)
	}
}

func (l *Link) handle(env event.Envelope) {
	switch env.Event {
	case event.Frame:
		evt, err := event.DecodeFrame(env.Data)
		if err != nil {
			l.log.Warn("skipping frame", "error", err)
			return
		}
		l.frameLog.Do(func() {
			l.log.Debug("frame received", "bytes", evt.Size())
		})
		l.sink.PublishFrame(evt)
	case event.ObjectCounts:
		l.log.Debug("object counts received", "counts", string(env.Data))
		l.sink.PublishObjectCounts(event.ObjectCountEvent(env.Data))
	default:
		l.log.Debug("ignoring upstream event", "event", env.Event)
	}
}

func (l *Link) setState(s State) {
	l.state.Store(int32(s))
	l.metrics.SetUpstreamConnected(s == Connected)
}

// activeSession pairs a session with its outbound control queue so callers
// never wait on network writes.
type activeSession struct {
	sess     Session
	log      *slog.Logger
	out      chan event.ControlCommand
	done     chan struct{}
	stopOnce sync.Once
}

func newActiveSession(sess Session, log *slog.Logger) *activeSession {
	as := &activeSession{
		sess: sess,
		log:  log,
		out:  make(chan event.ControlCommand, controlQueueSize),
		done: make(chan struct{}),
	}
	go as.writeLoop()
	return as
}

func (as *activeSession) enqueue(cmd event.ControlCommand) error {
	select {
	case <-as.done:
		return ErrNotConnected
	default:
	}
	select {
	case as.out <- cmd:
		return nil
	default:
		return ErrControlQueueFull
	}
}

func (as *activeSession) writeLoop() {
	for {
		select {
		case <-as.done:
			return
		case cmd := <-as.out:
			ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
			err := as.sess.Send(ctx, event.Control, json.RawMessage(cmd))
			cancel()
			if err != nil {
				as.log.Warn("control send failed, closing upstream session", "error", err)
				as.sess.Close()
				return
			}
		}
	}
}

func (as *activeSession) stop() {
	as.stopOnce.Do(func() { close(as.done) })
}
