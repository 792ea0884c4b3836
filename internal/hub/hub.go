// Package hub fans upstream events out to every connected viewer and routes
// viewer control commands back to the upstream link.
//
// All registry changes, broadcasts and control routing run on the single
// goroutine executing Run, in the order they were submitted. Callers on other
// goroutines only enqueue work, so the registry needs no lock and each viewer
// sees events in the order they were published.
package hub

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync/atomic"

	"github.com/cissieab/framerelay/internal/event"
	"github.com/cissieab/framerelay/internal/platform/metrics"
)

const inboxSize = 256

// Forwarder delivers a control command to the upstream backend.
type Forwarder interface {
	ForwardControl(cmd event.ControlCommand) error
}

// ForwarderFunc adapts a function to Forwarder.
type ForwarderFunc func(cmd event.ControlCommand) error

// ForwardControl calls f(cmd).
func (f ForwarderFunc) ForwardControl(cmd event.ControlCommand) error {
	return f(cmd)
}

type opKind int

const (
	opConnect opKind = iota
	opDisconnect
	opBroadcast
	opControl
)

type op struct {
	kind opKind
	conn Conn
	id   string
	name string
	msg  []byte
	cmd  event.ControlCommand
}

// Hub is the single global broadcast domain.
type Hub struct {
	log       *slog.Logger
	metrics   *metrics.Metrics
	forwarder Forwarder

	registry *Registry
	inbox    chan op
	stopped  chan struct{}
	running  atomic.Bool

	viewers      atomic.Int64
	latestCounts atomic.Pointer[event.ObjectCountEvent]
}

// New creates a hub that hands control commands to fwd.
func New(fwd Forwarder, log *slog.Logger, met *metrics.Metrics) *Hub {
	return &Hub{
		log:       log.With("component", "hub"),
		metrics:   met,
		forwarder: fwd,
		registry:  NewRegistry(),
		inbox:     make(chan op, inboxSize),
		stopped:   make(chan struct{}),
	}
}

// Run dispatches hub work until ctx is done. On exit every registered viewer
// is closed. Run must be called once.
func (h *Hub) Run(ctx context.Context) error {
	if !h.running.CompareAndSwap(false, true) {
		return errors.New("hub: already running")
	}
	defer close(h.stopped)

	for {
		select {
		case <-ctx.Done():
			for _, c := range h.registry.Snapshot() {
				h.registry.Remove(c.ID())
				c.Close()
			}
			h.setViewers()
			return nil
		case o := <-h.inbox:
			h.dispatch(o)
		}
	}
}

func (h *Hub) dispatch(o op) {
	switch o.kind {
	case opConnect:
		h.onConnect(o.conn)
	case opDisconnect:
		h.onDisconnect(o.id)
	case opBroadcast:
		h.broadcast(o.name, o.msg)
	case opControl:
		h.onControl(o.id, o.cmd)
	}
}

// post enqueues work for Run. Once Run has returned it is a no-op.
func (h *Hub) post(o op) {
	select {
	case h.inbox <- o:
	case <-h.stopped:
	}
}

// Connect registers a viewer.
func (h *Hub) Connect(c Conn) {
	h.post(op{kind: opConnect, conn: c})
}

// Disconnect removes a viewer. It is safe to call more than once.
func (h *Hub) Disconnect(id string) {
	h.post(op{kind: opDisconnect, id: id})
}

// PublishFrame sends the bare frame string to every viewer under "frame".
func (h *Hub) PublishFrame(evt event.FrameEvent) {
	msg, err := event.EncodeFrame(evt)
	if err != nil {
		h.log.Error("encode frame", "error", err)
		return
	}
	h.metrics.ObserveFrame(evt.Size())
	h.post(op{kind: opBroadcast, name: event.Frame, msg: msg})
}

// PublishObjectCounts sends the counts payload, as received, to every viewer
// under "object_counts".
func (h *Hub) PublishObjectCounts(evt event.ObjectCountEvent) {
	msg, err := event.Encode(event.ObjectCounts, json.RawMessage(evt))
	if err != nil {
		h.log.Error("encode object counts", "error", err)
		return
	}
	h.latestCounts.Store(&evt)
	h.metrics.IncObjectCounts()
	h.post(op{kind: opBroadcast, name: event.ObjectCounts, msg: msg})
}

// Control routes a viewer's command to the upstream link. The outcome is
// logged only; nothing is sent back to the viewer.
func (h *Hub) Control(sessionID string, cmd event.ControlCommand) {
	h.post(op{kind: opControl, id: sessionID, cmd: cmd})
}

// ViewerCount returns the number of registered viewers.
func (h *Hub) ViewerCount() int {
	return int(h.viewers.Load())
}

// LatestObjectCounts returns the most recent counts payload, or nil.
func (h *Hub) LatestObjectCounts() event.ObjectCountEvent {
	if p := h.latestCounts.Load(); p != nil {
		return *p
	}
	return nil
}

func (h *Hub) onConnect(c Conn) {
	if !h.registry.Add(c) {
		h.log.Warn("viewer already registered", "session", c.ID())
		return
	}
	h.setViewers()
	h.log.Info("viewer connected", "session", c.ID(), "viewers", h.registry.Len())
}

func (h *Hub) onDisconnect(id string) {
	c, ok := h.registry.Remove(id)
	if !ok {
		h.log.Debug("disconnect for unregistered session", "session", id)
		return
	}
	c.Close()
	h.setViewers()
	h.log.Info("viewer disconnected", "session", id, "viewers", h.registry.Len())
}

func (h *Hub) broadcast(name string, msg []byte) {
	conns := h.registry.Snapshot()
	if len(conns) == 0 {
		return
	}

	dropped := 0
	for _, c := range conns {
		if !c.Enqueue(msg) {
			dropped++
			h.log.Debug("viewer send buffer full, message dropped", "session", c.ID(), "event", name)
		}
	}
	h.metrics.AddDeliveriesDropped(dropped)
}

func (h *Hub) onControl(id string, cmd event.ControlCommand) {
	if err := h.forwarder.ForwardControl(cmd); err != nil {
		h.metrics.IncControlDropped()
		h.log.Warn("control command dropped", "session", id, "command", string(cmd), "error", err)
		return
	}
	h.metrics.IncControlForwarded()
	h.log.Info("control command forwarded", "session", id, "command", string(cmd))
}

func (h *Hub) setViewers() {
	n := h.registry.Len()
	h.viewers.Store(int64(n))
	h.metrics.SetViewers(n)
}
