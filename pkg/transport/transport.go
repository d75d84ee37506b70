package transport

import (
	"context"
	"sync"

	"github.com/mlsysops/continuum/pkg/errdefs"
	"github.com/mlsysops/continuum/pkg/events"
)

// Transport moves envelopes between agents. Send returns once the message is
// handed to the connection, not when the peer processed it.
type Transport interface {
	ID() string
	Send(ctx context.Context, to string, msg *events.Message) error
	Inbound() <-chan *events.Message
	Close() error
}

// Hub connects in-process endpoints. Messages from one sender to one
// destination arrive in send order.
type Hub struct {
	mu        sync.RWMutex
	endpoints map[string]*Endpoint
}

// NewHub creates an empty hub
func NewHub() *Hub {
	return &Hub{endpoints: make(map[string]*Endpoint)}
}

// Endpoint registers id on the hub, replacing any previous endpoint with the
// same id
func (h *Hub) Endpoint(id string, buffer int) *Endpoint {
	if buffer <= 0 {
		buffer = 256
	}
	ep := &Endpoint{hub: h, id: id, inbound: make(chan *events.Message, buffer), done: make(chan struct{})}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.endpoints[id] = ep
	return ep
}

func (h *Hub) lookup(id string) (*Endpoint, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	ep, ok := h.endpoints[id]
	return ep, ok
}

func (h *Hub) remove(ep *Endpoint) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.endpoints[ep.id] == ep {
		delete(h.endpoints, ep.id)
	}
}

// Endpoint is one agent attached to a Hub
type Endpoint struct {
	hub       *Hub
	id        string
	inbound   chan *events.Message
	done      chan struct{}
	closeOnce sync.Once
}

// type check: Endpoint implements Transport
var _ Transport = &Endpoint{}

func (e *Endpoint) ID() string { return e.id }

func (e *Endpoint) Send(ctx context.Context, to string, msg *events.Message) error {
	dst, ok := e.hub.lookup(to)
	if !ok {
		return errdefs.Wrap(errdefs.ErrNotFound, "peer %s", to)
	}
	out := *msg
	out.From = e.id
	out.To = to

	select {
	case dst.inbound <- &out:
		return nil
	case <-dst.done:
		return errdefs.Wrap(errdefs.ErrNotFound, "peer %s closed", to)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Endpoint) Inbound() <-chan *events.Message { return e.inbound }

func (e *Endpoint) Close() error {
	e.closeOnce.Do(func() {
		e.hub.remove(e)
		close(e.done)
	})
	return nil
}

// Joined routes messages for parent over up and everything else over down.
// Inbound traffic of both is merged.
type Joined struct {
	up      Transport
	down    Transport
	parent  string
	inbound chan *events.Message
	stop    chan struct{}
	once    sync.Once
}

// Join combines the upward connection of a cluster agent with the transport
// its nodes attach to
func Join(up Transport, parent string, down Transport) *Joined {
	j := &Joined{
		up:      up,
		down:    down,
		parent:  parent,
		inbound: make(chan *events.Message, 256),
		stop:    make(chan struct{}),
	}
	go j.forward(up.Inbound())
	go j.forward(down.Inbound())
	return j
}

// type check: Joined implements Transport
var _ Transport = &Joined{}

func (j *Joined) forward(in <-chan *events.Message) {
	for {
		select {
		case msg, ok := <-in:
			if !ok {
				return
			}
			select {
			case j.inbound <- msg:
			case <-j.stop:
				return
			}
		case <-j.stop:
			return
		}
	}
}

func (j *Joined) ID() string { return j.down.ID() }

func (j *Joined) Send(ctx context.Context, to string, msg *events.Message) error {
	if to == j.parent {
		return j.up.Send(ctx, to, msg)
	}
	return j.down.Send(ctx, to, msg)
}

func (j *Joined) Inbound() <-chan *events.Message { return j.inbound }

func (j *Joined) Close() error {
	j.once.Do(func() { close(j.stop) })
	errUp := j.up.Close()
	errDown := j.down.Close()
	if errUp != nil {
		return errUp
	}
	return errDown
}
