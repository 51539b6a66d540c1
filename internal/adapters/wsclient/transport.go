package wsclient

import (
	"context"
	"sync"

	"github.com/dkeye/voicemesh/internal/core"
	"github.com/dkeye/voicemesh/internal/domain"
	"github.com/dkeye/voicemesh/internal/wire"
)

type presence struct {
	client *Client

	mu       sync.RWMutex
	handlers map[core.PresenceKind][]func(domain.Member)
}

// Sync joins the room on first use and re-reads the membership afterwards.
func (p *presence) Sync(ctx context.Context) ([]domain.Member, error) {
	c := p.client
	reply := make(chan syncReply, 1)

	c.mu.Lock()
	f := wire.Frame{Type: wire.TypeSync}
	if !c.joined {
		self := c.opts.Self
		f = wire.Frame{Type: wire.TypeJoin, Room: c.opts.Room, Member: &self}
	}
	c.waiters = append(c.waiters, reply)
	c.mu.Unlock()

	if err := c.enqueue(ctx, f); err != nil {
		c.dropWaiter(reply)
		return nil, err
	}
	select {
	case r := <-reply:
		return r.members, r.err
	case <-c.ctx.Done():
		c.dropWaiter(reply)
		return nil, ErrClosed
	case <-ctx.Done():
		c.dropWaiter(reply)
		return nil, ctx.Err()
	}
}

func (p *presence) On(kind core.PresenceKind, fn func(domain.Member)) {
	p.mu.Lock()
	p.handlers[kind] = append(p.handlers[kind], fn)
	p.mu.Unlock()
}

func (p *presence) PublishSelf(ctx context.Context, self domain.Member) error {
	return p.client.enqueue(ctx, wire.Frame{Type: wire.TypeUpdate, Member: &self})
}

func (p *presence) emit(kind core.PresenceKind, m *domain.Member) {
	if m == nil {
		return
	}
	p.mu.RLock()
	hs := p.handlers[kind]
	p.mu.RUnlock()
	for _, h := range hs {
		h(*m)
	}
}

type broadcast struct {
	client *Client

	mu       sync.RWMutex
	handlers map[domain.SignalEvent][]func(domain.Signal)
}

func (b *broadcast) Send(ctx context.Context, event domain.SignalEvent, s domain.Signal) error {
	s.Event = event
	return b.client.enqueue(ctx, wire.Frame{Type: wire.TypeBroadcast, Signal: &s})
}

func (b *broadcast) On(event domain.SignalEvent, fn func(domain.Signal)) {
	b.mu.Lock()
	b.handlers[event] = append(b.handlers[event], fn)
	b.mu.Unlock()
}

func (b *broadcast) emit(s domain.Signal) {
	b.mu.RLock()
	hs := b.handlers[s.Event]
	b.mu.RUnlock()
	for _, h := range hs {
		h(s)
	}
}

func (c *Client) dropWaiter(w chan syncReply) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, x := range c.waiters {
		if x == w {
			c.waiters = append(c.waiters[:i], c.waiters[i+1:]...)
			return
		}
	}
}

var _ core.SignalingTransport = (*Client)(nil)
