package channel

import (
	"context"
	"fmt"

	"github.com/adwski/webrtc-rooms/backend/model"
)

// Presence exposes the live membership of a channel.
// Membership is always read from the transport, never cached here.
type Presence struct {
	c *Channel
}

func (p *Presence) requireAttached() error {
	if st := p.c.State(); st != StateAttached {
		return fmt.Errorf("%w: channel is %s", ErrNotAttached, st)
	}
	return nil
}

func (p *Presence) Get(ctx context.Context) ([]model.PresenceMember, error) {
	if err := p.requireAttached(); err != nil {
		return nil, err
	}
	return p.c.transport.Members(ctx)
}

// Enter announces member on the channel. The member is entered again
// automatically whenever the channel reattaches.
func (p *Presence) Enter(ctx context.Context, member model.PresenceMember) error {
	if err := p.requireAttached(); err != nil {
		return err
	}
	if err := p.c.transport.EnterPresence(ctx, member); err != nil {
		return err
	}
	p.c.mx.Lock()
	p.c.entered = &member
	p.c.mx.Unlock()
	return nil
}

func (p *Presence) Leave(ctx context.Context, member model.PresenceMember) error {
	p.c.mx.Lock()
	p.c.entered = nil
	p.c.mx.Unlock()

	if err := p.requireAttached(); err != nil {
		return err
	}
	return p.c.transport.LeavePresence(ctx, member)
}

func (p *Presence) Subscribe(h func(PresenceEvent)) *Subscription {
	c := p.c
	c.mx.Lock()
	defer c.mx.Unlock()

	c.nextID++
	id := c.nextID
	c.presenceSubs[id] = h
	return &Subscription{cancel: func() {
		c.mx.Lock()
		defer c.mx.Unlock()
		delete(c.presenceSubs, id)
	}}
}
