// Package memory is an in-process pub/sub service with presence.
//
// It behaves like a managed realtime service: publishers receive their
// own messages back, presence is tracked per channel, and a connection
// may lose its attachment at any time. Fault injection helpers make it
// suitable for exercising reconnection logic in tests.
package memory

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/adwski/webrtc-rooms/backend/model"
	"github.com/adwski/webrtc-rooms/client/channel"
)

const (
	defaultQueueSize = 1024
)

var (
	ErrNotAttached = errors.New("connection is not attached")
)

// Broker owns every topic of the in-process service.
type Broker struct {
	mx        sync.Mutex
	topics    map[string]*topic
	duplicate bool
}

type topic struct {
	conns   map[string]*Conn
	members map[string]model.PresenceMember
}

func NewBroker() *Broker {
	return &Broker{
		topics: make(map[string]*topic),
	}
}

// SetDuplicateDelivery makes the broker deliver every message twice.
func (b *Broker) SetDuplicateDelivery(on bool) {
	b.mx.Lock()
	defer b.mx.Unlock()
	b.duplicate = on
}

// Conn returns a connection of clientID to the named topic.
func (b *Broker) Conn(name, clientID string) *Conn {
	return &Conn{
		b:        b,
		topic:    name,
		clientID: clientID,
	}
}

// Dial satisfies the session dialer contract.
func (b *Broker) Dial(_ context.Context, name, clientID string) (channel.Transport, error) {
	return b.Conn(name, clientID), nil
}

// Deliver pushes msg to every attached connection of the topic,
// as a transport redelivery would.
func (b *Broker) Deliver(name string, msg channel.Message) {
	for _, c := range b.attached(name) {
		c.enqueue(func(l channel.Listener) { l.OnMessage(msg) })
	}
}

func (b *Broker) topicLocked(name string) *topic {
	t, ok := b.topics[name]
	if !ok {
		t = &topic{
			conns:   make(map[string]*Conn),
			members: make(map[string]model.PresenceMember),
		}
		b.topics[name] = t
	}
	return t
}

func (b *Broker) attached(name string) []*Conn {
	b.mx.Lock()
	defer b.mx.Unlock()

	t, ok := b.topics[name]
	if !ok {
		return nil
	}
	conns := make([]*Conn, 0, len(t.conns))
	for _, c := range t.conns {
		conns = append(conns, c)
	}
	return conns
}

func (b *Broker) register(c *Conn) {
	b.mx.Lock()
	defer b.mx.Unlock()
	b.topicLocked(c.topic).conns[c.clientID] = c
}

// unregister removes c and its presence. It returns the removed
// member if c was present.
func (b *Broker) unregister(c *Conn) (model.PresenceMember, bool) {
	b.mx.Lock()
	defer b.mx.Unlock()

	t, ok := b.topics[c.topic]
	if !ok {
		return model.PresenceMember{}, false
	}
	if t.conns[c.clientID] == c {
		delete(t.conns, c.clientID)
	}
	member, present := t.members[c.clientID]
	delete(t.members, c.clientID)
	if len(t.conns) == 0 && len(t.members) == 0 {
		delete(b.topics, c.topic)
	}
	return member, present
}

func (b *Broker) publish(name string, msg channel.Message) {
	b.mx.Lock()
	times := 1
	if b.duplicate {
		times = 2
	}
	b.mx.Unlock()

	for i := 0; i < times; i++ {
		b.Deliver(name, msg)
	}
}

func (b *Broker) setMember(c *Conn, member model.PresenceMember, enter bool) {
	b.mx.Lock()
	t := b.topicLocked(c.topic)
	if enter {
		t.members[c.clientID] = member
	} else {
		delete(t.members, c.clientID)
	}
	b.mx.Unlock()

	b.announce(c.topic, member, enter)
}

func (b *Broker) announce(name string, member model.PresenceMember, enter bool) {
	ev := channel.PresenceEvent{Action: channel.PresenceLeave, Member: member}
	if enter {
		ev.Action = channel.PresenceEnter
	}
	for _, c := range b.attached(name) {
		c.enqueue(func(l channel.Listener) { l.OnPresence(ev) })
	}
}

func (b *Broker) members(name string) []model.PresenceMember {
	b.mx.Lock()
	defer b.mx.Unlock()

	t, ok := b.topics[name]
	if !ok {
		return nil
	}
	members := make([]model.PresenceMember, 0, len(t.members))
	for _, m := range t.members {
		members = append(members, m)
	}
	sort.Slice(members, func(i, j int) bool {
		if members[i].JoinedAt.Equal(members[j].JoinedAt) {
			return members[i].ActorID < members[j].ActorID
		}
		return members[i].JoinedAt.Before(members[j].JoinedAt)
	})
	return members
}

// Conn is one client's connection to a topic.
type Conn struct {
	b        *Broker
	topic    string
	clientID string

	mx          sync.Mutex
	attached    bool
	queue       chan func(channel.Listener)
	stop        chan struct{}
	failAttach  int
	attachErr   error
	attachDelay time.Duration
}

// FailAttaches makes the next n attach attempts fail with err.
func (c *Conn) FailAttaches(n int, err error) {
	c.mx.Lock()
	defer c.mx.Unlock()
	c.failAttach = n
	c.attachErr = err
}

// SetAttachDelay makes every attach take at least d.
func (c *Conn) SetAttachDelay(d time.Duration) {
	c.mx.Lock()
	defer c.mx.Unlock()
	c.attachDelay = d
}

func (c *Conn) Attached() bool {
	c.mx.Lock()
	defer c.mx.Unlock()
	return c.attached
}

func (c *Conn) Attach(ctx context.Context, l channel.Listener) error {
	c.mx.Lock()
	delay := c.attachDelay
	c.mx.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	c.mx.Lock()
	if c.failAttach > 0 {
		c.failAttach--
		err := c.attachErr
		c.mx.Unlock()
		return err
	}
	if c.attached {
		c.stopLocked()
	}
	c.attached = true
	c.queue = make(chan func(channel.Listener), defaultQueueSize)
	c.stop = make(chan struct{})
	go deliver(c.queue, c.stop, l)
	c.mx.Unlock()

	c.b.register(c)
	return nil
}

func deliver(queue <-chan func(channel.Listener), stop <-chan struct{}, l channel.Listener) {
	for {
		select {
		case <-stop:
			return
		case ev := <-queue:
			ev(l)
		}
	}
}

func (c *Conn) stopLocked() {
	c.attached = false
	close(c.stop)
}

func (c *Conn) enqueue(ev func(channel.Listener)) {
	c.mx.Lock()
	if !c.attached {
		c.mx.Unlock()
		return
	}
	queue, stop := c.queue, c.stop
	c.mx.Unlock()

	select {
	case queue <- ev:
	case <-stop:
	}
}

func (c *Conn) Detach(_ context.Context) error {
	c.mx.Lock()
	if !c.attached {
		c.mx.Unlock()
		return nil
	}
	c.stopLocked()
	c.mx.Unlock()

	if member, ok := c.b.unregister(c); ok {
		c.b.announce(c.topic, member, false)
	}
	return nil
}

// Drop simulates the service silently losing this attachment.
func (c *Conn) Drop(state channel.State, reason error) {
	c.mx.Lock()
	if !c.attached {
		c.mx.Unlock()
		return
	}
	queue, stop := c.queue, c.stop
	c.mx.Unlock()

	if member, ok := c.b.unregister(c); ok {
		c.b.announce(c.topic, member, false)
	}
	// report through the queue so the drop is ordered after pending events
	select {
	case queue <- func(l channel.Listener) {
		l.OnDrop(state, reason)
		c.mx.Lock()
		if c.attached && c.queue == queue {
			c.stopLocked()
		}
		c.mx.Unlock()
	}:
	case <-stop:
	}
}

func (c *Conn) Publish(_ context.Context, msg channel.Message) error {
	if !c.Attached() {
		return ErrNotAttached
	}
	msg.ClientID = c.clientID
	c.b.publish(c.topic, msg)
	return nil
}

func (c *Conn) EnterPresence(_ context.Context, member model.PresenceMember) error {
	if !c.Attached() {
		return ErrNotAttached
	}
	c.b.setMember(c, member, true)
	return nil
}

func (c *Conn) LeavePresence(_ context.Context, member model.PresenceMember) error {
	if !c.Attached() {
		return ErrNotAttached
	}
	c.b.setMember(c, member, false)
	return nil
}

func (c *Conn) Members(_ context.Context) ([]model.PresenceMember, error) {
	if !c.Attached() {
		return nil, ErrNotAttached
	}
	return c.b.members(c.topic), nil
}
