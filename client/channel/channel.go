package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/adwski/webrtc-rooms/backend/model"
	"github.com/rs/zerolog"
)

type State string

const (
	StateInitialized State = "initialized"
	StateAttaching   State = "attaching"
	StateAttached    State = "attached"
	StateDetaching   State = "detaching"
	StateDetached    State = "detached"
	StateSuspended   State = "suspended"
	StateFailed      State = "failed"
)

const (
	defaultRetryLimit    = 20
	defaultRetryBackoff  = 100 * time.Millisecond
	defaultOpTimeout     = 2 * time.Second
	defaultGuardInterval = 2 * time.Second
)

var (
	ErrAttachFailed      = errors.New("attach failed")
	ErrDetachFailed      = errors.New("detach failed")
	ErrSuspended         = errors.New("channel suspended")
	ErrNotAttached       = errors.New("channel is not attached")
	ErrPublishFailed     = errors.New("publish failed")
	ErrInvalidTransition = errors.New("invalid channel transition")
)

type (
	Config struct {
		Logger *zerolog.Logger

		// RetryLimit bounds attach and detach attempts.
		RetryLimit   int
		RetryBackoff time.Duration

		// OpTimeout bounds a single transport attach or detach attempt.
		OpTimeout time.Duration

		// GuardInterval is the liveness check period used by Guard.
		GuardInterval time.Duration
	}

	StateChange struct {
		Previous State
		Current  State
		Reason   error
	}

	// Channel is one room topic with an attach/detach lifecycle.
	//
	// Attach, Detach and liveness reattachment share a single pending
	// operation slot, so a detach requested during an attach is queued
	// behind it instead of racing it.
	Channel struct {
		name      string
		transport Transport
		logger    zerolog.Logger
		cfg       Config

		op chan struct{}

		mx           sync.Mutex
		state        State
		reason       error
		gen          uint64
		wantAttached bool
		entered      *model.PresenceMember
		nextID       uint64
		subs         map[string]map[uint64]func(Message)
		presenceSubs map[uint64]func(PresenceEvent)
		stateSubs    map[uint64]func(StateChange)

		guardMx   sync.Mutex
		guardRefs int
		guardStop chan struct{}
	}
)

func New(name string, transport Transport, cfg Config) *Channel {
	if cfg.RetryLimit <= 0 {
		cfg.RetryLimit = defaultRetryLimit
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = defaultRetryBackoff
	}
	if cfg.OpTimeout <= 0 {
		cfg.OpTimeout = defaultOpTimeout
	}
	if cfg.GuardInterval <= 0 {
		cfg.GuardInterval = defaultGuardInterval
	}
	logger := zerolog.Nop()
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}
	return &Channel{
		name:      name,
		transport: transport,
		logger:    logger.With().Str("component", "channel").Str("channel", name).Logger(),
		cfg:       cfg,

		op:           make(chan struct{}, 1),
		state:        StateInitialized,
		subs:         make(map[string]map[uint64]func(Message)),
		presenceSubs: make(map[uint64]func(PresenceEvent)),
		stateSubs:    make(map[uint64]func(StateChange)),
	}
}

func (c *Channel) Name() string {
	return c.name
}

func (c *Channel) State() State {
	c.mx.Lock()
	defer c.mx.Unlock()
	return c.state
}

// Reason returns the error that caused the last failed or suspended state.
func (c *Channel) Reason() error {
	c.mx.Lock()
	defer c.mx.Unlock()
	return c.reason
}

func (c *Channel) acquire(ctx context.Context) error {
	select {
	case c.op <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Channel) tryAcquire() bool {
	select {
	case c.op <- struct{}{}:
		return true
	default:
		return false
	}
}

func (c *Channel) release() {
	<-c.op
}

// Attach attaches the channel, waiting out any operation in flight.
// Attaching an attached channel is a no-op.
func (c *Channel) Attach(ctx context.Context) error {
	c.mx.Lock()
	c.wantAttached = true
	attached := c.state == StateAttached
	c.mx.Unlock()
	if attached {
		return nil
	}

	if err := c.acquire(ctx); err != nil {
		return errors.Join(ErrAttachFailed, err)
	}
	defer c.release()
	return c.attach(ctx)
}

// attach must be called with the operation slot held.
func (c *Channel) attach(ctx context.Context) error {
	c.mx.Lock()
	switch c.state {
	case StateAttached:
		c.mx.Unlock()
		return nil
	case StateInitialized, StateDetached, StateSuspended, StateFailed:
	default:
		st := c.state
		c.mx.Unlock()
		return fmt.Errorf("%w: attach from %s", ErrInvalidTransition, st)
	}
	c.gen++
	l := &listener{c: c, gen: c.gen}
	c.mx.Unlock()

	c.transition(StateAttaching, nil)

	err := c.retry(ctx, "attach", func(opCtx context.Context) error {
		return c.transport.Attach(opCtx, l)
	})
	if err != nil {
		c.transition(StateFailed, err)
		return errors.Join(ErrAttachFailed, err)
	}
	c.transition(StateAttached, nil)

	c.mx.Lock()
	entered := c.entered
	c.mx.Unlock()
	if entered != nil {
		if err = c.transport.EnterPresence(ctx, *entered); err != nil {
			c.logger.Error().Err(err).Msg("failed to restore presence after attach")
		}
	}
	return nil
}

// Detach detaches the channel, waiting out an attach in flight.
func (c *Channel) Detach(ctx context.Context) error {
	c.mx.Lock()
	c.wantAttached = false
	c.mx.Unlock()

	if err := c.acquire(ctx); err != nil {
		return errors.Join(ErrDetachFailed, err)
	}
	defer c.release()

	c.mx.Lock()
	st := c.state
	c.gen++
	c.mx.Unlock()

	switch st {
	case StateInitialized, StateDetached:
		return nil
	case StateSuspended, StateFailed:
		// transport may hold a half-open attachment
		if err := c.transport.Detach(ctx); err != nil {
			c.logger.Debug().Err(err).Msg("transport detach after failure")
		}
		c.transition(StateDetached, nil)
		return nil
	case StateAttached:
	default:
		return fmt.Errorf("%w: detach from %s", ErrInvalidTransition, st)
	}

	c.transition(StateDetaching, nil)
	err := c.retry(ctx, "detach", c.transport.Detach)
	if err != nil {
		c.transition(StateFailed, err)
		return errors.Join(ErrDetachFailed, err)
	}
	c.transition(StateDetached, nil)
	return nil
}

// retry runs fn up to RetryLimit times with a fixed backoff.
func (c *Channel) retry(ctx context.Context, op string, fn func(context.Context) error) error {
	var err error
	for attempt := 1; attempt <= c.cfg.RetryLimit; attempt++ {
		opCtx, cancel := context.WithTimeout(ctx, c.cfg.OpTimeout)
		err = fn(opCtx)
		cancel()
		if err == nil {
			return nil
		}
		if errors.Is(err, ErrNonRetryable) {
			return err
		}
		c.logger.Debug().
			Err(err).
			Str("op", op).
			Int("attempt", attempt).
			Msg("transport operation failed")

		select {
		case <-ctx.Done():
			return errors.Join(err, ctx.Err())
		case <-time.After(c.cfg.RetryBackoff):
		}
	}
	return err
}

func (c *Channel) transition(to State, reason error) {
	c.mx.Lock()
	from := c.state
	c.state = to
	c.reason = reason
	handlers := make([]func(StateChange), 0, len(c.stateSubs))
	for _, h := range c.stateSubs {
		handlers = append(handlers, h)
	}
	c.mx.Unlock()

	if from == to {
		return
	}
	ev := c.logger.Debug()
	if reason != nil {
		ev = c.logger.Warn().Err(reason)
	}
	ev.Str("from", string(from)).Str("to", string(to)).Msg("channel state changed")

	change := StateChange{Previous: from, Current: to, Reason: reason}
	for _, h := range handlers {
		h(change)
	}
}

// Publish sends an event on the channel. It fails with ErrNotAttached
// unless the channel is attached.
func (c *Channel) Publish(ctx context.Context, name string, data any) error {
	c.mx.Lock()
	st := c.state
	c.mx.Unlock()

	switch st {
	case StateAttached:
	case StateSuspended:
		return errors.Join(ErrNotAttached, ErrSuspended)
	default:
		return fmt.Errorf("%w: channel is %s", ErrNotAttached, st)
	}

	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("cannot encode %s: %w", name, err)
	}
	if err = c.transport.Publish(ctx, Message{Name: name, Data: raw}); err != nil {
		return errors.Join(ErrPublishFailed, err)
	}
	c.logger.Trace().Str("event", name).Msg("published")
	return nil
}

// Subscription cancels a handler registration.
type Subscription struct {
	once   sync.Once
	cancel func()
}

func (s *Subscription) Unsubscribe() {
	s.once.Do(s.cancel)
}

// Subscribe registers h for events named name; an empty name matches
// every event. Registrations survive detach and reattach.
func (c *Channel) Subscribe(name string, h func(Message)) *Subscription {
	c.mx.Lock()
	defer c.mx.Unlock()

	c.nextID++
	id := c.nextID
	if c.subs[name] == nil {
		c.subs[name] = make(map[uint64]func(Message))
	}
	c.subs[name][id] = h
	return &Subscription{cancel: func() {
		c.mx.Lock()
		defer c.mx.Unlock()
		delete(c.subs[name], id)
	}}
}

// UnsubscribeAll drops every handler registered for name.
func (c *Channel) UnsubscribeAll(name string) {
	c.mx.Lock()
	defer c.mx.Unlock()
	delete(c.subs, name)
}

func (c *Channel) OnStateChange(h func(StateChange)) *Subscription {
	c.mx.Lock()
	defer c.mx.Unlock()

	c.nextID++
	id := c.nextID
	c.stateSubs[id] = h
	return &Subscription{cancel: func() {
		c.mx.Lock()
		defer c.mx.Unlock()
		delete(c.stateSubs, id)
	}}
}

func (c *Channel) Presence() *Presence {
	return &Presence{c: c}
}

// Guard keeps the channel attached while held: a periodic check
// reattaches it when it silently dropped. Call release when the
// caller no longer depends on the channel staying attached.
func (c *Channel) Guard() (release func()) {
	c.guardMx.Lock()
	defer c.guardMx.Unlock()

	c.guardRefs++
	if c.guardRefs == 1 {
		c.guardStop = make(chan struct{})
		go c.guardLoop(c.guardStop)
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			c.guardMx.Lock()
			defer c.guardMx.Unlock()
			c.guardRefs--
			if c.guardRefs == 0 {
				close(c.guardStop)
			}
		})
	}
}

func (c *Channel) guardLoop(stop <-chan struct{}) {
	ticker := time.NewTicker(c.cfg.GuardInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			c.checkLiveness(stop)
		}
	}
}

func (c *Channel) checkLiveness(stop <-chan struct{}) {
	c.mx.Lock()
	st, want := c.state, c.wantAttached
	c.mx.Unlock()
	if !want {
		return
	}
	switch st {
	case StateDetached, StateSuspended, StateFailed:
	default:
		return
	}
	if !c.tryAcquire() {
		// an attach or detach is already in flight
		return
	}
	defer c.release()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-stop:
			cancel()
		case <-ctx.Done():
		}
	}()

	c.logger.Info().Str("state", string(st)).Msg("liveness check reattaching channel")
	if err := c.attach(ctx); err != nil {
		c.logger.Error().Err(err).Msg("liveness reattach failed")
	}
}

func (c *Channel) dispatch(gen uint64, msg Message) {
	c.mx.Lock()
	if gen != c.gen {
		c.mx.Unlock()
		return
	}
	handlers := make([]func(Message), 0, len(c.subs[msg.Name])+len(c.subs[""]))
	for _, h := range c.subs[msg.Name] {
		handlers = append(handlers, h)
	}
	if msg.Name != "" {
		for _, h := range c.subs[""] {
			handlers = append(handlers, h)
		}
	}
	c.mx.Unlock()

	for _, h := range handlers {
		h(msg)
	}
}

func (c *Channel) dispatchPresence(gen uint64, ev PresenceEvent) {
	c.mx.Lock()
	if gen != c.gen {
		c.mx.Unlock()
		return
	}
	handlers := make([]func(PresenceEvent), 0, len(c.presenceSubs))
	for _, h := range c.presenceSubs {
		handlers = append(handlers, h)
	}
	c.mx.Unlock()

	for _, h := range handlers {
		h(ev)
	}
}

func (c *Channel) drop(gen uint64, state State, err error) {
	c.mx.Lock()
	stale := gen != c.gen || c.state != StateAttached
	c.mx.Unlock()
	if stale {
		return
	}
	switch state {
	case StateDetached, StateSuspended, StateFailed:
	default:
		state = StateSuspended
	}
	c.transition(state, err)
}

type listener struct {
	c   *Channel
	gen uint64
}

func (l *listener) OnMessage(msg Message) {
	l.c.dispatch(l.gen, msg)
}

func (l *listener) OnPresence(ev PresenceEvent) {
	l.c.dispatchPresence(l.gen, ev)
}

func (l *listener) OnDrop(state State, err error) {
	l.c.drop(l.gen, state, err)
}
