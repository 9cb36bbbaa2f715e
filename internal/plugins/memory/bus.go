// Package memory provides an in-process Bus for single-instance deployments
// and tests. It has the same delivery semantics as the Redis bus: no
// persistence, delivery only to subscriptions alive at publish time.
package memory

import (
	"context"
	"errors"
	"sync"

	"cgraph/internal/core/contracts"
)

var ErrBusDown = errors.New("memory bus: down")

type message struct {
	channel string
	payload []byte
}

type Bus struct {
	mu     sync.Mutex
	down   bool
	subs   map[*Subscription]struct{}
	buffer int
}

var _ contracts.Bus = (*Bus)(nil)

func NewBus() *Bus {
	return &Bus{subs: make(map[*Subscription]struct{}), buffer: 1024}
}

func (b *Bus) Publish(ctx context.Context, channel string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.down {
		return ErrBusDown
	}
	for s := range b.subs {
		if !s.has(channel) {
			continue
		}
		select {
		case s.msgs <- message{channel: channel, payload: payload}:
		default:
			// slow subscriber, drop like a broker would on output buffer overflow
		}
	}
	return nil
}

func (b *Bus) Subscribe(ctx context.Context, channels ...string) (contracts.Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.down {
		return nil, ErrBusDown
	}
	s := &Subscription{
		bus:      b,
		channels: make(map[string]struct{}),
		msgs:     make(chan message, b.buffer),
		closed:   make(chan struct{}),
	}
	for _, ch := range channels {
		s.channels[ch] = struct{}{}
	}
	b.subs[s] = struct{}{}
	return s, nil
}

// SetDown simulates losing the broker: every live subscription is severed
// and calls fail until SetDown(false).
func (b *Bus) SetDown(down bool) {
	b.mu.Lock()
	b.down = down
	var severed []*Subscription
	if down {
		for s := range b.subs {
			severed = append(severed, s)
		}
		b.subs = make(map[*Subscription]struct{})
	}
	b.mu.Unlock()
	for _, s := range severed {
		s.sever()
	}
}

// Subscribers returns how many live subscriptions listen on channel.
func (b *Bus) Subscribers(channel string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for s := range b.subs {
		if s.has(channel) {
			n++
		}
	}
	return n
}

func (b *Bus) isDown() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.down
}

func (b *Bus) detach(s *Subscription) {
	b.mu.Lock()
	delete(b.subs, s)
	b.mu.Unlock()
}

type Subscription struct {
	bus      *Bus
	mu       sync.Mutex
	channels map[string]struct{}
	msgs     chan message
	closed   chan struct{}
	once     sync.Once
}

func (s *Subscription) has(channel string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.channels[channel]
	return ok
}

func (s *Subscription) sever() {
	s.once.Do(func() { close(s.closed) })
}

func (s *Subscription) Receive(ctx context.Context) (string, []byte, error) {
	select {
	case m := <-s.msgs:
		return m.channel, m.payload, nil
	case <-s.closed:
		return "", nil, ErrBusDown
	case <-ctx.Done():
		return "", nil, ctx.Err()
	}
}

func (s *Subscription) Add(ctx context.Context, channels ...string) error {
	if s.bus.isDown() {
		return ErrBusDown
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ch := range channels {
		s.channels[ch] = struct{}{}
	}
	return nil
}

func (s *Subscription) Remove(ctx context.Context, channels ...string) error {
	if s.bus.isDown() {
		return ErrBusDown
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ch := range channels {
		delete(s.channels, ch)
	}
	return nil
}

func (s *Subscription) Close() error {
	s.bus.detach(s)
	s.sever()
	return nil
}
