package nats

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"cgraph/internal/core/contracts"
)

var ErrNotConnected = errors.New("nats: not connected")

// Bus is the NATS core pubsub implementation of contracts.Bus. The client
// library reconnects and resubscribes on its own; a subscription only dies
// when the connection is closed for good.
type Bus struct {
	nc     *nats.Conn
	log    *slog.Logger
	closed chan struct{}
	once   sync.Once
}

var _ contracts.Bus = (*Bus)(nil)

func Connect(log *slog.Logger, url, name string) (*Bus, error) {
	b := &Bus{log: log, closed: make(chan struct{})}
	nc, err := nats.Connect(url,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn("nats - connection - disconnected", "err", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("nats - connection - reconnected", "url", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(*nats.Conn) {
			b.once.Do(func() { close(b.closed) })
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("nats: connect %s: %w", url, err)
	}
	b.nc = nc
	return b, nil
}

// Publish fails instead of buffering while the connection is down.
func (b *Bus) Publish(_ context.Context, channel string, payload []byte) error {
	if !b.nc.IsConnected() {
		return ErrNotConnected
	}
	return b.nc.Publish(channel, payload)
}

func (b *Bus) Subscribe(_ context.Context, channels ...string) (contracts.Subscription, error) {
	if !b.nc.IsConnected() {
		return nil, ErrNotConnected
	}
	s := &subscription{
		bus:    b,
		msgs:   make(chan *nats.Msg, 1024),
		subs:   make(map[string]*nats.Subscription),
		closed: make(chan struct{}),
	}
	if err := s.Add(context.Background(), channels...); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

// Close drains the connection, or closes it outright when it is not connected.
func (b *Bus) Close() error {
	if err := b.nc.Drain(); err != nil {
		b.nc.Close()
	}
	return nil
}

type subscription struct {
	bus    *Bus
	msgs   chan *nats.Msg
	mu     sync.Mutex
	subs   map[string]*nats.Subscription
	closed chan struct{}
	once   sync.Once
}

func (s *subscription) Receive(ctx context.Context) (string, []byte, error) {
	select {
	case m := <-s.msgs:
		return m.Subject, m.Data, nil
	case <-s.closed:
		return "", nil, nats.ErrBadSubscription
	case <-s.bus.closed:
		return "", nil, nats.ErrConnectionClosed
	case <-ctx.Done():
		return "", nil, ctx.Err()
	}
}

func (s *subscription) Add(_ context.Context, channels ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ch := range channels {
		if _, ok := s.subs[ch]; ok {
			continue
		}
		sub, err := s.bus.nc.ChanSubscribe(ch, s.msgs)
		if err != nil {
			return fmt.Errorf("nats: subscribe %s: %w", ch, err)
		}
		s.subs[ch] = sub
	}
	return s.bus.nc.Flush()
}

func (s *subscription) Remove(_ context.Context, channels ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var errs []error
	for _, ch := range channels {
		sub, ok := s.subs[ch]
		if !ok {
			continue
		}
		delete(s.subs, ch)
		errs = append(errs, sub.Unsubscribe())
	}
	return errors.Join(errs...)
}

func (s *subscription) Close() error {
	s.once.Do(func() { close(s.closed) })
	s.mu.Lock()
	defer s.mu.Unlock()
	for ch, sub := range s.subs {
		_ = sub.Unsubscribe()
		delete(s.subs, ch)
	}
	return nil
}
