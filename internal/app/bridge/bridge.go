package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"cgraph/internal/core/contracts"
	"cgraph/internal/core/domain"
	"cgraph/pkg/logging"
)

var tracer = otel.Tracer("pubsub-bridge")

// Handler receives envelopes published by other instances.
type Handler func(ctx context.Context, env domain.Envelope)

type Config struct {
	// PublishTimeout bounds Publish and every subscribe/unsubscribe call.
	PublishTimeout time.Duration
	BackoffBase    time.Duration
	BackoffMax     time.Duration
}

func (c Config) withDefaults() Config {
	if c.PublishTimeout <= 0 {
		c.PublishTimeout = 3 * time.Second
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = 200 * time.Millisecond
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = 30 * time.Second
	}
	return c
}

// Bridge connects this instance to the shared bus. Interest in a channel is
// reference counted: the first Acquire subscribes, the last Release
// unsubscribes. A single receive loop (Run) drains the bus for the whole
// instance and reconnects with backoff when the broker goes away, resubscribing
// every channel that still has a positive count. Events published by other
// instances during an outage are lost for this instance.
//
// Broker calls never run under mu. Each channel has at most one reconcile in
// flight; callers that find one running leave it to converge on the latest
// ref count.
type Bridge struct {
	log     *slog.Logger
	bus     contracts.Bus
	origin  string
	cfg     Config
	handler Handler

	mu        sync.Mutex
	refs      map[string]int
	live      map[string]struct{} // channels applied to sub
	busy      map[string]bool
	sub       contracts.Subscription
	connected atomic.Bool
}

func New(log *slog.Logger, bus contracts.Bus, origin string, cfg Config) *Bridge {
	return &Bridge{
		log:     log,
		bus:     bus,
		origin:  origin,
		cfg:     cfg.withDefaults(),
		refs:    make(map[string]int),
		live:    make(map[string]struct{}),
		busy:    make(map[string]bool),
		handler: func(context.Context, domain.Envelope) {},
	}
}

// OnEvent sets the handler for remote envelopes. Call before Run.
func (b *Bridge) OnEvent(h Handler) {
	b.handler = h
}

func (b *Bridge) Origin() string { return b.origin }

// Connected reports whether the receive loop currently holds a live
// subscription.
func (b *Bridge) Connected() bool { return b.connected.Load() }

// Publish sends env to its target channel. It never blocks longer than
// PublishTimeout; failures wrap domain.ErrBusUnavailable.
func (b *Bridge) Publish(ctx context.Context, env domain.Envelope) error {
	channel := env.Target.Channel()
	ctx, span := tracer.Start(ctx, "Bridge.Publish", trace.WithAttributes(
		attribute.String("channel", channel),
		attribute.String("event_id", env.EventID),
	))
	defer span.End()
	raw, err := json.Marshal(env)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("bridge: encode envelope: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, b.cfg.PublishTimeout)
	defer cancel()
	if err := b.bus.Publish(ctx, channel, raw); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "publish failed")
		return fmt.Errorf("%w: publish %s: %w", domain.ErrBusUnavailable, channel, err)
	}
	return nil
}

// Acquire registers interest in channel. While the bus is unreachable the
// interest is only recorded and applied on reconnect; the returned error is
// informational.
func (b *Bridge) Acquire(ctx context.Context, channel string) error {
	b.mu.Lock()
	b.refs[channel]++
	b.mu.Unlock()
	return b.reconcile(ctx, channel)
}

// Release drops one unit of interest in channel.
func (b *Bridge) Release(ctx context.Context, channel string) {
	b.mu.Lock()
	n := b.refs[channel]
	switch {
	case n == 0:
		b.mu.Unlock()
		return
	case n > 1:
		b.refs[channel] = n - 1
		b.mu.Unlock()
		return
	}
	delete(b.refs, channel)
	b.mu.Unlock()
	if err := b.reconcile(ctx, channel); err != nil {
		// A stale subscription only costs traffic; the next reconnect drops it.
		b.log.WarnContext(ctx, "bridge - release - unsubscribe failed", logging.Channel(channel), "err", err)
	}
}

// reconcile subscribes or unsubscribes channel until the live subscription
// matches its ref count. It returns at once when another call for the same
// channel is already in flight or no subscription is installed.
func (b *Bridge) reconcile(ctx context.Context, channel string) error {
	b.mu.Lock()
	if b.busy[channel] {
		b.mu.Unlock()
		return nil
	}
	b.busy[channel] = true
	for {
		sub := b.sub
		want := b.refs[channel] > 0
		_, have := b.live[channel]
		if sub == nil || want == have {
			delete(b.busy, channel)
			b.mu.Unlock()
			return nil
		}
		b.mu.Unlock()

		opCtx, cancel := context.WithTimeout(ctx, b.cfg.PublishTimeout)
		var err error
		if want {
			err = sub.Add(opCtx, channel)
		} else {
			err = sub.Remove(opCtx, channel)
		}
		cancel()

		b.mu.Lock()
		if err != nil {
			delete(b.busy, channel)
			if want && b.sub == sub {
				// Force the loop to rebuild the subscription with this channel in it.
				b.dropLocked()
			}
			b.mu.Unlock()
			if want {
				return fmt.Errorf("%w: subscribe %s: %w", domain.ErrBusUnavailable, channel, err)
			}
			return err
		}
		if b.sub == sub {
			if want {
				b.live[channel] = struct{}{}
			} else {
				delete(b.live, channel)
			}
		}
	}
}

// Channels returns the channels with positive interest.
func (b *Bridge) Channels() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.channelsLocked()
}

func (b *Bridge) channelsLocked() []string {
	out := make([]string, 0, len(b.refs))
	for ch := range b.refs {
		out = append(out, ch)
	}
	return out
}

func (b *Bridge) dropLocked() {
	if b.sub != nil {
		_ = b.sub.Close()
		b.sub = nil
	}
	clear(b.live)
	b.connected.Store(false)
}

// Run is the instance-wide receive loop. It returns nil when ctx is done.
// Every lost subscription is followed by a backoff wait; the backoff resets
// only after a subscription delivered a message or outlived BackoffMax.
func (b *Bridge) Run(ctx context.Context) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = b.cfg.BackoffBase
	bo.MaxInterval = b.cfg.BackoffMax
	bo.Reset()
	for {
		if ctx.Err() != nil {
			return nil
		}
		sub, err := b.connect(ctx)
		if err != nil {
			wait := bo.NextBackOff()
			b.log.WarnContext(ctx, "bridge - run - bus unreachable, retrying", "err", err, "retry_in", wait)
			if !sleep(ctx, wait) {
				return nil
			}
			continue
		}
		b.log.InfoContext(ctx, "bridge - run - bus connected", "origin", b.origin)
		started := time.Now()
		delivered := b.receive(ctx, sub)
		b.disconnect(sub)
		if ctx.Err() != nil {
			return nil
		}
		if delivered || time.Since(started) >= b.cfg.BackoffMax {
			bo.Reset()
		}
		wait := bo.NextBackOff()
		b.log.WarnContext(ctx, "bridge - run - reconnecting", "retry_in", wait)
		if !sleep(ctx, wait) {
			return nil
		}
	}
}

// sleep waits for d and reports false when ctx ended first.
func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// connect opens a subscription for the channels known at call time, installs
// it, then reconciles channels acquired or released while Subscribe ran.
func (b *Bridge) connect(ctx context.Context) (contracts.Subscription, error) {
	b.mu.Lock()
	channels := b.channelsLocked()
	b.mu.Unlock()

	cctx, cancel := context.WithTimeout(ctx, b.cfg.PublishTimeout)
	defer cancel()
	sub, err := b.bus.Subscribe(cctx, channels...)
	if err != nil {
		return nil, err
	}

	b.mu.Lock()
	b.sub = sub
	clear(b.live)
	for _, ch := range channels {
		b.live[ch] = struct{}{}
	}
	b.connected.Store(true)
	var stale []string
	for ch := range b.live {
		if b.refs[ch] == 0 {
			stale = append(stale, ch)
		}
	}
	for ch := range b.refs {
		if _, ok := b.live[ch]; !ok {
			stale = append(stale, ch)
		}
	}
	b.mu.Unlock()

	for _, ch := range stale {
		if err := b.reconcile(ctx, ch); err != nil {
			b.log.WarnContext(ctx, "bridge - connect - reconcile failed", logging.Channel(ch), "err", err)
		}
	}
	return sub, nil
}

func (b *Bridge) disconnect(sub contracts.Subscription) {
	b.mu.Lock()
	if b.sub == sub {
		b.sub = nil
		clear(b.live)
		b.connected.Store(false)
	}
	b.mu.Unlock()
	_ = sub.Close()
}

// receive drains sub until it fails or ctx ends. It reports whether at least
// one message arrived.
func (b *Bridge) receive(ctx context.Context, sub contracts.Subscription) bool {
	// Receive may ignore cancellation while blocked on the socket; closing
	// the subscription unblocks it.
	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		select {
		case <-ctx.Done():
			_ = sub.Close()
		case <-stop:
		}
	}()
	defer func() {
		close(stop)
		<-done
	}()

	delivered := false
	for {
		channel, payload, err := sub.Receive(ctx)
		if err != nil {
			if ctx.Err() == nil {
				b.log.WarnContext(ctx, "bridge - receive - bus connection lost", "err", err)
			}
			return delivered
		}
		delivered = true
		var env domain.Envelope
		if err := json.Unmarshal(payload, &env); err != nil {
			b.log.WarnContext(ctx, "bridge - receive - malformed envelope", logging.Channel(channel), "err", err)
			continue
		}
		if env.Origin == b.origin {
			continue
		}
		if !env.Target.Valid() {
			t, ok := domain.ParseChannel(channel)
			if !ok {
				continue
			}
			env.Target = t
		}
		b.handler(ctx, env)
	}
}
