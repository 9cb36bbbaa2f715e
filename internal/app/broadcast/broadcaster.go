package broadcast

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"cgraph/internal/core/contracts"
	"cgraph/internal/core/domain"
	"cgraph/pkg/logging"
)

var tracer = otel.Tracer("broadcaster")

var errInvalidTarget = errors.New("broadcast: invalid target")

// Publisher is the cross-instance half of a broadcast.
type Publisher interface {
	Publish(ctx context.Context, env domain.Envelope) error
}

const stripeCount = 64

// stripe serializes local delivery for the targets hashing to it so that
// every local subscriber of a room sees that room's events in call order.
type stripe struct {
	mu   sync.Mutex
	seqs map[string]int64
}

// Broadcaster pushes an event to local subscribers first and then publishes
// it on the bus. Envelopes carry this instance's origin so the bridge loop
// drops the echo of our own publishes; local sockets are therefore served
// exactly once whether or not the bus is healthy.
type Broadcaster struct {
	log     *slog.Logger
	book    contracts.AddressBook
	bus     Publisher
	origin  string
	stripes [stripeCount]stripe
	now     func() time.Time
}

var _ contracts.Broadcaster = (*Broadcaster)(nil)

func NewBroadcaster(log *slog.Logger, book contracts.AddressBook, bus Publisher, origin string) *Broadcaster {
	b := &Broadcaster{
		log:    log,
		book:   book,
		bus:    bus,
		origin: origin,
		now:    time.Now,
	}
	for i := range b.stripes {
		b.stripes[i].seqs = make(map[string]int64)
	}
	return b
}

func (b *Broadcaster) stripeFor(t domain.Target) *stripe {
	h := fnv.New32a()
	_, _ = h.Write([]byte(t.Channel()))
	return &b.stripes[h.Sum32()%stripeCount]
}

// Broadcast delivers ev to every connection addressed by target. Local
// delivery always happens; the returned error only reports the bus publish
// (wrapping domain.ErrBusUnavailable), in which case remote instances miss
// the event.
func (b *Broadcaster) Broadcast(
	ctx context.Context,
	target domain.Target,
	ev domain.Event,
	opts ...contracts.BroadcastOption,
) error {
	if !target.Valid() {
		return errInvalidTarget
	}
	var o contracts.BroadcastOptions
	for _, opt := range opts {
		opt(&o)
	}
	ctx, span := tracer.Start(ctx, "Broadcaster.Broadcast", trace.WithAttributes(
		attribute.String("target", target.Channel()),
		attribute.String("event.type", ev.Type),
	))
	defer span.End()

	if ev.Timestamp.IsZero() {
		ev.Timestamp = b.now().UTC()
	}
	env := domain.Envelope{
		Origin:  b.origin,
		EventID: uuid.NewString(),
		Target:  target,
	}

	s := b.stripeFor(target)
	s.mu.Lock()
	if target.Kind == domain.TargetRoom {
		s.seqs[target.ID]++
		ev.Seq = s.seqs[target.ID]
	}
	env.Event = ev
	delivered, subscribers := b.deliver(ctx, target, ev, o.Except)
	if subscribers == 0 {
		delete(s.seqs, target.ID)
	}
	s.mu.Unlock()
	span.SetAttributes(attribute.Int("delivered.local", delivered))

	if err := b.bus.Publish(ctx, env); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "publish failed")
		b.log.WarnContext(ctx, "broadcaster - broadcast - bus publish failed, local only", "target", target.Channel(), "err", err)
		if errors.Is(err, domain.ErrBusUnavailable) {
			return err
		}
		return fmt.Errorf("%w: %w", domain.ErrBusUnavailable, err)
	}
	return nil
}

// DeliverRemote fans an envelope received from the bus out to local
// subscribers. Envelopes that originated here are ignored.
func (b *Broadcaster) DeliverRemote(ctx context.Context, env domain.Envelope) {
	if env.Origin == b.origin || !env.Target.Valid() {
		return
	}
	s := b.stripeFor(env.Target)
	s.mu.Lock()
	defer s.mu.Unlock()
	b.deliver(ctx, env.Target, env.Event, "")
}

func (b *Broadcaster) deliver(ctx context.Context, target domain.Target, ev domain.Event, except string) (int, int) {
	var subs []contracts.Client
	switch target.Kind {
	case domain.TargetRoom:
		subs = b.book.LocalSubscribers(target.ID)
	case domain.TargetUser:
		subs = b.book.LocalSubscribersForUser(target.ID)
	}
	if len(subs) == 0 {
		return 0, 0
	}
	data, err := json.Marshal(ev)
	if err != nil {
		b.log.ErrorContext(ctx, "broadcaster - deliver - encode failed", "err", err)
		return 0, len(subs)
	}
	delivered := 0
	for _, c := range subs {
		if c.ID() == except {
			continue
		}
		if err := c.Send(ctx, data); err != nil {
			b.log.WarnContext(ctx, "broadcaster - deliver - send failed", logging.Conn(c.ID()), logging.User(c.UserID()), "err", err)
			continue
		}
		delivered++
	}
	return delivered, len(subs)
}
