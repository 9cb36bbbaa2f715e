package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"

	"cgraph/internal/core/contracts"
	"cgraph/internal/core/domain"
)

var ErrInvalidNotification = errors.New("invalid notification")

// Notification is one stream entry written by an external subsystem.
type Notification struct {
	Target  domain.Target   `json:"target"`
	Subtype string          `json:"subtype"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// NotificationWorker drains a stream of notifications into Broadcast.
type NotificationWorker struct {
	log      *slog.Logger
	queue    contracts.MessageQueue
	bc       contracts.Broadcaster
	stream   string
	conGroup string
	now      func() time.Time
}

func NewNotificationWorker(
	log *slog.Logger,
	queue contracts.MessageQueue,
	bc contracts.Broadcaster,
	stream, conGroup string,
) *NotificationWorker {
	return &NotificationWorker{
		log:      log,
		queue:    queue,
		bc:       bc,
		stream:   stream,
		conGroup: conGroup,
		now:      time.Now,
	}
}

// Run consumes until ctx is done.
func (w *NotificationWorker) Run(ctx context.Context) error {
	w.log.InfoContext(ctx, "worker - run - subscribe to stream", "stream", w.stream, "group", w.conGroup)
	err := w.queue.SubscribeToStream(ctx, w.stream, w.conGroup, w.ProcessMessage)
	if ctx.Err() != nil {
		return nil
	}
	return err
}

// ProcessMessage broadcasts one entry, then acknowledges and deletes it.
// Malformed entries are acknowledged too so they do not stay pending.
func (w *NotificationWorker) ProcessMessage(ctx context.Context, messageID string, raw []byte) error {
	ctx, span := otel.Tracer("worker").Start(ctx, "NotificationWorker.ProcessMessage")
	defer span.End()

	ev, target, err := w.decode(raw)
	switch {
	case err != nil:
		span.RecordError(err)
		span.SetStatus(codes.Error, "invalid notification")
		w.log.WarnContext(ctx, "worker - process message - wrong payload", "message_id", messageID, "err", err)
	default:
		if err := w.bc.Broadcast(ctx, target, ev); err != nil {
			if !errors.Is(err, domain.ErrBusUnavailable) {
				span.RecordError(err)
				span.SetStatus(codes.Error, "broadcast failed")
				w.log.ErrorContext(ctx, "worker - process message - broadcast failed", "message_id", messageID, "err", err)
				return err
			}
			// Local sockets were served; only other instances missed it.
			w.log.WarnContext(ctx, "worker - process message - remote fan-out lost", "message_id", messageID, "err", err)
		}
	}

	if err := w.queue.AcknowledgeMessage(ctx, w.stream, w.conGroup, messageID); err != nil {
		w.log.ErrorContext(ctx, "worker - process message - acknowledge message failed", "message_id", messageID, "err", err)
		return err
	}
	if err := w.queue.DeleteMessage(ctx, w.stream, messageID); err != nil {
		w.log.ErrorContext(ctx, "worker - process message - delete message failed", "message_id", messageID, "err", err)
	}
	w.log.DebugContext(ctx, "worker - process message - done", "message_id", messageID)
	return nil
}

func (w *NotificationWorker) decode(raw []byte) (domain.Event, domain.Target, error) {
	var n Notification
	if err := json.Unmarshal(raw, &n); err != nil {
		return domain.Event{}, domain.Target{}, fmt.Errorf("%w: %w", ErrInvalidNotification, err)
	}
	if !n.Target.Valid() {
		return domain.Event{}, domain.Target{}, fmt.Errorf("%w: bad target %q", ErrInvalidNotification, n.Target.Channel())
	}
	if n.Subtype == "" {
		return domain.Event{}, domain.Target{}, fmt.Errorf("%w: missing subtype", ErrInvalidNotification)
	}
	ev := domain.Event{
		Type:      domain.TypeSystem,
		Subtype:   n.Subtype,
		Timestamp: w.now().UTC(),
		Data:      n.Data,
	}
	if n.Target.Kind == domain.TargetRoom {
		ev.RoomID = n.Target.ID
	} else {
		ev.UserID = n.Target.ID
	}
	return ev, n.Target, nil
}
