package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"cgraph/internal/core/contracts"
	"cgraph/internal/core/domain"
	"cgraph/pkg/logging"
)

var tracer = otel.Tracer("message-router")

const defaultMaxContentBytes = 4096

// limiter is implemented by connections that carry an inbound frame budget.
type limiter interface {
	Allow() bool
}

type RouterConfig struct {
	MaxContentBytes int
}

// Router decodes the frames one connection sends and turns them into
// persistence calls and broadcasts. Frames of one connection are handled
// sequentially by its reader; the router itself holds no per-connection
// state.
type Router struct {
	log     *slog.Logger
	store   domain.MessageStore
	book    contracts.AddressBook
	bc      contracts.Broadcaster
	rooms   contracts.RoomMembership
	maxSize int
	now     func() time.Time
}

func NewRouter(
	log *slog.Logger,
	store domain.MessageStore,
	book contracts.AddressBook,
	bc contracts.Broadcaster,
	rooms contracts.RoomMembership,
	cfg RouterConfig,
) *Router {
	if cfg.MaxContentBytes <= 0 {
		cfg.MaxContentBytes = defaultMaxContentBytes
	}
	return &Router{
		log:     log,
		store:   store,
		book:    book,
		bc:      bc,
		rooms:   rooms,
		maxSize: cfg.MaxContentBytes,
		now:     time.Now,
	}
}

// Serve handles one raw frame and reports any failure back to c as an
// error frame. The connection stays open whatever the outcome.
func (r *Router) Serve(ctx context.Context, c contracts.Client, raw []byte) {
	var clientMsgID string
	err := r.handle(ctx, c, raw, &clientMsgID)
	if err == nil {
		return
	}
	out, mErr := json.Marshal(domain.NewErrorMessage(err, clientMsgID))
	if mErr != nil {
		return
	}
	if sErr := c.Send(ctx, out); sErr != nil {
		r.log.WarnContext(ctx, "router - serve - error frame not delivered", logging.Conn(c.ID()), "err", sErr)
	}
}

// HandleFrame decodes raw and dispatches it by type.
func (r *Router) HandleFrame(ctx context.Context, c contracts.Client, raw []byte) error {
	var clientMsgID string
	return r.handle(ctx, c, raw, &clientMsgID)
}

func (r *Router) handle(ctx context.Context, c contracts.Client, raw []byte, clientMsgID *string) error {
	ctx, span := tracer.Start(ctx, "Router.HandleFrame", trace.WithAttributes(
		attribute.String("conn_id", c.ID()),
		attribute.String("user_id", c.UserID()),
		attribute.Int("payload_size", len(raw)),
	))
	defer span.End()

	err := r.dispatch(ctx, c, raw, clientMsgID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, domain.CodeOf(err))
		r.log.WarnContext(ctx, "router - handle frame - rejected", logging.Conn(c.ID()), logging.User(c.UserID()), "code", domain.CodeOf(err), "err", err)
	}
	return err
}

func (r *Router) dispatch(ctx context.Context, c contracts.Client, raw []byte, clientMsgID *string) error {
	if l, ok := c.(limiter); ok && !l.Allow() {
		return domain.ErrRateLimited
	}
	var in domain.InboundFrame
	if err := json.Unmarshal(raw, &in); err != nil {
		return fmt.Errorf("%w: %w", domain.ErrInvalidFrame, err)
	}
	*clientMsgID = in.ClientMsgID
	if in.RoomID == "" {
		in.RoomID = c.RoomID()
	}
	trace.SpanFromContext(ctx).SetAttributes(
		attribute.String("frame.type", in.Type),
		attribute.String("room_id", in.RoomID),
	)

	switch in.Type {
	case domain.FrameMessage:
		return r.message(ctx, c, in)
	case domain.FrameTyping:
		return r.typing(ctx, c, in)
	case domain.FrameReaction:
		return r.reaction(ctx, c, in)
	case domain.FrameJoin:
		return r.rooms.Join(ctx, c, in.RoomID)
	case domain.FrameLeave:
		return r.rooms.Leave(ctx, c, in.RoomID)
	case "":
		return fmt.Errorf("%w: missing type", domain.ErrInvalidFrame)
	default:
		return fmt.Errorf("%w: %q", domain.ErrUnsupportedFrameType, in.Type)
	}
}

func (r *Router) message(ctx context.Context, c contracts.Client, in domain.InboundFrame) error {
	if strings.TrimSpace(in.Content) == "" {
		return fmt.Errorf("%w: empty content", domain.ErrInvalidFrame)
	}
	if len(in.Content) > r.maxSize {
		return fmt.Errorf("%w: content exceeds %d bytes", domain.ErrInvalidFrame, r.maxSize)
	}
	if !r.book.InRoom(c.ID(), in.RoomID) {
		return domain.ErrNotInRoom
	}

	messageID, err := r.store.PersistMessage(ctx, in.RoomID, c.UserID(), in.Content, in.IsEncrypted)
	if err != nil {
		return fmt.Errorf("%w: %w", domain.ErrPersistenceFailed, err)
	}
	r.log.InfoContext(ctx, "router - message - persisted", logging.Room(in.RoomID), "message_id", messageID, logging.User(c.UserID()))

	now := r.now().UTC()
	err = r.bc.Broadcast(ctx, domain.RoomTarget(in.RoomID), domain.Event{
		Type:        domain.TypeMessage,
		RoomID:      in.RoomID,
		Timestamp:   now,
		MessageID:   messageID,
		SenderID:    c.UserID(),
		Content:     in.Content,
		IsEncrypted: in.IsEncrypted,
	}, contracts.Except(c.ID()))
	if err != nil && !errors.Is(err, domain.ErrBusUnavailable) {
		return err
	}
	// Stored and delivered locally; only the remote fan-out was lost.
	if err != nil {
		r.log.WarnContext(ctx, "router - message - remote fan-out skipped", logging.Room(in.RoomID), "message_id", messageID, "err", err)
	}

	ack, err := json.Marshal(domain.AckMessage{
		Type:        domain.TypeAck,
		ClientMsgID: in.ClientMsgID,
		MessageID:   messageID,
		RoomID:      in.RoomID,
		Status:      domain.AckPersisted,
		Timestamp:   now,
	})
	if err != nil {
		return err
	}
	if err := c.Send(ctx, ack); err != nil {
		r.log.WarnContext(ctx, "router - message - ack not delivered", logging.Conn(c.ID()), "message_id", messageID, "err", err)
	}
	return nil
}

func (r *Router) typing(ctx context.Context, c contracts.Client, in domain.InboundFrame) error {
	if !r.book.InRoom(c.ID(), in.RoomID) {
		return domain.ErrNotInRoom
	}
	isTyping := in.IsTyping
	err := r.bc.Broadcast(ctx, domain.RoomTarget(in.RoomID), domain.Event{
		Type:     domain.TypeTyping,
		RoomID:   in.RoomID,
		UserID:   c.UserID(),
		IsTyping: &isTyping,
	}, contracts.Except(c.ID()))
	if err != nil {
		r.log.DebugContext(ctx, "router - typing - broadcast incomplete", logging.Room(in.RoomID), "err", err)
	}
	return nil
}

func (r *Router) reaction(ctx context.Context, c contracts.Client, in domain.InboundFrame) error {
	if in.MessageID == "" || strings.TrimSpace(in.Emoji) == "" {
		return fmt.Errorf("%w: reaction needs message_id and emoji", domain.ErrInvalidFrame)
	}
	if !r.book.InRoom(c.ID(), in.RoomID) {
		return domain.ErrNotInRoom
	}
	ok, err := r.store.MessageInRoom(ctx, in.RoomID, in.MessageID)
	if err != nil {
		return fmt.Errorf("%w: %w", domain.ErrPersistenceFailed, err)
	}
	if !ok {
		return domain.ErrMessageNotFound
	}
	if err := r.store.PersistReaction(ctx, in.MessageID, c.UserID(), in.Emoji); err != nil {
		return fmt.Errorf("%w: %w", domain.ErrPersistenceFailed, err)
	}
	err = r.bc.Broadcast(ctx, domain.RoomTarget(in.RoomID), domain.Event{
		Type:      domain.TypeReaction,
		RoomID:    in.RoomID,
		UserID:    c.UserID(),
		MessageID: in.MessageID,
		Emoji:     in.Emoji,
	}, contracts.Except(c.ID()))
	if err != nil && !errors.Is(err, domain.ErrBusUnavailable) {
		return err
	}
	return nil
}
