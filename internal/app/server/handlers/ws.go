package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"cgraph/internal/app/server/ws"
	"cgraph/internal/core/contracts"
	"cgraph/internal/core/domain"
	"cgraph/pkg/logging"
	"cgraph/pkg/middleware"
)

// Acceptor performs the post-upgrade handshake.
type Acceptor interface {
	Accept(ctx context.Context, t ws.Transport, token, roomID string) (*ws.Client, error)
}

// FrameServer handles one inbound frame of a connection.
type FrameServer interface {
	Serve(ctx context.Context, c contracts.Client, raw []byte)
}

type WSConfig struct {
	ReadLimit int64
	PongWait  time.Duration
}

type WSHandler struct {
	gateway  Acceptor
	router   FrameServer
	cfg      WSConfig
	upgrader websocket.Upgrader
}

func NewWSHandler(gateway Acceptor, router FrameServer, cfg WSConfig) *WSHandler {
	return &WSHandler{
		gateway: gateway,
		router:  router,
		cfg:     cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true // origin policy belongs to the edge proxy
			},
		},
	}
}

// Handler upgrades first so that handshake failures can be reported with a
// close code the client can act on.
func (h *WSHandler) Handler(w http.ResponseWriter, r *http.Request) {
	log := logging.FromContext(r.Context())
	roomID := r.PathValue("roomId")
	span := trace.SpanFromContext(r.Context())
	span.SetAttributes(attribute.String("room_id", roomID))

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.WarnContext(r.Context(), "ws handler - upgrade - ws upgrade failed", logging.Err(err))
		return
	}
	transport := ws.NewWebSocket(conn, h.cfg.ReadLimit, h.cfg.PongWait)

	client, err := h.gateway.Accept(r.Context(), transport, middleware.BearerToken(r), roomID)
	if err != nil {
		code := domain.CloseCodeOf(err)
		_ = transport.WriteClose(code, domain.CodeOf(err))
		_ = transport.Close()
		log.InfoContext(r.Context(), "ws handler - accept - handshake rejected", logging.Room(roomID), slog.Int("close_code", code))
		return
	}
	defer client.Close()

	ctx, log := logging.With(logging.WithContext(client.Context(), log), logging.Conn(client.ID()), logging.User(client.UserID()))
	err = client.ReadLoop(func(data []byte) {
		h.router.Serve(ctx, client, data)
	})
	if ws.IsUnexpectedClose(err) {
		log.WarnContext(ctx, "ws handler - read loop - unexpected close", logging.Err(err))
		return
	}
	log.DebugContext(ctx, "ws handler - read loop - closed")
}
