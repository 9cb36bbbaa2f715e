package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"cgraph/internal/app/server/ws"
	"cgraph/internal/core/contracts"
	"cgraph/internal/core/domain"
	"cgraph/pkg/logging"
)

var tracer = otel.Tracer("connection-gateway")

// Channels is the interest half of the pubsub bridge.
type Channels interface {
	Acquire(ctx context.Context, channel string) error
	Release(ctx context.Context, channel string)
}

type Config struct {
	// HandshakeTimeout bounds token verification and the membership check.
	HandshakeTimeout time.Duration
	// PresenceInterval is the heartbeat period; PresenceTTL the window a
	// heartbeat keeps a user online.
	PresenceInterval time.Duration
	PresenceTTL      time.Duration
	Client           ws.Config
}

func (c Config) withDefaults() Config {
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 5 * time.Second
	}
	if c.PresenceInterval <= 0 {
		c.PresenceInterval = 15 * time.Second
	}
	if c.PresenceTTL <= 0 {
		c.PresenceTTL = 30 * time.Second
	}
	return c
}

// Gateway owns the lifecycle of every local connection: handshake,
// registration, room changes and teardown. Every close path of a client
// (reader EOF, slow-consumer eviction, write failure, shutdown) ends in
// detach through the client's close hook.
type Gateway struct {
	log      *slog.Logger
	auth     domain.Authenticator
	members  domain.MembershipRepository
	book     contracts.AddressBook
	channels Channels
	bc       contracts.Broadcaster
	presence contracts.PresenceStore
	cfg      Config

	mu      sync.Mutex
	conns   map[string]*ws.Client
	closing bool
	wg      sync.WaitGroup
}

var _ contracts.RoomMembership = (*Gateway)(nil)

// New builds a gateway. presence may be nil.
func New(
	log *slog.Logger,
	auth domain.Authenticator,
	members domain.MembershipRepository,
	book contracts.AddressBook,
	channels Channels,
	bc contracts.Broadcaster,
	presence contracts.PresenceStore,
	cfg Config,
) *Gateway {
	return &Gateway{
		log:      log,
		auth:     auth,
		members:  members,
		book:     book,
		channels: channels,
		bc:       bc,
		presence: presence,
		cfg:      cfg.withDefaults(),
		conns:    make(map[string]*ws.Client),
	}
}

// Accept authenticates token, authorizes the user for roomID and, on
// success, returns a started client registered under the room and the user.
// Errors wrap domain.ErrUnauthorized, domain.ErrForbidden or
// domain.ErrServiceUnavailable; nothing is registered on failure.
func (g *Gateway) Accept(ctx context.Context, t ws.Transport, token, roomID string) (*ws.Client, error) {
	ctx, span := tracer.Start(ctx, "Gateway.Accept", trace.WithAttributes(
		attribute.String("room_id", roomID),
	))
	defer span.End()

	if roomID == "" {
		return nil, fmt.Errorf("%w: %w", domain.ErrForbidden, domain.ErrInvalidRoomID)
	}
	userID, err := g.authorize(ctx, token, roomID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "handshake rejected")
		g.log.WarnContext(ctx, "gateway - accept - handshake rejected", logging.Room(roomID), "err", err)
		return nil, err
	}
	span.SetAttributes(attribute.String("user_id", userID))

	// The client outlives the upgrade request.
	c := ws.NewClient(context.WithoutCancel(ctx), t, userID, roomID, g.cfg.Client)
	c.OnClose(func() { g.detach(c) })

	g.mu.Lock()
	if g.closing {
		g.mu.Unlock()
		return nil, fmt.Errorf("%w: shutting down", domain.ErrServiceUnavailable)
	}
	g.conns[c.ID()] = c
	g.book.Register(c, roomID)
	if g.presence != nil {
		// heartbeat; counted under mu so Shutdown sees it.
		g.wg.Add(1)
	}
	g.mu.Unlock()

	g.acquire(ctx, domain.UserTarget(userID).Channel())
	g.acquire(ctx, domain.RoomTarget(roomID).Channel())
	c.Start()
	g.touch(ctx, roomID, userID)
	if g.presence != nil {
		go g.heartbeat(c)
	}
	g.announce(ctx, c, roomID, domain.SubtypePresenceJoined)

	span.SetStatus(codes.Ok, "connected")
	g.log.InfoContext(ctx, "gateway - accept - connection registered", logging.Conn(c.ID()), logging.User(userID), logging.Room(roomID))
	return c, nil
}

func (g *Gateway) authorize(ctx context.Context, token, roomID string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, g.cfg.HandshakeTimeout)
	defer cancel()

	userID, err := g.auth.VerifyToken(ctx, token)
	switch {
	case err == nil && userID == "":
		return "", domain.ErrUnauthorized
	case errors.Is(err, domain.ErrUnauthorized):
		return "", err
	case err != nil:
		return "", fmt.Errorf("%w: verify token: %w", domain.ErrServiceUnavailable, err)
	}
	if err := g.checkMember(ctx, userID, roomID); err != nil {
		return "", err
	}
	return userID, nil
}

func (g *Gateway) checkMember(ctx context.Context, userID, roomID string) error {
	ok, err := g.members.IsMember(ctx, userID, roomID)
	if err != nil {
		return fmt.Errorf("%w: membership: %w", domain.ErrServiceUnavailable, err)
	}
	if !ok {
		return domain.ErrForbidden
	}
	return nil
}

// Join adds an accepted connection to another room it is a member of.
// Joining a room the connection is already in is a no-op.
func (g *Gateway) Join(ctx context.Context, c contracts.Client, roomID string) error {
	if roomID == "" {
		return domain.ErrInvalidRoomID
	}
	if g.book.InRoom(c.ID(), roomID) {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, g.cfg.HandshakeTimeout)
	defer cancel()
	if err := g.checkMember(ctx, c.UserID(), roomID); err != nil {
		return err
	}

	g.mu.Lock()
	if _, ok := g.conns[c.ID()]; !ok {
		g.mu.Unlock()
		return domain.ErrConnectionClosed
	}
	added := g.book.Register(c, roomID)
	g.mu.Unlock()
	if !added {
		return nil
	}
	g.acquire(ctx, domain.RoomTarget(roomID).Channel())
	g.touch(ctx, roomID, c.UserID())
	g.announce(ctx, c, roomID, domain.SubtypePresenceJoined)
	g.log.InfoContext(ctx, "gateway - join - room added", logging.Conn(c.ID()), logging.User(c.UserID()), logging.Room(roomID))
	return nil
}

// Leave removes a connection from one of its rooms. A connection always
// keeps at least one room; leaving the last one fails with
// domain.ErrLastRoom.
func (g *Gateway) Leave(ctx context.Context, c contracts.Client, roomID string) error {
	g.mu.Lock()
	if _, ok := g.conns[c.ID()]; !ok {
		g.mu.Unlock()
		return domain.ErrConnectionClosed
	}
	if !g.book.InRoom(c.ID(), roomID) {
		g.mu.Unlock()
		return domain.ErrNotInRoom
	}
	if len(g.book.RoomsOf(c.ID())) == 1 {
		g.mu.Unlock()
		return domain.ErrLastRoom
	}
	removed := g.book.Unregister(c, roomID)
	g.mu.Unlock()
	if !removed {
		return nil
	}
	g.channels.Release(ctx, domain.RoomTarget(roomID).Channel())
	g.left(ctx, c, roomID)
	g.log.InfoContext(ctx, "gateway - leave - room removed", logging.Conn(c.ID()), logging.User(c.UserID()), logging.Room(roomID))
	return nil
}

// Disconnect closes c. It is safe to call any number of times from any
// goroutine.
func (g *Gateway) Disconnect(c contracts.Client) {
	c.Close()
}

// detach undoes everything Accept and Join did for c. Runs once per client
// from its close hook.
func (g *Gateway) detach(c *ws.Client) {
	g.mu.Lock()
	if _, ok := g.conns[c.ID()]; !ok {
		g.mu.Unlock()
		return
	}
	delete(g.conns, c.ID())
	rooms, userRemoved := g.book.UnregisterAll(c)
	g.mu.Unlock()

	ctx := context.Background()
	for _, roomID := range rooms {
		g.channels.Release(ctx, domain.RoomTarget(roomID).Channel())
		g.left(ctx, c, roomID)
	}
	if userRemoved {
		g.channels.Release(ctx, domain.UserTarget(c.UserID()).Channel())
	}
	g.log.InfoContext(ctx, "gateway - disconnect - connection removed", logging.Conn(c.ID()), logging.User(c.UserID()), "rooms", len(rooms))
}

// left drops presence for c's user in roomID unless another local
// connection of the same user is still there, then tells the room.
func (g *Gateway) left(ctx context.Context, c contracts.Client, roomID string) {
	if g.presence != nil && !g.userInRoom(c.UserID(), roomID) {
		if err := g.presence.RemoveParticipant(ctx, roomID, c.UserID()); err != nil {
			g.log.WarnContext(ctx, "gateway - presence - remove failed", logging.Room(roomID), logging.User(c.UserID()), "err", err)
		}
	}
	g.announce(ctx, c, roomID, domain.SubtypePresenceLeft)
}

func (g *Gateway) userInRoom(userID, roomID string) bool {
	for _, other := range g.book.LocalSubscribers(roomID) {
		if other.UserID() == userID {
			return true
		}
	}
	return false
}

// Shutdown sends close 1001 to every local connection and waits for their
// heartbeats to stop. New handshakes fail with ErrServiceUnavailable.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.mu.Lock()
	g.closing = true
	clients := make([]*ws.Client, 0, len(g.conns))
	for _, c := range g.conns {
		clients = append(clients, c)
	}
	g.mu.Unlock()

	g.log.InfoContext(ctx, "gateway - shutdown - draining connections", "count", len(clients))
	for _, c := range clients {
		c.CloseWith(domain.CloseGoingAway, "server shutting down")
	}
	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Count returns the number of live connections.
func (g *Gateway) Count() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.conns)
}

func (g *Gateway) acquire(ctx context.Context, channel string) {
	if err := g.channels.Acquire(ctx, channel); err != nil {
		// Interest is kept and applied when the bus comes back.
		g.log.WarnContext(ctx, "gateway - acquire - subscribe deferred", logging.Channel(channel), "err", err)
	}
}

func (g *Gateway) announce(ctx context.Context, c contracts.Client, roomID, subtype string) {
	err := g.bc.Broadcast(ctx, domain.RoomTarget(roomID), domain.Event{
		Type:    domain.TypeSystem,
		Subtype: subtype,
		RoomID:  roomID,
		UserID:  c.UserID(),
	}, contracts.Except(c.ID()))
	if err != nil {
		g.log.WarnContext(ctx, "gateway - presence - broadcast failed", logging.Room(roomID), "subtype", subtype, "err", err)
	}
}

func (g *Gateway) touch(ctx context.Context, roomID, userID string) {
	if g.presence == nil {
		return
	}
	if err := g.presence.UpdateOnlineStatus(ctx, roomID, userID, g.cfg.PresenceTTL); err != nil {
		g.log.WarnContext(ctx, "gateway - presence - update failed", logging.Room(roomID), logging.User(userID), "err", err)
	}
}

func (g *Gateway) heartbeat(c *ws.Client) {
	defer g.wg.Done()
	ctx := c.Context()
	ticker := time.NewTicker(g.cfg.PresenceInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		for _, roomID := range g.book.RoomsOf(c.ID()) {
			g.touch(ctx, roomID, c.UserID())
		}
	}
}
