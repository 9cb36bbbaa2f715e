package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cgraph/internal/app/bridge"
	"cgraph/internal/app/broadcast"
	"cgraph/internal/app/registry"
	"cgraph/internal/core/domain"
	"cgraph/internal/plugins/memory"
)

type transport struct {
	in     chan []byte
	closed chan struct{}
	once   sync.Once

	mu        sync.Mutex
	written   []domain.Event
	closeCode int
}

func newTransport() *transport {
	return &transport{in: make(chan []byte), closed: make(chan struct{})}
}

func (t *transport) ReadMessage() ([]byte, error) {
	select {
	case b := <-t.in:
		return b, nil
	case <-t.closed:
		return nil, io.EOF
	}
}

func (t *transport) WriteMessage(data []byte, _ time.Duration) error {
	var ev domain.Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.written = append(t.written, ev)
	return nil
}

func (t *transport) WritePing(time.Duration) error { return nil }

func (t *transport) WriteClose(code int, _ string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closeCode = code
	return nil
}

func (t *transport) Close() error {
	t.once.Do(func() { close(t.closed) })
	return nil
}

func (t *transport) events() []domain.Event {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]domain.Event(nil), t.written...)
}

func (t *transport) isClosed() bool {
	select {
	case <-t.closed:
		return true
	default:
		return false
	}
}

type tokens map[string]string

func (tk tokens) VerifyToken(ctx context.Context, token string) (string, error) {
	if token == "slow" {
		<-ctx.Done()
		return "", ctx.Err()
	}
	if u, ok := tk[token]; ok {
		return u, nil
	}
	return "", domain.ErrUnauthorized
}

type members struct {
	rooms map[string][]string
	err   error
}

func (m members) IsMember(_ context.Context, userID, roomID string) (bool, error) {
	if m.err != nil {
		return false, m.err
	}
	for _, u := range m.rooms[roomID] {
		if u == userID {
			return true, nil
		}
	}
	return false, nil
}

type presence struct {
	mu     sync.Mutex
	online map[string]map[string]bool
}

func newPresence() *presence { return &presence{online: make(map[string]map[string]bool)} }

func (p *presence) UpdateOnlineStatus(_ context.Context, roomID, userID string, _ time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.online[roomID] == nil {
		p.online[roomID] = make(map[string]bool)
	}
	p.online[roomID][userID] = true
	return nil
}

func (p *presence) GetOnlineParticipants(_ context.Context, roomID string) ([]string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []string
	for u := range p.online[roomID] {
		out = append(out, u)
	}
	sort.Strings(out)
	return out, nil
}

func (p *presence) RemoveParticipant(_ context.Context, roomID, userID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.online[roomID], userID)
	return nil
}

type fixture struct {
	gw       *Gateway
	book     *registry.Registry
	bridge   *bridge.Bridge
	presence *presence
}

func newFixture(t *testing.T, m members) *fixture {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	book := registry.NewRegistry()
	br := bridge.New(log, memory.NewBus(), "A", bridge.Config{})
	bc := broadcast.NewBroadcaster(log, book, br, "A")
	pr := newPresence()
	tk := tokens{"tok-alice": "alice", "tok-bob": "bob"}
	gw := New(log, tk, m, book, br, bc, pr, Config{
		HandshakeTimeout: 50 * time.Millisecond,
		PresenceInterval: time.Hour,
	})
	return &fixture{gw: gw, book: book, bridge: br, presence: pr}
}

func defaultMembers() members {
	return members{rooms: map[string][]string{
		"r1": {"alice", "bob"},
		"r2": {"alice"},
	}}
}

func sortedChannels(b *bridge.Bridge) []string {
	chs := b.Channels()
	sort.Strings(chs)
	return chs
}

func TestAcceptRegistersAndAnnounces(t *testing.T) {
	f := newFixture(t, defaultMembers())
	ctx := context.Background()

	ta := newTransport()
	alice, err := f.gw.Accept(ctx, ta, "tok-alice", "r1")
	require.NoError(t, err)
	defer alice.Close()

	tb := newTransport()
	bob, err := f.gw.Accept(ctx, tb, "tok-bob", "r1")
	require.NoError(t, err)
	defer bob.Close()

	assert.Len(t, f.book.LocalSubscribers("r1"), 2)
	assert.Equal(t, []string{"room:r1", "user:alice", "user:bob"}, sortedChannels(f.bridge))
	online, _ := f.presence.GetOnlineParticipants(ctx, "r1")
	assert.Equal(t, []string{"alice", "bob"}, online)

	// alice hears bob join; bob does not hear himself
	require.Eventually(t, func() bool { return len(ta.events()) == 1 }, time.Second, 5*time.Millisecond)
	ev := ta.events()[0]
	assert.Equal(t, domain.TypeSystem, ev.Type)
	assert.Equal(t, domain.SubtypePresenceJoined, ev.Subtype)
	assert.Equal(t, "bob", ev.UserID)
	assert.Empty(t, tb.events())
}

func TestAcceptRejections(t *testing.T) {
	cases := []struct {
		name    string
		members members
		token   string
		room    string
		want    error
		closeAs int
	}{
		{"bad token", defaultMembers(), "expired", "r1", domain.ErrUnauthorized, domain.CloseUnauthorized},
		{"not a member", defaultMembers(), "tok-bob", "r2", domain.ErrForbidden, domain.CloseForbidden},
		{"membership down", members{err: errors.New("dial tcp: refused")}, "tok-alice", "r1", domain.ErrServiceUnavailable, domain.CloseTryAgain},
		{"auth timeout", defaultMembers(), "slow", "r1", domain.ErrServiceUnavailable, domain.CloseTryAgain},
		{"empty room", defaultMembers(), "tok-alice", "", domain.ErrForbidden, domain.CloseForbidden},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t, tc.members)
			c, err := f.gw.Accept(context.Background(), newTransport(), tc.token, tc.room)
			require.ErrorIs(t, err, tc.want)
			assert.Nil(t, c)
			assert.Equal(t, tc.closeAs, domain.CloseCodeOf(err))
			assert.Empty(t, f.book.All())
			assert.Empty(t, f.bridge.Channels())
			assert.Zero(t, f.gw.Count())
		})
	}
}

func TestDisconnectIsIdempotentAndReleases(t *testing.T) {
	f := newFixture(t, defaultMembers())
	ctx := context.Background()
	ta := newTransport()
	alice, err := f.gw.Accept(ctx, ta, "tok-alice", "r1")
	require.NoError(t, err)
	tb := newTransport()
	bob, err := f.gw.Accept(ctx, tb, "tok-bob", "r1")
	require.NoError(t, err)
	defer bob.Close()

	f.gw.Disconnect(alice)
	f.gw.Disconnect(alice)
	alice.Close()

	assert.True(t, ta.isClosed())
	assert.Empty(t, f.book.RoomsOf(alice.ID()))
	assert.Empty(t, f.book.LocalSubscribersForUser("alice"))
	assert.Equal(t, []string{"room:r1", "user:bob"}, sortedChannels(f.bridge))
	online, _ := f.presence.GetOnlineParticipants(ctx, "r1")
	assert.Equal(t, []string{"bob"}, online)

	require.Eventually(t, func() bool {
		evs := tb.events()
		return len(evs) == 1 && evs[0].Subtype == domain.SubtypePresenceLeft
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, f.gw.Count())
}

func TestReaderEOFConvergesOnDisconnect(t *testing.T) {
	f := newFixture(t, defaultMembers())
	ta := newTransport()
	alice, err := f.gw.Accept(context.Background(), ta, "tok-alice", "r1")
	require.NoError(t, err)

	_ = ta.Close()
	err = alice.ReadLoop(func([]byte) {})
	require.Error(t, err)
	alice.Close()
	assert.Zero(t, f.gw.Count())
	assert.Empty(t, f.book.All())
}

func TestJoinAndLeave(t *testing.T) {
	f := newFixture(t, defaultMembers())
	ctx := context.Background()
	bob, err := f.gw.Accept(ctx, newTransport(), "tok-bob", "r1")
	require.NoError(t, err)
	defer bob.Close()
	require.ErrorIs(t, f.gw.Join(ctx, bob, "r2"), domain.ErrForbidden)

	alice, err := f.gw.Accept(ctx, newTransport(), "tok-alice", "r1")
	require.NoError(t, err)

	require.NoError(t, f.gw.Join(ctx, alice, "r2"))
	require.NoError(t, f.gw.Join(ctx, alice, "r2"))
	assert.ElementsMatch(t, []string{"r1", "r2"}, f.book.RoomsOf(alice.ID()))
	assert.Contains(t, f.bridge.Channels(), "room:r2")

	require.ErrorIs(t, f.gw.Leave(ctx, alice, "r3"), domain.ErrNotInRoom)
	require.NoError(t, f.gw.Leave(ctx, alice, "r1"))
	assert.Equal(t, []string{"r2"}, f.book.RoomsOf(alice.ID()))
	require.ErrorIs(t, f.gw.Leave(ctx, alice, "r2"), domain.ErrLastRoom)

	alice.Close()
	require.ErrorIs(t, f.gw.Join(ctx, alice, "r1"), domain.ErrConnectionClosed)
	assert.Empty(t, f.book.RoomsOf(alice.ID()))
	assert.NotContains(t, f.bridge.Channels(), "room:r2")
}

func TestShutdownDrainsWithGoingAway(t *testing.T) {
	f := newFixture(t, defaultMembers())
	ctx := context.Background()
	ta, tb := newTransport(), newTransport()
	_, err := f.gw.Accept(ctx, ta, "tok-alice", "r1")
	require.NoError(t, err)
	_, err = f.gw.Accept(ctx, tb, "tok-bob", "r1")
	require.NoError(t, err)

	sctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	require.NoError(t, f.gw.Shutdown(sctx))

	for _, tr := range []*transport{ta, tb} {
		tr.mu.Lock()
		assert.Equal(t, domain.CloseGoingAway, tr.closeCode)
		tr.mu.Unlock()
		assert.True(t, tr.isClosed())
	}
	assert.Empty(t, f.book.All())
	assert.Empty(t, f.bridge.Channels())

	_, err = f.gw.Accept(ctx, newTransport(), "tok-alice", "r1")
	require.ErrorIs(t, err, domain.ErrServiceUnavailable)
}

func TestShutdownRacingAcceptClosesEveryClient(t *testing.T) {
	f := newFixture(t, defaultMembers())
	ctx := context.Background()

	const n = 16
	var wg sync.WaitGroup
	transports := make([]*transport, n)
	errs := make([]error, n)
	start := make(chan struct{})
	for i := range n {
		transports[i] = newTransport()
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, errs[i] = f.gw.Accept(ctx, transports[i], "tok-alice", "r1")
		}()
	}
	close(start)

	sctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	require.NoError(t, f.gw.Shutdown(sctx))
	wg.Wait()

	for i, tr := range transports {
		if errs[i] != nil {
			require.ErrorIs(t, errs[i], domain.ErrServiceUnavailable)
			continue
		}
		assert.True(t, tr.isClosed(), "accepted client %d left open", i)
	}
	assert.Zero(t, f.gw.Count())
}
