package registry

import (
	"context"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cgraph/internal/core/contracts"
)

type fakeClient struct {
	id, user, room string
}

func (f *fakeClient) ID() string { return f.id }
func (f *fakeClient) UserID() string { return f.user }
func (f *fakeClient) RoomID() string { return f.room }
func (f *fakeClient) Send(ctx context.Context, b []byte) error { return nil }
func (f *fakeClient) Close() {}

func ids(cs []contracts.Client) []string {
	out := make([]string, 0, len(cs))
	for _, c := range cs {
		out = append(out, c.ID())
	}
	sort.Strings(out)
	return out
}

func TestRegisterIsIdempotent(t *testing.T) {
	r := NewRegistry()
	c := &fakeClient{id: "c1", user: "u1", room: "r1"}

	assert.True(t, r.Register(c, "r1"))
	assert.False(t, r.Register(c, "r1"))
	assert.Equal(t, []string{"c1"}, ids(r.LocalSubscribers("r1")))
	assert.Equal(t, []string{"c1"}, ids(r.LocalSubscribersForUser("u1")))

	assert.True(t, r.Unregister(c, "r1"))
	assert.False(t, r.Unregister(c, "r1"))
	assert.Empty(t, r.LocalSubscribers("r1"))
	assert.Empty(t, r.LocalSubscribersForUser("u1"))
	assert.Equal(t, 0, r.Count())
}

func TestUnregisterAbsentIsSafe(t *testing.T) {
	r := NewRegistry()
	c := &fakeClient{id: "c1", user: "u1"}
	assert.False(t, r.Unregister(c, "nope"))
	rooms, removed := r.UnregisterAll(c)
	assert.Nil(t, rooms)
	assert.False(t, removed)
}

func TestUserSetSurvivesUntilLastRoom(t *testing.T) {
	r := NewRegistry()
	c := &fakeClient{id: "c1", user: "u1"}
	r.Register(c, "r1")
	r.Register(c, "r2")

	r.Unregister(c, "r1")
	assert.Equal(t, []string{"c1"}, ids(r.LocalSubscribersForUser("u1")))
	assert.Equal(t, []string{"r2"}, r.RoomsOf("c1"))
	assert.True(t, r.InRoom("c1", "r2"))
	assert.False(t, r.InRoom("c1", "r1"))

	r.Unregister(c, "r2")
	assert.Empty(t, r.LocalSubscribersForUser("u1"))
}

func TestUnregisterAll(t *testing.T) {
	r := NewRegistry()
	a := &fakeClient{id: "a", user: "u1"}
	b := &fakeClient{id: "b", user: "u1"}
	r.Register(a, "r1")
	r.Register(a, "r2")
	r.Register(b, "r1")

	rooms, removed := r.UnregisterAll(a)
	require.True(t, removed)
	sort.Strings(rooms)
	assert.Equal(t, []string{"r1", "r2"}, rooms)
	assert.Equal(t, []string{"b"}, ids(r.LocalSubscribers("r1")))
	assert.Empty(t, r.LocalSubscribers("r2"))
	assert.Equal(t, []string{"b"}, ids(r.LocalSubscribersForUser("u1")))

	_, removed = r.UnregisterAll(a)
	assert.False(t, removed)
}

func TestSnapshotIsDetached(t *testing.T) {
	r := NewRegistry()
	a := &fakeClient{id: "a", user: "u1"}
	r.Register(a, "r1")
	snap := r.LocalSubscribers("r1")
	r.Unregister(a, "r1")
	assert.Len(t, snap, 1)
	assert.Empty(t, r.LocalSubscribers("r1"))
}

// Random Register/Unregister sequences must leave exactly the connections
// whose last operation for a room was Register.
func TestRandomSequencesMatchModel(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	clients := make([]*fakeClient, 8)
	for i := range clients {
		clients[i] = &fakeClient{id: fmt.Sprintf("c%d", i), user: fmt.Sprintf("u%d", i%3)}
	}
	rooms := []string{"r1", "r2", "r3"}

	for round := 0; round < 50; round++ {
		r := NewRegistry()
		model := map[string]map[string]bool{}
		for _, room := range rooms {
			model[room] = map[string]bool{}
		}
		for step := 0; step < 200; step++ {
			c := clients[rng.Intn(len(clients))]
			room := rooms[rng.Intn(len(rooms))]
			if rng.Intn(2) == 0 {
				r.Register(c, room)
				model[room][c.id] = true
			} else {
				r.Unregister(c, room)
				delete(model[room], c.id)
			}
		}
		for _, room := range rooms {
			want := make([]string, 0)
			for id := range model[room] {
				want = append(want, id)
			}
			sort.Strings(want)
			assert.Equal(t, want, ids(r.LocalSubscribers(room)), "room %s round %d", room, round)
		}
	}
}

func TestConcurrentAccess(t *testing.T) {
	r := NewRegistry()
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 500; i++ {
				c := &fakeClient{id: fmt.Sprintf("w%d-%d", w, i%10), user: fmt.Sprintf("u%d", w)}
				room := fmt.Sprintf("r%d", i%4)
				r.Register(c, room)
				_ = r.LocalSubscribers(room)
				_ = r.LocalSubscribersForUser(c.user)
				if i%3 == 0 {
					r.UnregisterAll(c)
				} else {
					r.Unregister(c, room)
				}
			}
		}(w)
	}
	wg.Wait()
	for _, c := range r.All() {
		r.UnregisterAll(c)
	}
	assert.Equal(t, 0, r.Count())
}
