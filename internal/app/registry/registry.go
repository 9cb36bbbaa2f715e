package registry

import (
	"hash/fnv"
	"sync"

	"cgraph/internal/core/contracts"
)

const shardCount = 32

// index maps a key (room or user id) to the set of local clients under it.
type index struct {
	mu   sync.RWMutex
	sets map[string]map[string]contracts.Client
}

func (ix *index) add(key string, c contracts.Client) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	set := ix.sets[key]
	if set == nil {
		set = make(map[string]contracts.Client)
		ix.sets[key] = set
	}
	set[c.ID()] = c
}

func (ix *index) remove(key, connID string) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	set := ix.sets[key]
	delete(set, connID)
	if len(set) == 0 {
		delete(ix.sets, key)
	}
}

func (ix *index) snapshot(key string) []contracts.Client {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	set := ix.sets[key]
	out := make([]contracts.Client, 0, len(set))
	for _, c := range set {
		out = append(out, c)
	}
	return out
}

type connEntry struct {
	client contracts.Client
	rooms  map[string]struct{}
}

type connShard struct {
	mu    sync.Mutex
	conns map[string]*connEntry
}

// Registry is the sharded AddressBook. Each room, user and connection key
// hashes to one shard with its own lock, so unrelated rooms never contend.
// Lock order is connection shard, then room shard, then user shard; lookups
// take a single shard lock and therefore cannot deadlock with mutations.
type Registry struct {
	rooms [shardCount]index
	users [shardCount]index
	conns [shardCount]connShard
}

var _ contracts.AddressBook = (*Registry)(nil)

func NewRegistry() *Registry {
	r := &Registry{}
	for i := 0; i < shardCount; i++ {
		r.rooms[i].sets = make(map[string]map[string]contracts.Client)
		r.users[i].sets = make(map[string]map[string]contracts.Client)
		r.conns[i].conns = make(map[string]*connEntry)
	}
	return r
}

func shardOf(key string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % shardCount)
}

func (r *Registry) Register(c contracts.Client, roomID string) bool {
	cs := &r.conns[shardOf(c.ID())]
	cs.mu.Lock()
	defer cs.mu.Unlock()
	e := cs.conns[c.ID()]
	if e == nil {
		e = &connEntry{client: c, rooms: make(map[string]struct{})}
		cs.conns[c.ID()] = e
	}
	if _, ok := e.rooms[roomID]; ok {
		return false
	}
	e.rooms[roomID] = struct{}{}
	r.rooms[shardOf(roomID)].add(roomID, c)
	r.users[shardOf(c.UserID())].add(c.UserID(), c)
	return true
}

func (r *Registry) Unregister(c contracts.Client, roomID string) bool {
	cs := &r.conns[shardOf(c.ID())]
	cs.mu.Lock()
	defer cs.mu.Unlock()
	e := cs.conns[c.ID()]
	if e == nil {
		return false
	}
	if _, ok := e.rooms[roomID]; !ok {
		return false
	}
	delete(e.rooms, roomID)
	r.rooms[shardOf(roomID)].remove(roomID, c.ID())
	if len(e.rooms) == 0 {
		r.users[shardOf(c.UserID())].remove(c.UserID(), c.ID())
		delete(cs.conns, c.ID())
	}
	return true
}

func (r *Registry) UnregisterAll(c contracts.Client) ([]string, bool) {
	cs := &r.conns[shardOf(c.ID())]
	cs.mu.Lock()
	defer cs.mu.Unlock()
	e := cs.conns[c.ID()]
	if e == nil {
		return nil, false
	}
	rooms := make([]string, 0, len(e.rooms))
	for roomID := range e.rooms {
		r.rooms[shardOf(roomID)].remove(roomID, c.ID())
		rooms = append(rooms, roomID)
	}
	r.users[shardOf(c.UserID())].remove(c.UserID(), c.ID())
	delete(cs.conns, c.ID())
	return rooms, true
}

func (r *Registry) LocalSubscribers(roomID string) []contracts.Client {
	return r.rooms[shardOf(roomID)].snapshot(roomID)
}

func (r *Registry) LocalSubscribersForUser(userID string) []contracts.Client {
	return r.users[shardOf(userID)].snapshot(userID)
}

func (r *Registry) RoomsOf(connID string) []string {
	cs := &r.conns[shardOf(connID)]
	cs.mu.Lock()
	defer cs.mu.Unlock()
	e := cs.conns[connID]
	if e == nil {
		return nil
	}
	rooms := make([]string, 0, len(e.rooms))
	for roomID := range e.rooms {
		rooms = append(rooms, roomID)
	}
	return rooms
}

func (r *Registry) InRoom(connID, roomID string) bool {
	cs := &r.conns[shardOf(connID)]
	cs.mu.Lock()
	defer cs.mu.Unlock()
	e := cs.conns[connID]
	if e == nil {
		return false
	}
	_, ok := e.rooms[roomID]
	return ok
}

func (r *Registry) All() []contracts.Client {
	var out []contracts.Client
	for i := range r.conns {
		cs := &r.conns[i]
		cs.mu.Lock()
		for _, e := range cs.conns {
			out = append(out, e.client)
		}
		cs.mu.Unlock()
	}
	return out
}

// Count returns the number of registered connections.
func (r *Registry) Count() int {
	n := 0
	for i := range r.conns {
		cs := &r.conns[i]
		cs.mu.Lock()
		n += len(cs.conns)
		cs.mu.Unlock()
	}
	return n
}
