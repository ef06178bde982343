// Package presence tracks which sessions are joined to which rooms.
package presence

import (
	"sync"
)

// Peer is a room member. Send must not block; it reports whether the frame
// was queued.
type Peer interface {
	ID() string
	Send(frame []byte) bool
}

// Registry maps rooms to their live members. A room exists only while it
// has members.
type Registry struct {
	mu    sync.RWMutex
	rooms map[string]map[string]Peer
}

func New() *Registry {
	return &Registry{rooms: make(map[string]map[string]Peer)}
}

// Join adds p to room and returns the occupancy right after the change.
// Joining twice is a no-op.
func (r *Registry) Join(room string, p Peer) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	members, ok := r.rooms[room]
	if !ok {
		members = make(map[string]Peer)
		r.rooms[room] = members
	}
	members[p.ID()] = p
	return len(members)
}

// Leave removes p from room and returns the occupancy right after the change
// and whether p was a member. Leaving a room not joined changes nothing.
func (r *Registry) Leave(room string, p Peer) (int, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	members, ok := r.rooms[room]
	if !ok {
		return 0, false
	}
	if _, joined := members[p.ID()]; !joined {
		return len(members), false
	}
	delete(members, p.ID())
	count := len(members)
	if count == 0 {
		delete(r.rooms, room)
	}
	return count, true
}

// Members returns a snapshot of room's members in no particular order.
func (r *Registry) Members(room string) []Peer {
	r.mu.RLock()
	defer r.mu.RUnlock()

	members := r.rooms[room]
	out := make([]Peer, 0, len(members))
	for _, p := range members {
		out = append(out, p)
	}
	return out
}

func (r *Registry) Count(room string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms[room])
}

// IsMember reports whether p is joined to room.
func (r *Registry) IsMember(room string, p Peer) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.rooms[room][p.ID()]
	return ok
}

// Broadcast queues frame on every member of room except the peer with
// exceptID and returns how many members accepted it.
func (r *Registry) Broadcast(room string, frame []byte, exceptID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	delivered := 0
	for id, p := range r.rooms[room] {
		if id == exceptID {
			continue
		}
		if p.Send(frame) {
			delivered++
		}
	}
	return delivered
}

// Stats returns the number of live rooms and of distinct peers.
func (r *Registry) Stats() (rooms, peers int) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[string]struct{})
	for _, members := range r.rooms {
		for id := range members {
			seen[id] = struct{}{}
		}
	}
	return len(r.rooms), len(seen)
}

// Close forgets every room.
func (r *Registry) Close() {
	r.mu.Lock()
	r.rooms = make(map[string]map[string]Peer)
	r.mu.Unlock()
}
