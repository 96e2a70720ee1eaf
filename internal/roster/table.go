// Package roster keeps the heartbeat-derived view of room membership:
// periodic presence writes for the local identity, a pruned snapshot of
// everyone else, and push invalidation for the mesh layer.
package roster

import (
	"sync"
	"time"

	"github.com/orbitmeet/orbit/internal/proto"
)

// Event types emitted by the table.
const (
	EventUpdate = "update"
	EventRemove = "remove"
)

// Event describes one table change. Peer is set for updates; Snapshot is
// set on full refreshes so late subscribers can catch up in one message.
type Event struct {
	Type     string
	ID       string
	Peer     *proto.Participant
	Snapshot []proto.Participant
}

// Table is the in-memory participant cache. It holds what the last roster
// refresh returned and fans changes out to listeners with non-blocking
// sends; a slow consumer drops events rather than stalling the heartbeat
// loop.
type Table struct {
	mu        sync.Mutex
	peers     map[string]proto.Participant
	listeners []chan Event
}

func NewTable() *Table {
	return &Table{peers: map[string]proto.Participant{}}
}

// Upsert stores or replaces a participant record. Records carry their own
// LastSeen; a stale record (older than what the table holds) is dropped so
// reordered deliveries cannot roll state back.
func (t *Table) Upsert(p proto.Participant) {
	t.mu.Lock()
	if existing, ok := t.peers[p.ID]; ok && existing.LastSeen > p.LastSeen {
		t.mu.Unlock()
		return
	}
	t.peers[p.ID] = p
	t.notify(Event{Type: EventUpdate, ID: p.ID, Peer: &p})
	t.mu.Unlock()
}

// Remove deletes a participant (clean leave, KICK, or heartbeat expiry).
func (t *Table) Remove(id string) {
	t.mu.Lock()
	if _, ok := t.peers[id]; ok {
		delete(t.peers, id)
		t.notify(Event{Type: EventRemove, ID: id})
	}
	t.mu.Unlock()
}

// Get returns a participant by id.
func (t *Table) Get(id string) (proto.Participant, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.peers[id]
	return p, ok
}

// Snapshot returns a copy of all participants.
func (t *Table) Snapshot() []proto.Participant {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]proto.Participant, 0, len(t.peers))
	for _, p := range t.peers {
		out = append(out, p)
	}
	return out
}

// ReplaceAll swaps the table contents for a fresh refresh result and emits
// removes for entries that disappeared plus one snapshot event.
func (t *Table) ReplaceAll(peers []proto.Participant) {
	t.mu.Lock()
	next := make(map[string]proto.Participant, len(peers))
	for _, p := range peers {
		next[p.ID] = p
	}
	for id := range t.peers {
		if _, ok := next[id]; !ok {
			t.notify(Event{Type: EventRemove, ID: id})
		}
	}
	t.peers = next
	t.notify(Event{Type: EventUpdate, Snapshot: peers})
	t.mu.Unlock()
}

// PruneStale removes participants whose LastSeen is older than cutoff and
// returns the ids removed.
func (t *Table) PruneStale(cutoff time.Time) []string {
	cutoffMillis := cutoff.UnixMilli()
	t.mu.Lock()
	defer t.mu.Unlock()
	var removed []string
	for id, p := range t.peers {
		if p.LastSeen < cutoffMillis {
			delete(t.peers, id)
			removed = append(removed, id)
			t.notify(Event{Type: EventRemove, ID: id})
		}
	}
	return removed
}

// Subscribe returns a buffered event channel. Unsubscribe closes it.
func (t *Table) Subscribe() chan Event {
	t.mu.Lock()
	defer t.mu.Unlock()
	ch := make(chan Event, 16)
	t.listeners = append(t.listeners, ch)
	return ch
}

func (t *Table) Unsubscribe(ch chan Event) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, listener := range t.listeners {
		if listener == ch {
			close(listener)
			t.listeners = append(t.listeners[:i], t.listeners[i+1:]...)
			return
		}
	}
}

// notify must be called with t.mu held.
func (t *Table) notify(evt Event) {
	for _, ch := range t.listeners {
		select {
		case ch <- evt:
		default:
		}
	}
}
