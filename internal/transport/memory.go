package transport

import (
	"context"
	"sync"

	"github.com/orbitmeet/orbit/internal/storage"
)

// Hub is an in-process transport backend: one shared durable store plus
// listener fan-out, modelling the hosted collaborator exactly (single
// authoritative row set, push on every applied change). Tests and
// single-process multi-session rooms hand every session a Channel from the
// same Hub.
type Hub struct {
	store *storage.DB

	mu        sync.RWMutex
	rowsSubs  map[int]*rowSub
	bcastSubs map[int]*bcastSub
	nextID    int
	closed    bool
}

type rowSub struct {
	room  string
	table string
	fn    func(storage.Row)
}

type bcastSub struct {
	room    string
	channel string
	fn      func([]byte)
}

// NewHub creates a hub with an ephemeral in-memory store.
func NewHub() (*Hub, error) {
	store, err := storage.Open(":memory:")
	if err != nil {
		return nil, err
	}
	return &Hub{
		store:     store,
		rowsSubs:  make(map[int]*rowSub),
		bcastSubs: make(map[int]*bcastSub),
	}, nil
}

// Close closes the hub and its store. Channels handed out become inert.
func (h *Hub) Close() error {
	h.mu.Lock()
	h.closed = true
	h.rowsSubs = map[int]*rowSub{}
	h.bcastSubs = map[int]*bcastSub{}
	h.mu.Unlock()
	return h.store.Close()
}

// Channel returns a room-scoped view of the hub.
func (h *Hub) Channel(room string) Channel {
	return &memChannel{hub: h, room: room}
}

func (h *Hub) notifyRows(row storage.Row) {
	h.mu.RLock()
	subs := make([]*rowSub, 0, len(h.rowsSubs))
	for _, s := range h.rowsSubs {
		if s.room == row.Room && s.table == row.Table {
			subs = append(subs, s)
		}
	}
	h.mu.RUnlock()
	for _, s := range subs {
		s.fn(row)
	}
}

func (h *Hub) notifyBroadcast(room, channel string, payload []byte) {
	h.mu.RLock()
	subs := make([]*bcastSub, 0, len(h.bcastSubs))
	for _, s := range h.bcastSubs {
		if s.room == room && s.channel == channel {
			subs = append(subs, s)
		}
	}
	h.mu.RUnlock()
	for _, s := range subs {
		s.fn(payload)
	}
}

type memChannel struct {
	hub  *Hub
	room string
}

func (c *memChannel) Insert(_ context.Context, table, key string, ts int64, data []byte) (bool, error) {
	if c.isClosed() {
		return false, ErrClosed
	}
	row := storage.Row{Table: table, Key: key, Room: c.room, TS: ts, Data: data}
	wrote, err := c.hub.store.Insert(row)
	if err != nil {
		return false, err
	}
	if wrote {
		c.hub.notifyRows(row)
	}
	return wrote, nil
}

func (c *memChannel) Upsert(_ context.Context, table, key string, ts int64, data []byte) error {
	if c.isClosed() {
		return ErrClosed
	}
	row := storage.Row{Table: table, Key: key, Room: c.room, TS: ts, Data: data}
	if err := c.hub.store.Upsert(row); err != nil {
		return err
	}
	c.hub.notifyRows(row)
	return nil
}

func (c *memChannel) Query(_ context.Context, table string, since int64) ([]storage.Row, error) {
	if c.isClosed() {
		return nil, ErrClosed
	}
	return c.hub.store.QueryRoom(table, c.room, since)
}

func (c *memChannel) SubscribeChanges(table string, fn func(storage.Row)) func() {
	c.hub.mu.Lock()
	id := c.hub.nextID
	c.hub.nextID++
	c.hub.rowsSubs[id] = &rowSub{room: c.room, table: table, fn: fn}
	c.hub.mu.Unlock()
	return func() {
		c.hub.mu.Lock()
		delete(c.hub.rowsSubs, id)
		c.hub.mu.Unlock()
	}
}

func (c *memChannel) Broadcast(_ context.Context, channel string, payload []byte) error {
	if c.isClosed() {
		return ErrClosed
	}
	c.hub.notifyBroadcast(c.room, channel, payload)
	return nil
}

func (c *memChannel) SubscribeBroadcast(channel string, fn func([]byte)) func() {
	c.hub.mu.Lock()
	id := c.hub.nextID
	c.hub.nextID++
	c.hub.bcastSubs[id] = &bcastSub{room: c.room, channel: channel, fn: fn}
	c.hub.mu.Unlock()
	return func() {
		c.hub.mu.Lock()
		delete(c.hub.bcastSubs, id)
		c.hub.mu.Unlock()
	}
}

func (c *memChannel) Close() error { return nil }

func (c *memChannel) isClosed() bool {
	c.hub.mu.RLock()
	defer c.hub.mu.RUnlock()
	return c.hub.closed
}
