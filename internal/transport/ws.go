package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/orbitmeet/orbit/internal/storage"
)

const (
	wsWriteTimeout  = 5 * time.Second
	wsRedialBackoff = 3 * time.Second
	wsPingInterval  = 20 * time.Second
)

// WSChannel is the hosted-relay backend: one websocket per (client, room)
// to a relay that fans every frame out to the room's other members. Durable
// rows land in a local replica exactly as in the pubsub backend, so the
// relay stays a dumb pipe and queries never leave the process.
//
// Used when the client cannot reach peers over LAN pubsub (hosted
// deployments behind NAT without a relay peer).
type WSChannel struct {
	room  string
	store *storage.DB

	connMu sync.Mutex
	conn   *websocket.Conn

	mu        sync.RWMutex
	rowsSubs  map[int]*rowSub
	bcastSubs map[int]*bcastSub
	nextID    int
	closed    bool

	cancel context.CancelFunc
}

// wsFrame is the relay wire format, shared with pubsubEnvelope's field set.
type wsFrame = pubsubEnvelope

// NewWSChannel dials relayURL (ws:// or wss://), joining the room as a path
// segment the way the relay multiplexes rooms. stateDir as in
// NewPubSubChannel.
func NewWSChannel(ctx context.Context, relayURL, room, stateDir string) (*WSChannel, error) {
	u, err := url.Parse(relayURL)
	if err != nil {
		return nil, fmt.Errorf("relay url: %w", err)
	}
	u.Path = "/rooms/" + room

	store, err := storage.Open(stateDir)
	if err != nil {
		return nil, err
	}

	loopCtx, cancel := context.WithCancel(ctx)
	c := &WSChannel{
		room:      room,
		store:     store,
		rowsSubs:  make(map[int]*rowSub),
		bcastSubs: make(map[int]*bcastSub),
		cancel:    cancel,
	}

	conn, _, err := websocket.DefaultDialer.DialContext(loopCtx, u.String(), nil)
	if err != nil {
		cancel()
		store.Close()
		return nil, fmt.Errorf("dial relay: %w", err)
	}
	c.conn = conn
	log.Infof("relay connected: %s room=%s", u.Host, room)

	go c.readLoop(loopCtx, u.String())
	go c.pingLoop(loopCtx)
	return c, nil
}

// readLoop drains relay frames and redials with backoff on failure. A
// reconnect re-delivers nothing; missed rows surface on the next write
// from their originator, which is tolerable staleness for heartbeat-driven
// state.
func (c *WSChannel) readLoop(ctx context.Context, dialURL string) {
	for {
		c.connMu.Lock()
		conn := c.conn
		c.connMu.Unlock()

		if conn != nil {
			for {
				_, data, err := conn.ReadMessage()
				if err != nil {
					log.Warnf("relay read: %v", err)
					break
				}
				var f wsFrame
				if err := json.Unmarshal(data, &f); err != nil {
					continue
				}
				c.handleFrame(f)
			}
			conn.Close()
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(wsRedialBackoff):
		}

		nc, _, err := websocket.DefaultDialer.DialContext(ctx, dialURL, nil)
		if err != nil {
			log.Warnf("relay redial: %v", err)
			c.connMu.Lock()
			c.conn = nil
			c.connMu.Unlock()
			continue
		}
		log.Infof("relay reconnected")
		c.connMu.Lock()
		c.conn = nc
		c.connMu.Unlock()
	}
}

func (c *WSChannel) pingLoop(ctx context.Context) {
	t := time.NewTicker(wsPingInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			c.connMu.Lock()
			if c.conn != nil {
				_ = c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteTimeout))
			}
			c.connMu.Unlock()
		}
	}
}

func (c *WSChannel) handleFrame(f wsFrame) {
	switch f.Op {
	case "insert", "upsert":
		row := storage.Row{Table: f.Table, Key: f.Key, Room: c.room, TS: f.TS, Data: f.Data}
		if f.Op == "insert" {
			wrote, err := c.store.Insert(row)
			if err != nil || !wrote {
				return
			}
		} else {
			if err := c.store.Upsert(row); err != nil {
				return
			}
		}
		c.notifyRows(row)
	case "bcast":
		c.notifyBroadcast(f.Channel, f.Payload)
	}
}

func (c *WSChannel) writeFrame(f wsFrame) error {
	b, err := json.Marshal(f)
	if err != nil {
		return err
	}
	c.connMu.Lock()
	defer c.connMu.Unlock()
	if c.conn == nil {
		return fmt.Errorf("relay not connected")
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return c.conn.WriteMessage(websocket.TextMessage, b)
}

func (c *WSChannel) Insert(_ context.Context, table, key string, ts int64, data []byte) (bool, error) {
	if c.isClosed() {
		return false, ErrClosed
	}
	row := storage.Row{Table: table, Key: key, Room: c.room, TS: ts, Data: data}
	wrote, err := c.store.Insert(row)
	if err != nil {
		return false, err
	}
	if !wrote {
		return false, nil
	}
	if err := c.writeFrame(wsFrame{Op: "insert", Table: table, Key: key, TS: ts, Data: data}); err != nil {
		return true, fmt.Errorf("relay insert %s/%s: %w", table, key, err)
	}
	c.notifyRows(row)
	return true, nil
}

func (c *WSChannel) Upsert(_ context.Context, table, key string, ts int64, data []byte) error {
	if c.isClosed() {
		return ErrClosed
	}
	row := storage.Row{Table: table, Key: key, Room: c.room, TS: ts, Data: data}
	if err := c.store.Upsert(row); err != nil {
		return err
	}
	if err := c.writeFrame(wsFrame{Op: "upsert", Table: table, Key: key, TS: ts, Data: data}); err != nil {
		return fmt.Errorf("relay upsert %s/%s: %w", table, key, err)
	}
	c.notifyRows(row)
	return nil
}

func (c *WSChannel) Query(_ context.Context, table string, since int64) ([]storage.Row, error) {
	if c.isClosed() {
		return nil, ErrClosed
	}
	return c.store.QueryRoom(table, c.room, since)
}

func (c *WSChannel) SubscribeChanges(table string, fn func(storage.Row)) func() {
	c.mu.Lock()
	id := c.nextID
	c.nextID++
	c.rowsSubs[id] = &rowSub{room: c.room, table: table, fn: fn}
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		delete(c.rowsSubs, id)
		c.mu.Unlock()
	}
}

func (c *WSChannel) Broadcast(_ context.Context, channel string, payload []byte) error {
	if c.isClosed() {
		return ErrClosed
	}
	return c.writeFrame(wsFrame{Op: "bcast", Channel: channel, Payload: payload})
}

func (c *WSChannel) SubscribeBroadcast(channel string, fn func([]byte)) func() {
	c.mu.Lock()
	id := c.nextID
	c.nextID++
	c.bcastSubs[id] = &bcastSub{room: c.room, channel: channel, fn: fn}
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		delete(c.bcastSubs, id)
		c.mu.Unlock()
	}
}

func (c *WSChannel) notifyRows(row storage.Row) {
	c.mu.RLock()
	subs := make([]*rowSub, 0, len(c.rowsSubs))
	for _, s := range c.rowsSubs {
		if s.table == row.Table {
			subs = append(subs, s)
		}
	}
	c.mu.RUnlock()
	for _, s := range subs {
		s.fn(row)
	}
}

func (c *WSChannel) notifyBroadcast(channel string, payload []byte) {
	c.mu.RLock()
	subs := make([]*bcastSub, 0, len(c.bcastSubs))
	for _, s := range c.bcastSubs {
		if s.channel == channel {
			subs = append(subs, s)
		}
	}
	c.mu.RUnlock()
	for _, s := range subs {
		s.fn(payload)
	}
}

func (c *WSChannel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.cancel()
	c.connMu.Lock()
	if c.conn != nil {
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(wsWriteTimeout))
		c.conn.Close()
		c.conn = nil
	}
	c.connMu.Unlock()
	return c.store.Close()
}

func (c *WSChannel) isClosed() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.closed
}
