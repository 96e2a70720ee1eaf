package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"
	libp2p "github.com/libp2p/go-libp2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	manet "github.com/multiformats/go-multiaddr/net"

	"github.com/orbitmeet/orbit/internal/storage"
)

var log = logging.Logger("transport")

func init() {
	// Silence noisy libp2p subsystems; dial failures and backoff errors
	// go to stderr by default and pollute terminal output.
	logging.SetLogLevel("swarm2", "error")
	logging.SetLogLevel("autonat", "warn")
}

// DefaultMdnsTag is the LAN discovery service tag used when the caller
// passes an empty one.
const DefaultMdnsTag = "orbit-mdns"

// Node owns the libp2p host and gossipsub router shared by every room
// channel this client opens.
type Node struct {
	host host.Host
	ps   *pubsub.PubSub
}

type mdnsNotifee struct {
	h host.Host
}

func (n *mdnsNotifee) HandlePeerFound(pi peer.AddrInfo) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_ = n.h.Connect(ctx, pi)
}

// NewNode starts a libp2p host listening on the given TCP port (0 picks a
// free one) with LAN discovery via mDNS and a gossipsub router on top.
// Clients only find each other when they share the mdnsTag; an empty tag
// uses DefaultMdnsTag.
func NewNode(ctx context.Context, listenPort int, mdnsTag string) (*Node, error) {
	if mdnsTag == "" {
		mdnsTag = DefaultMdnsTag
	}
	h, err := libp2p.New(
		libp2p.ListenAddrStrings(fmt.Sprintf("/ip4/0.0.0.0/tcp/%d", listenPort)),
	)
	if err != nil {
		return nil, err
	}

	md := mdns.NewMdnsService(h, mdnsTag, &mdnsNotifee{h: h})
	if err := md.Start(); err != nil {
		_ = h.Close()
		return nil, err
	}

	ps, err := pubsub.NewGossipSub(ctx, h)
	if err != nil {
		_ = h.Close()
		return nil, err
	}

	log.Infof("node up, id=%s", h.ID())
	return &Node{host: h, ps: ps}, nil
}

// ID returns the libp2p peer id of this node.
func (n *Node) ID() string { return n.host.ID().String() }

// Addrs returns the node's reachable multiaddresses, filtered to exclude
// loopback and link-local, the ones worth printing for a remote joiner.
func (n *Node) Addrs() []string {
	var out []string
	for _, a := range n.host.Addrs() {
		ip, err := manet.ToIP(a)
		if err != nil {
			continue
		}
		if ip.IsLoopback() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() {
			continue
		}
		out = append(out, a.String())
	}
	return out
}

func (n *Node) Close() error { return n.host.Close() }

// pubsubEnvelope is the wire frame on both room topics. Row replication
// frames set Op + the row fields; broadcast frames set Channel + Payload.
type pubsubEnvelope struct {
	Op      string `json:"op"` // "insert" | "upsert" | "bcast"
	Table   string `json:"table,omitempty"`
	Key     string `json:"key,omitempty"`
	TS      int64  `json:"ts,omitempty"`
	Data    []byte `json:"data,omitempty"`
	Channel string `json:"channel,omitempty"`
	Payload []byte `json:"payload,omitempty"`
}

// PubSubChannel replicates durable rows over a per-room gossipsub topic
// into a local SQLite replica, and carries broadcasts on a second topic.
// Queries are answered from the replica, so a flaky mesh degrades reads to
// staleness instead of errors.
type PubSubChannel struct {
	node  *Node
	room  string
	store *storage.DB

	rowsTopic  *pubsub.Topic
	bcastTopic *pubsub.Topic
	rowsSub    *pubsub.Subscription
	bcastSub   *pubsub.Subscription

	mu        sync.RWMutex
	rowsSubs  map[int]*rowSub
	bcastSubs map[int]*bcastSub
	nextID    int
	closed    bool

	cancel context.CancelFunc
}

// NewPubSubChannel joins the room's topics. stateDir holds this client's
// replica database; pass ":memory:" for an ephemeral replica.
func NewPubSubChannel(ctx context.Context, node *Node, room, stateDir string) (*PubSubChannel, error) {
	store, err := storage.Open(stateDir)
	if err != nil {
		return nil, err
	}

	rowsTopic, err := node.ps.Join("orbit.rows." + room)
	if err != nil {
		store.Close()
		return nil, err
	}
	bcastTopic, err := node.ps.Join("orbit.bcast." + room)
	if err != nil {
		store.Close()
		return nil, err
	}
	rowsSub, err := rowsTopic.Subscribe()
	if err != nil {
		store.Close()
		return nil, err
	}
	bsub, err := bcastTopic.Subscribe()
	if err != nil {
		store.Close()
		return nil, err
	}

	loopCtx, cancel := context.WithCancel(ctx)
	c := &PubSubChannel{
		node:       node,
		room:       room,
		store:      store,
		rowsTopic:  rowsTopic,
		bcastTopic: bcastTopic,
		rowsSub:    rowsSub,
		bcastSub:   bsub,
		rowsSubs:   make(map[int]*rowSub),
		bcastSubs:  make(map[int]*bcastSub),
		cancel:     cancel,
	}
	go c.rowsLoop(loopCtx)
	go c.bcastLoop(loopCtx)
	return c, nil
}

func (c *PubSubChannel) rowsLoop(ctx context.Context) {
	for {
		m, err := c.rowsSub.Next(ctx)
		if err != nil {
			return
		}
		if m.ReceivedFrom == c.node.host.ID() {
			continue // local writes are applied synchronously in Insert/Upsert
		}
		var env pubsubEnvelope
		if err := json.Unmarshal(m.Data, &env); err != nil {
			log.Debugf("rows frame from %s undecodable: %v", m.ReceivedFrom, err)
			continue
		}
		c.applyRemote(env)
	}
}

func (c *PubSubChannel) bcastLoop(ctx context.Context) {
	for {
		m, err := c.bcastSub.Next(ctx)
		if err != nil {
			return
		}
		if m.ReceivedFrom == c.node.host.ID() {
			continue
		}
		var env pubsubEnvelope
		if err := json.Unmarshal(m.Data, &env); err != nil {
			continue
		}
		if env.Op != "bcast" {
			continue
		}
		c.notifyBroadcast(env.Channel, env.Payload)
	}
}

// applyRemote applies a replicated row with the same idempotent semantics
// as a local write and fires change handlers only when something changed.
func (c *PubSubChannel) applyRemote(env pubsubEnvelope) {
	row := storage.Row{Table: env.Table, Key: env.Key, Room: c.room, TS: env.TS, Data: env.Data}
	switch env.Op {
	case "insert":
		wrote, err := c.store.Insert(row)
		if err != nil {
			log.Errorw("apply replicated insert", "table", env.Table, "key", env.Key, "err", err)
			return
		}
		if !wrote {
			return // duplicate delivery
		}
	case "upsert":
		if err := c.store.Upsert(row); err != nil {
			log.Errorw("apply replicated upsert", "table", env.Table, "key", env.Key, "err", err)
			return
		}
	default:
		return
	}
	c.notifyRows(row)
}

func (c *PubSubChannel) publishRow(ctx context.Context, op string, row storage.Row) error {
	env := pubsubEnvelope{Op: op, Table: row.Table, Key: row.Key, TS: row.TS, Data: row.Data}
	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return c.rowsTopic.Publish(ctx, b)
}

func (c *PubSubChannel) Insert(ctx context.Context, table, key string, ts int64, data []byte) (bool, error) {
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
	if err := c.publishRow(ctx, "insert", row); err != nil {
		// The local write stands; replication catches up on the next
		// publish for this table. Callers treat this as transient.
		return true, fmt.Errorf("publish insert %s/%s: %w", table, key, err)
	}
	c.notifyRows(row)
	return true, nil
}

func (c *PubSubChannel) Upsert(ctx context.Context, table, key string, ts int64, data []byte) error {
	if c.isClosed() {
		return ErrClosed
	}
	row := storage.Row{Table: table, Key: key, Room: c.room, TS: ts, Data: data}
	if err := c.store.Upsert(row); err != nil {
		return err
	}
	if err := c.publishRow(ctx, "upsert", row); err != nil {
		return fmt.Errorf("publish upsert %s/%s: %w", table, key, err)
	}
	c.notifyRows(row)
	return nil
}

func (c *PubSubChannel) Query(_ context.Context, table string, since int64) ([]storage.Row, error) {
	if c.isClosed() {
		return nil, ErrClosed
	}
	return c.store.QueryRoom(table, c.room, since)
}

func (c *PubSubChannel) SubscribeChanges(table string, fn func(storage.Row)) func() {
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

func (c *PubSubChannel) Broadcast(ctx context.Context, channel string, payload []byte) error {
	if c.isClosed() {
		return ErrClosed
	}
	env := pubsubEnvelope{Op: "bcast", Channel: channel, Payload: payload}
	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return c.bcastTopic.Publish(ctx, b)
}

func (c *PubSubChannel) SubscribeBroadcast(channel string, fn func([]byte)) func() {
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

func (c *PubSubChannel) notifyRows(row storage.Row) {
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

func (c *PubSubChannel) notifyBroadcast(channel string, payload []byte) {
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

func (c *PubSubChannel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.cancel()
	c.rowsSub.Cancel()
	c.bcastSub.Cancel()
	_ = c.rowsTopic.Close()
	_ = c.bcastTopic.Close()
	return c.store.Close()
}

func (c *PubSubChannel) isClosed() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.closed
}
