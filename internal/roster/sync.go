package roster

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"

	"github.com/orbitmeet/orbit/internal/proto"
	"github.com/orbitmeet/orbit/internal/storage"
	"github.com/orbitmeet/orbit/internal/transport"
)

var log = logging.Logger("roster")

// Tunables. Heartbeats land every interval; a participant missing for a
// full liveness window is considered departed. The window is several
// intervals wide so one dropped write never flaps presence.
const (
	DefaultHeartbeatInterval = 4 * time.Second
	DefaultLivenessWindow    = 40 * time.Second
)

// SelfState supplies the local participant record for each heartbeat.
// The session owns the record; the synchronizer only stamps LastSeen.
type SelfState func() proto.Participant

// Synchronizer keeps the room roster eventually consistent: it writes this
// identity's presence on a fixed tick and re-derives the participant list
// from the channel on both a timer and push invalidation. A failed write or
// read is logged and absorbed; callers always see the last good snapshot.
type Synchronizer struct {
	ch       transport.Channel
	room     string
	selfID   string
	self     SelfState
	interval time.Duration
	window   time.Duration

	table *Table

	mu           sync.Mutex
	lastSnapshot []proto.Participant
	callbacks    []func([]proto.Participant)

	retime    chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// Option tweaks a Synchronizer.
type Option func(*Synchronizer)

func WithHeartbeatInterval(d time.Duration) Option {
	return func(s *Synchronizer) { s.interval = d }
}

func WithLivenessWindow(d time.Duration) Option {
	return func(s *Synchronizer) { s.window = d }
}

// New creates a synchronizer for the local identity. Call Start to begin
// the heartbeat and refresh loops.
func New(ch transport.Channel, room, selfID string, self SelfState, opts ...Option) *Synchronizer {
	s := &Synchronizer{
		ch:       ch,
		room:     room,
		selfID:   selfID,
		self:     self,
		interval: DefaultHeartbeatInterval,
		window:   DefaultLivenessWindow,
		table:    NewTable(),
		retime:   make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Table exposes the local participant cache (for UI layers that want
// per-entry events rather than whole snapshots).
func (s *Synchronizer) Table() *Table { return s.table }

// Start begins heartbeating and roster refresh. The first heartbeat and
// refresh happen synchronously so the caller observes itself in the store
// before discovering peers.
func (s *Synchronizer) Start(ctx context.Context) {
	s.PublishHeartbeat(ctx)
	s.Refresh(ctx)
	go s.loop(ctx)
}

// loop drives the fixed-interval ticks. Push invalidation arrives via
// SubscribeChanges and coalesces into refreshCh so a heartbeat burst from a
// large room costs one query, not one per row.
func (s *Synchronizer) loop(ctx context.Context) {
	refreshCh := make(chan struct{}, 1)
	cancel := s.ch.SubscribeChanges(proto.TableParticipants, func(_ storage.Row) {
		select {
		case refreshCh <- struct{}{}:
		default:
		}
	})
	defer cancel()

	interval, _ := s.timings()
	hb := time.NewTicker(interval)
	defer hb.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		case <-hb.C:
			s.PublishHeartbeat(ctx)
			s.Refresh(ctx)
		case <-refreshCh:
			s.Refresh(ctx)
		case <-s.retime:
			interval, _ = s.timings()
			hb.Reset(interval)
		}
	}
}

// HeartbeatInterval returns the current heartbeat interval, so other
// presence writers (the assistant tile) stay in step with the session's
// configured timings.
func (s *Synchronizer) HeartbeatInterval() time.Duration {
	interval, _ := s.timings()
	return interval
}

func (s *Synchronizer) timings() (interval, window time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.interval, s.window
}

// SetTimings applies reloaded heartbeat and liveness settings while the
// loops are running. Non-positive values keep the current setting.
func (s *Synchronizer) SetTimings(interval, window time.Duration) {
	s.mu.Lock()
	if interval > 0 {
		s.interval = interval
	}
	if window > 0 {
		s.window = window
	}
	s.mu.Unlock()
	select {
	case s.retime <- struct{}{}:
	default:
	}
}

// PublishHeartbeat upserts the local participant record with a fresh
// LastSeen. Failure is logged and retried on the next tick; it never
// blocks call functionality.
func (s *Synchronizer) PublishHeartbeat(ctx context.Context) {
	rec := s.self()
	rec.ID = s.selfID
	rec.Room = s.room
	rec.LastSeen = proto.NowMillis()

	data, err := json.Marshal(rec)
	if err != nil {
		log.Errorw("marshal heartbeat", "id", s.selfID, "err", err)
		return
	}
	if err := s.ch.Upsert(ctx, proto.TableParticipants, rec.ID, rec.LastSeen, data); err != nil {
		log.Warnw("heartbeat write failed, retrying next tick", "id", s.selfID, "err", err)
	}
}

// Refresh queries the store for live participants and replaces the cached
// snapshot. On error the previous snapshot is kept and returned so the
// mesh never reacts to a transient read failure.
func (s *Synchronizer) Refresh(ctx context.Context) []proto.Participant {
	_, window := s.timings()
	since := proto.NowMillis() - window.Milliseconds()
	rows, err := s.ch.Query(ctx, proto.TableParticipants, since)
	if err != nil {
		log.Errorw("roster query failed, serving last snapshot",
			"room", s.room, "err", err)
		return s.Snapshot()
	}

	peers := make([]proto.Participant, 0, len(rows))
	for _, row := range rows {
		var p proto.Participant
		if err := json.Unmarshal(row.Data, &p); err != nil {
			log.Debugf("undecodable participant row %s: %v", row.Key, err)
			continue
		}
		peers = append(peers, p)
	}

	s.table.ReplaceAll(peers)

	s.mu.Lock()
	s.lastSnapshot = peers
	cbs := make([]func([]proto.Participant), len(s.callbacks))
	copy(cbs, s.callbacks)
	s.mu.Unlock()

	for _, cb := range cbs {
		cb(peers)
	}
	return peers
}

// Snapshot returns the last known roster including the local identity.
func (s *Synchronizer) Snapshot() []proto.Participant {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]proto.Participant, len(s.lastSnapshot))
	copy(out, s.lastSnapshot)
	return out
}

// Remotes returns the last known roster without the local identity, so the
// mesh layer can never be handed a record to connect to itself.
func (s *Synchronizer) Remotes() []proto.Participant {
	var out []proto.Participant
	for _, p := range s.Snapshot() {
		if p.ID != s.selfID {
			out = append(out, p)
		}
	}
	return out
}

// OnChange registers a callback invoked with each fresh snapshot (local
// identity included; mesh consumers use Remotes-style filtering on id).
func (s *Synchronizer) OnChange(cb func([]proto.Participant)) {
	s.mu.Lock()
	s.callbacks = append(s.callbacks, cb)
	s.mu.Unlock()
}

// Stop halts the loops. The participant row is left to expire by liveness
// unless the session deletes it on clean leave.
func (s *Synchronizer) Stop() {
	s.closeOnce.Do(func() { close(s.done) })
}
