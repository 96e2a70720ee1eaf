// Package mesh maintains exactly one live connection per remote admitted
// participant. Roster discovery decides who offers; an unsolicited offer is
// always answered. Establishment runs against an explicit timeout with
// bounded retries, so a dead peer costs a missing tile, never a hung room.
package mesh

import (
	"context"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"

	"github.com/orbitmeet/orbit/internal/proto"
	"github.com/orbitmeet/orbit/internal/signal"
)

var log = logging.Logger("mesh")

// State of one remote peer's connection.
type State int

const (
	StateNone State = iota
	StateConnecting
	StateConnected
	StateFailed
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateFailed:
		return "failed"
	case StateClosed:
		return "closed"
	default:
		return "none"
	}
}

// Defaults. The platform's own ICE timeout is far too long to wait on; the
// mesh marks a peer FAILED well before that and lets roster-driven retry
// take over.
const (
	DefaultConnectTimeout = 15 * time.Second
	DefaultMaxAttempts    = 3
)

// RemoteTrack surfaces one remote media stream to the display layer.
// Repeat deliveries for the same (peer, kind) replace the previous stream.
type RemoteTrack struct {
	PeerID string
	Kind   string // "audio" | "video"
	Track  any    // *webrtc.TrackRemote for the pion connector
}

// LinkEvents are the callbacks a Link reports into.
type LinkEvents struct {
	OnConnected func()
	OnFailed    func()
	OnTrack     func(kind string, track any)
	OnCandidate func(candidate string, mid *string, mline *uint16)
}

// Link is one transport-level connection to a remote peer. The pion
// implementation wraps a real PeerConnection; tests use a scripted fake.
type Link interface {
	// CreateOffer produces the local offer SDP (local description set).
	CreateOffer(ctx context.Context) (sdp, sdpType string, err error)
	// HandleOffer applies a remote offer and produces the answer SDP.
	HandleOffer(ctx context.Context, sdp, sdpType string) (answer, answerType string, err error)
	// HandleAnswer applies the remote answer to a previously sent offer.
	HandleAnswer(ctx context.Context, sdp, sdpType string) error
	// AddCandidate applies (or buffers) one remote ICE candidate.
	AddCandidate(candidate string, mid *string, mline *uint16) error
	// ReplaceVideoTrack swaps the outbound video source without
	// renegotiating from scratch.
	ReplaceVideoTrack(track any) error
	Close() error
}

// Connector creates Links. It owns the platform side: peer connection
// construction, local capture attachment, ICE configuration.
type Connector interface {
	Open(remoteID string, ev LinkEvents) (Link, error)
}

type peerLink struct {
	remoteID string
	state    State
	link     Link
	offerer  bool
	attempts int
	timer    *time.Timer
}

// Manager owns the per-peer links and routes signaling to them.
type Manager struct {
	sig       signal.Signaler
	connector Connector
	localID   string

	connectTimeout time.Duration
	maxAttempts    int

	mu    sync.Mutex
	peers map[string]*peerLink

	trackMu sync.RWMutex
	onTrack func(RemoteTrack)
	onState func(remoteID string, s State)

	cancelSig func()
	closeOnce sync.Once
	done      chan struct{}
}

// Option tweaks a Manager.
type Option func(*Manager)

func WithConnectTimeout(d time.Duration) Option {
	return func(m *Manager) { m.connectTimeout = d }
}

func WithMaxAttempts(n int) Option {
	return func(m *Manager) { m.maxAttempts = n }
}

// New creates a mesh manager and starts consuming signals immediately.
func New(sig signal.Signaler, connector Connector, localID string, opts ...Option) *Manager {
	m := &Manager{
		sig:            sig,
		connector:      connector,
		localID:        localID,
		connectTimeout: DefaultConnectTimeout,
		maxAttempts:    DefaultMaxAttempts,
		peers:          make(map[string]*peerLink),
		done:           make(chan struct{}),
	}
	for _, o := range opts {
		o(m)
	}
	m.cancelSig = sig.Subscribe(m.HandleSignal)
	return m
}

// OnRemoteTrack registers the display-layer callback. Multiple deliveries
// for one (peer, kind) mean "replace", never "add".
func (m *Manager) OnRemoteTrack(fn func(RemoteTrack)) {
	m.trackMu.Lock()
	m.onTrack = fn
	m.trackMu.Unlock()
}

// OnStateChange registers a callback for per-peer state transitions.
func (m *Manager) OnStateChange(fn func(remoteID string, s State)) {
	m.trackMu.Lock()
	m.onState = fn
	m.trackMu.Unlock()
}

// HandleRoster reconciles the mesh against a fresh roster snapshot: new
// meshable remotes get an offer from this (discovering) side, departed
// remotes are torn down, failed ones are retried while attempts remain.
func (m *Manager) HandleRoster(peers []proto.Participant) {
	seen := make(map[string]bool, len(peers))
	for _, p := range peers {
		if p.ID == m.localID {
			continue // never a connection to self
		}
		seen[p.ID] = p.Meshable()
		if p.Meshable() {
			m.EnsureConnection(p.ID, true)
		}
	}

	m.mu.Lock()
	var gone []string
	for id := range m.peers {
		if !seen[id] {
			gone = append(gone, id)
		}
	}
	m.mu.Unlock()
	for _, id := range gone {
		m.Teardown(id)
	}
}

// EnsureConnection is idempotent: an existing live link is left alone.
// shouldOffer is true only on the roster-discovery path; inbound signals
// create answerer links via HandleSignal instead.
func (m *Manager) EnsureConnection(remoteID string, shouldOffer bool) {
	if remoteID == m.localID {
		return
	}

	m.mu.Lock()
	pl, ok := m.peers[remoteID]
	if ok {
		switch pl.state {
		case StateConnecting, StateConnected:
			m.mu.Unlock()
			return
		case StateFailed:
			if pl.attempts >= m.maxAttempts {
				m.mu.Unlock()
				return
			}
			// fall through: retry below with attempts carried over
		}
	}
	attempts := 0
	if pl != nil {
		attempts = pl.attempts
	}
	npl := &peerLink{remoteID: remoteID, offerer: shouldOffer, attempts: attempts + 1, state: StateConnecting}
	m.peers[remoteID] = npl
	m.mu.Unlock()
	m.notifyState(remoteID, StateConnecting)

	link, err := m.connector.Open(remoteID, m.linkEvents(remoteID))
	if err != nil {
		log.Errorw("open link", "peer", remoteID, "err", err)
		m.failLinkEntry(remoteID, npl)
		return
	}

	m.mu.Lock()
	if m.peers[remoteID] != npl {
		// Superseded while the connector was opening: a glare yield or a
		// teardown replaced this entry, and the replacement owns the peer.
		m.mu.Unlock()
		_ = link.Close()
		return
	}
	npl.link = link
	npl.timer = time.AfterFunc(m.connectTimeout, func() { m.onConnectTimeout(remoteID, npl) })
	m.mu.Unlock()

	if !shouldOffer {
		return // answerer waits for the offer signal
	}

	ctx, cancel := context.WithTimeout(context.Background(), m.connectTimeout)
	defer cancel()
	sdp, sdpType, err := link.CreateOffer(ctx)
	if err != nil {
		log.Errorw("create offer", "peer", remoteID, "err", err)
		m.failLinkEntry(remoteID, npl)
		return
	}
	err = m.sig.Send(ctx, proto.Signal{
		TargetID: remoteID,
		Kind:     proto.SignalOffer,
		SDP:      sdp,
		SDPType:  sdpType,
	})
	if err != nil {
		// Silence and unreachability look identical from here; the
		// establishment timer sorts it out.
		log.Warnw("send offer", "peer", remoteID, "err", err)
	}
}

// HandleSignal routes one inbound signal. An offer for an unknown peer
// means the sender discovered us first: we answer, we do not also offer.
func (m *Manager) HandleSignal(sig proto.Signal) {
	select {
	case <-m.done:
		return
	default:
	}

	switch sig.Kind {
	case proto.SignalOffer:
		m.handleOffer(sig)
	case proto.SignalAnswer:
		m.handleAnswer(sig)
	case proto.SignalICE:
		m.handleCandidate(sig)
	}
}

func (m *Manager) handleOffer(sig proto.Signal) {
	remoteID := sig.SenderID

	m.mu.Lock()
	pl, ok := m.peers[remoteID]
	if ok && pl.state == StateConnecting && pl.offerer {
		// Glare: both sides discovered each other in the same refresh and
		// offered. Exactly one connection must survive; the peer with the
		// lower id yields its own offer and answers instead.
		if m.localID < remoteID {
			m.mu.Unlock()
			log.Debugw("glare: holding own offer", "peer", remoteID)
			return // remote yields and answers ours
		}
		log.Debugw("glare: yielding to remote offer", "peer", remoteID)
		m.closeLinkLocked(pl)
		delete(m.peers, remoteID)
		ok = false
	} else if ok && (pl.state == StateConnected || (pl.state == StateConnecting && !pl.offerer)) {
		m.mu.Unlock()
		return // re-delivered offer; already handled
	}
	m.mu.Unlock()

	m.EnsureConnection(remoteID, false)

	m.mu.Lock()
	pl, ok = m.peers[remoteID]
	if !ok || pl.link == nil {
		m.mu.Unlock()
		return
	}
	link := pl.link
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), m.connectTimeout)
	defer cancel()
	answer, answerType, err := link.HandleOffer(ctx, sig.SDP, sig.SDPType)
	if err != nil {
		log.Errorw("handle offer", "peer", remoteID, "err", err)
		m.failLink(remoteID)
		return
	}
	err = m.sig.Send(ctx, proto.Signal{
		TargetID: remoteID,
		Kind:     proto.SignalAnswer,
		SDP:      answer,
		SDPType:  answerType,
	})
	if err != nil {
		log.Warnw("send answer", "peer", remoteID, "err", err)
	}
}

func (m *Manager) handleAnswer(sig proto.Signal) {
	m.mu.Lock()
	pl, ok := m.peers[sig.SenderID]
	if !ok || pl.link == nil || !pl.offerer {
		m.mu.Unlock()
		return
	}
	link := pl.link
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), m.connectTimeout)
	defer cancel()
	if err := link.HandleAnswer(ctx, sig.SDP, sig.SDPType); err != nil {
		log.Errorw("handle answer", "peer", sig.SenderID, "err", err)
		m.failLink(sig.SenderID)
	}
}

func (m *Manager) handleCandidate(sig proto.Signal) {
	m.mu.Lock()
	pl, ok := m.peers[sig.SenderID]
	if !ok || pl.link == nil {
		m.mu.Unlock()
		return // candidate for a peer we never met; drop
	}
	link := pl.link
	m.mu.Unlock()

	if err := link.AddCandidate(sig.Candidate, sig.SDPMid, sig.SDPMLine); err != nil {
		log.Debugw("add candidate", "peer", sig.SenderID, "err", err)
	}
}

// linkEvents builds the callback set for one peer's link.
func (m *Manager) linkEvents(remoteID string) LinkEvents {
	return LinkEvents{
		OnConnected: func() {
			m.mu.Lock()
			pl, ok := m.peers[remoteID]
			if ok && pl.timer != nil {
				pl.timer.Stop()
			}
			if ok {
				pl.state = StateConnected
				pl.attempts = 0
			}
			m.mu.Unlock()
			if ok {
				log.Infof("peer %s connected", remoteID)
				m.notifyState(remoteID, StateConnected)
			}
		},
		OnFailed: func() { m.failLink(remoteID) },
		OnTrack: func(kind string, track any) {
			m.trackMu.RLock()
			fn := m.onTrack
			m.trackMu.RUnlock()
			if fn != nil {
				fn(RemoteTrack{PeerID: remoteID, Kind: kind, Track: track})
			}
		},
		OnCandidate: func(candidate string, mid *string, mline *uint16) {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			err := m.sig.Send(ctx, proto.Signal{
				TargetID:  remoteID,
				Kind:      proto.SignalICE,
				Candidate: candidate,
				SDPMid:    mid,
				SDPMLine:  mline,
			})
			if err != nil {
				log.Debugw("send candidate", "peer", remoteID, "err", err)
			}
		},
	}
}

func (m *Manager) onConnectTimeout(remoteID string, pl *peerLink) {
	m.mu.Lock()
	if m.peers[remoteID] != pl || pl.state != StateConnecting {
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()
	log.Warnf("peer %s: establishment timeout after %s", remoteID, m.connectTimeout)
	m.failLinkEntry(remoteID, pl)
}

// failLink marks the peer FAILED and closes its link. Retry is
// roster-driven: the next refresh that still lists the peer re-offers
// while attempts remain.
func (m *Manager) failLink(remoteID string) {
	m.mu.Lock()
	pl, ok := m.peers[remoteID]
	m.mu.Unlock()
	if !ok {
		return
	}
	m.failLinkEntry(remoteID, pl)
}

// failLinkEntry is failLink restricted to one map entry, so a link that
// was superseded while the manager ran unlocked cannot fail its
// replacement.
func (m *Manager) failLinkEntry(remoteID string, pl *peerLink) {
	m.mu.Lock()
	if m.peers[remoteID] != pl || pl.state == StateClosed || pl.state == StateFailed {
		m.mu.Unlock()
		return
	}
	m.closeLinkLocked(pl)
	pl.state = StateFailed
	m.mu.Unlock()
	m.notifyState(remoteID, StateFailed)
}

// Teardown closes and forgets a peer. Safe on unknown or already-closed
// peers.
func (m *Manager) Teardown(remoteID string) {
	m.mu.Lock()
	pl, ok := m.peers[remoteID]
	if !ok {
		m.mu.Unlock()
		return
	}
	m.closeLinkLocked(pl)
	pl.state = StateClosed
	delete(m.peers, remoteID)
	m.mu.Unlock()
	log.Infof("peer %s torn down", remoteID)
	m.notifyState(remoteID, StateClosed)
}

// closeLinkLocked stops the timer and closes the link. Caller holds m.mu.
func (m *Manager) closeLinkLocked(pl *peerLink) {
	if pl.timer != nil {
		pl.timer.Stop()
	}
	if pl.link != nil {
		_ = pl.link.Close()
		pl.link = nil
	}
}

// ReplaceOutboundVideoTrack swaps the video source on every live link:
// camera to screen capture and back. New links pick up the current source
// from the connector itself.
func (m *Manager) ReplaceOutboundVideoTrack(track any) {
	m.mu.Lock()
	links := make([]Link, 0, len(m.peers))
	for _, pl := range m.peers {
		if pl.link != nil {
			links = append(links, pl.link)
		}
	}
	m.mu.Unlock()
	for _, l := range links {
		if err := l.ReplaceVideoTrack(track); err != nil {
			log.Warnw("replace video track", "err", err)
		}
	}
}

// PeerState reports the current state for a remote id.
func (m *Manager) PeerState(remoteID string) State {
	m.mu.Lock()
	defer m.mu.Unlock()
	if pl, ok := m.peers[remoteID]; ok {
		return pl.state
	}
	return StateNone
}

// Peers returns the ids of all tracked peers.
func (m *Manager) Peers() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.peers))
	for id := range m.peers {
		out = append(out, id)
	}
	return out
}

func (m *Manager) notifyState(remoteID string, s State) {
	m.trackMu.RLock()
	fn := m.onState
	m.trackMu.RUnlock()
	if fn != nil {
		fn(remoteID, s)
	}
}

// Close tears down every link and stops consuming signals.
func (m *Manager) Close() {
	m.closeOnce.Do(func() {
		close(m.done)
		if m.cancelSig != nil {
			m.cancelSig()
		}
		for _, id := range m.Peers() {
			m.Teardown(id)
		}
	})
}
