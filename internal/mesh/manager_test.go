package mesh

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/orbitmeet/orbit/internal/proto"
)

// fakeWire routes signals between managers through an explicit queue so
// tests control delivery order, which the glare cases need to be
// deterministic.
type fakeWire struct {
	mu    sync.Mutex
	ends  map[string]*fakeSignaler
	queue []proto.Signal
}

func newFakeWire() *fakeWire {
	return &fakeWire{ends: map[string]*fakeSignaler{}}
}

func (w *fakeWire) end(id string) *fakeSignaler {
	w.mu.Lock()
	defer w.mu.Unlock()
	s := &fakeSignaler{wire: w, id: id}
	w.ends[id] = s
	return s
}

// pump delivers everything queued, including signals queued by the
// deliveries themselves, until the wire drains.
func (w *fakeWire) pump() {
	for {
		w.mu.Lock()
		if len(w.queue) == 0 {
			w.mu.Unlock()
			return
		}
		sig := w.queue[0]
		w.queue = w.queue[1:]
		target := w.ends[sig.TargetID]
		w.mu.Unlock()
		if target != nil {
			target.deliver(sig)
		}
	}
}

type fakeSignaler struct {
	wire *fakeWire
	id   string

	mu       sync.Mutex
	handlers []func(proto.Signal)
}

func (s *fakeSignaler) Send(_ context.Context, sig proto.Signal) error {
	sig.SenderID = s.id
	s.wire.mu.Lock()
	s.wire.queue = append(s.wire.queue, sig)
	s.wire.mu.Unlock()
	return nil
}

func (s *fakeSignaler) Subscribe(fn func(proto.Signal)) func() {
	s.mu.Lock()
	s.handlers = append(s.handlers, fn)
	s.mu.Unlock()
	return func() {}
}

func (s *fakeSignaler) deliver(sig proto.Signal) {
	s.mu.Lock()
	handlers := make([]func(proto.Signal), len(s.handlers))
	copy(handlers, s.handlers)
	s.mu.Unlock()
	for _, h := range handlers {
		h(sig)
	}
}

// fakeConnector hands out scripted links. connectOnAnswer controls whether
// establishment succeeds (OnConnected fires when the SDP exchange
// completes) or hangs forever (timeout paths). openErr makes every Open
// fail; openGate, when set, blocks Open until the gate closes so tests can
// interleave signals with an in-flight open.
type fakeConnector struct {
	mu              sync.Mutex
	opened          int
	links           map[string]*fakeLink
	all             []*fakeLink
	connectOnAnswer bool
	openErr         error
	openGate        chan struct{}
}

func newFakeConnector(connect bool) *fakeConnector {
	return &fakeConnector{links: map[string]*fakeLink{}, connectOnAnswer: connect}
}

func (c *fakeConnector) Open(remoteID string, ev LinkEvents) (Link, error) {
	c.mu.Lock()
	c.opened++
	if c.openErr != nil {
		c.mu.Unlock()
		return nil, c.openErr
	}
	l := &fakeLink{ev: ev, connect: c.connectOnAnswer}
	c.links[remoteID] = l
	c.all = append(c.all, l)
	gate := c.openGate
	c.mu.Unlock()
	if gate != nil {
		<-gate
	}
	return l, nil
}

func (c *fakeConnector) openCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.opened
}

type fakeLink struct {
	ev      LinkEvents
	connect bool

	mu     sync.Mutex
	closed bool
	video  any
}

func (l *fakeLink) CreateOffer(context.Context) (string, string, error) {
	return "offer-sdp", "offer", nil
}

func (l *fakeLink) HandleOffer(_ context.Context, _, _ string) (string, string, error) {
	if l.connect {
		l.ev.OnConnected()
	}
	return "answer-sdp", "answer", nil
}

func (l *fakeLink) HandleAnswer(context.Context, string, string) error {
	if l.connect {
		l.ev.OnConnected()
	}
	return nil
}

func (l *fakeLink) AddCandidate(string, *string, *uint16) error { return nil }

func (l *fakeLink) ReplaceVideoTrack(track any) error {
	l.mu.Lock()
	l.video = track
	l.mu.Unlock()
	return nil
}

func (l *fakeLink) Close() error {
	l.mu.Lock()
	l.closed = true
	l.mu.Unlock()
	return nil
}

func (l *fakeLink) isClosed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}

func roster(ids ...string) []proto.Participant {
	out := make([]proto.Participant, 0, len(ids))
	for _, id := range ids {
		out = append(out, proto.Participant{
			ID:     id,
			Status: proto.StatusApproved,
			Role:   proto.RoleParticipant,
		})
	}
	return out
}

func TestNeverConnectsToSelf(t *testing.T) {
	wire := newFakeWire()
	conn := newFakeConnector(true)
	m := New(wire.end("alice-01"), conn, "alice-01")
	defer m.Close()

	m.HandleRoster(roster("alice-01"))
	if conn.openCount() != 0 {
		t.Fatal("opened a link to self")
	}
	if len(m.Peers()) != 0 {
		t.Fatalf("self tracked as peer: %v", m.Peers())
	}
}

func TestOfferAnswerEstablishes(t *testing.T) {
	wire := newFakeWire()
	connA := newFakeConnector(true)
	connB := newFakeConnector(true)
	a := New(wire.end("alice-01"), connA, "alice-01")
	b := New(wire.end("bob-02"), connB, "bob-02")
	defer a.Close()
	defer b.Close()

	// Alice discovers bob; bob learns of alice only through the offer.
	a.HandleRoster(roster("alice-01", "bob-02"))
	wire.pump()

	if s := a.PeerState("bob-02"); s != StateConnected {
		t.Fatalf("offerer state = %s", s)
	}
	if s := b.PeerState("alice-01"); s != StateConnected {
		t.Fatalf("answerer state = %s", s)
	}
	// Exactly one link each: the offer did not provoke a counter-offer.
	if connA.openCount() != 1 || connB.openCount() != 1 {
		t.Fatalf("extra links opened: a=%d b=%d", connA.openCount(), connB.openCount())
	}
}

func TestGlareResolvesToOneConnection(t *testing.T) {
	// Both discover each other in the same refresh and offer before either
	// offer is delivered. Run both delivery orders.
	for _, first := range []string{"alice-01", "bob-02"} {
		t.Run("first offer from "+first, func(t *testing.T) {
			wire := newFakeWire()
			connA := newFakeConnector(true)
			connB := newFakeConnector(true)
			a := New(wire.end("alice-01"), connA, "alice-01")
			b := New(wire.end("bob-02"), connB, "bob-02")
			defer a.Close()
			defer b.Close()

			if first == "alice-01" {
				a.HandleRoster(roster("alice-01", "bob-02"))
				b.HandleRoster(roster("alice-01", "bob-02"))
			} else {
				b.HandleRoster(roster("alice-01", "bob-02"))
				a.HandleRoster(roster("alice-01", "bob-02"))
			}
			wire.pump()

			if s := a.PeerState("bob-02"); s != StateConnected {
				t.Fatalf("alice's view = %s", s)
			}
			if s := b.PeerState("alice-01"); s != StateConnected {
				t.Fatalf("bob's view = %s", s)
			}
			if n := len(a.Peers()); n != 1 {
				t.Fatalf("alice tracks %d peers", n)
			}
			if n := len(b.Peers()); n != 1 {
				t.Fatalf("bob tracks %d peers", n)
			}
		})
	}
}

func TestEstablishmentTimeoutAndBoundedRetry(t *testing.T) {
	wire := newFakeWire()
	conn := newFakeConnector(false) // never connects
	m := New(wire.end("alice-01"), conn, "alice-01",
		WithConnectTimeout(30*time.Millisecond), WithMaxAttempts(2))
	defer m.Close()

	waitFailed := func() {
		t.Helper()
		deadline := time.Now().Add(time.Second)
		for time.Now().Before(deadline) {
			if m.PeerState("bob-02") == StateFailed {
				return
			}
			time.Sleep(5 * time.Millisecond)
		}
		t.Fatalf("peer never failed, state=%s", m.PeerState("bob-02"))
	}

	m.HandleRoster(roster("alice-01", "bob-02"))
	if s := m.PeerState("bob-02"); s != StateConnecting {
		t.Fatalf("expected connecting, got %s", s)
	}
	waitFailed()

	// Roster still lists bob: one retry allowed.
	m.HandleRoster(roster("alice-01", "bob-02"))
	waitFailed()

	// Attempts exhausted: further refreshes must not reopen.
	m.HandleRoster(roster("alice-01", "bob-02"))
	if conn.openCount() != 2 {
		t.Fatalf("expected 2 attempts, got %d", conn.openCount())
	}
}

func TestDepartedPeerTornDown(t *testing.T) {
	wire := newFakeWire()
	conn := newFakeConnector(true)
	m := New(wire.end("alice-01"), conn, "alice-01")
	defer m.Close()

	m.HandleRoster(roster("alice-01", "bob-02"))
	wire.pump()

	m.HandleRoster(roster("alice-01"))
	if s := m.PeerState("bob-02"); s != StateNone {
		t.Fatalf("departed peer still tracked: %s", s)
	}
	conn.mu.Lock()
	closed := conn.links["bob-02"].closed
	conn.mu.Unlock()
	if !closed {
		t.Fatal("departed peer's link not closed")
	}

	// Teardown of an unknown peer is a no-op.
	m.Teardown("carol-03")
}

func TestWaitingPeerNotMeshed(t *testing.T) {
	wire := newFakeWire()
	conn := newFakeConnector(true)
	m := New(wire.end("alice-01"), conn, "alice-01")
	defer m.Close()

	m.HandleRoster([]proto.Participant{
		{ID: "alice-01", Status: proto.StatusApproved},
		{ID: "lobby-07", Status: proto.StatusWaiting},
		{ID: "helper-ai", Status: proto.StatusApproved, Role: proto.RoleAI},
	})
	if conn.openCount() != 0 {
		t.Fatal("offered to a waiting or AI participant")
	}
}

func TestReplaceOutboundVideoTrack(t *testing.T) {
	wire := newFakeWire()
	conn := newFakeConnector(true)
	m := New(wire.end("alice-01"), conn, "alice-01")
	defer m.Close()

	m.HandleRoster(roster("alice-01", "bob-02"))
	wire.pump()

	m.ReplaceOutboundVideoTrack("screen-track")
	conn.mu.Lock()
	video := conn.links["bob-02"].video
	conn.mu.Unlock()
	if video != "screen-track" {
		t.Fatalf("track not replaced: %v", video)
	}
}

func TestOpenErrorMarksPeerFailed(t *testing.T) {
	wire := newFakeWire()
	conn := newFakeConnector(true)
	conn.openErr = errors.New("no usable interfaces")
	m := New(wire.end("alice-01"), conn, "alice-01", WithMaxAttempts(2))
	defer m.Close()

	m.HandleRoster(roster("alice-01", "bob-02"))
	if s := m.PeerState("bob-02"); s != StateFailed {
		t.Fatalf("open failure not surfaced: %s", s)
	}

	// Failure still counts against the retry budget.
	m.HandleRoster(roster("alice-01", "bob-02"))
	m.HandleRoster(roster("alice-01", "bob-02"))
	if conn.openCount() != 2 {
		t.Fatalf("expected 2 attempts, got %d", conn.openCount())
	}
}

func TestOfferDuringOpenYieldsOneConnection(t *testing.T) {
	// Bob discovers alice and starts offering, but alice's offer lands
	// while bob's connector is still opening. Bob has the higher id, so he
	// must yield to alice's offer and end with exactly one link; the
	// abandoned one must be closed and its timer must never fire against
	// the survivor.
	wire := newFakeWire()
	conn := newFakeConnector(true)
	gate := make(chan struct{})
	conn.openGate = gate
	b := New(wire.end("bob-02"), conn, "bob-02",
		WithConnectTimeout(50*time.Millisecond))
	defer b.Close()

	waitOpens := func(n int) {
		t.Helper()
		deadline := time.Now().Add(time.Second)
		for time.Now().Before(deadline) {
			if conn.openCount() >= n {
				return
			}
			time.Sleep(time.Millisecond)
		}
		t.Fatalf("connector never reached %d opens (at %d)", n, conn.openCount())
	}

	rosterDone := make(chan struct{})
	go func() {
		b.HandleRoster(roster("alice-01", "bob-02"))
		close(rosterDone)
	}()
	waitOpens(1)

	offerDone := make(chan struct{})
	go func() {
		b.HandleSignal(proto.Signal{
			SenderID: "alice-01", TargetID: "bob-02",
			Kind: proto.SignalOffer, SDP: "offer-sdp", SDPType: "offer",
		})
		close(offerDone)
	}()
	waitOpens(2)

	close(gate)
	<-rosterDone
	<-offerDone

	if n := len(b.Peers()); n != 1 {
		t.Fatalf("one remote peer tracked as %d entries", n)
	}
	if s := b.PeerState("alice-01"); s != StateConnected {
		t.Fatalf("yielded answer did not establish: %s", s)
	}
	conn.mu.Lock()
	first := conn.all[0]
	conn.mu.Unlock()
	if !first.isClosed() {
		t.Fatal("abandoned offerer link leaked")
	}

	// Past the establishment timeout the surviving link must be untouched.
	time.Sleep(80 * time.Millisecond)
	if s := b.PeerState("alice-01"); s != StateConnected {
		t.Fatalf("stale timer failed the healthy link: %s", s)
	}
}

func TestReDeliveredOfferIgnored(t *testing.T) {
	wire := newFakeWire()
	connA := newFakeConnector(true)
	connB := newFakeConnector(true)
	a := New(wire.end("alice-01"), connA, "alice-01")
	b := New(wire.end("bob-02"), connB, "bob-02")
	defer a.Close()
	defer b.Close()

	a.HandleRoster(roster("alice-01", "bob-02"))
	wire.pump()

	// The transport re-delivers alice's offer; bob must not rebuild.
	b.HandleSignal(proto.Signal{
		SenderID: "alice-01", TargetID: "bob-02",
		Kind: proto.SignalOffer, SDP: "offer-sdp", SDPType: "offer",
	})
	wire.pump()
	if connB.openCount() != 1 {
		t.Fatalf("duplicate offer reopened the link: %d opens", connB.openCount())
	}
	if s := b.PeerState("alice-01"); s != StateConnected {
		t.Fatalf("state disturbed by duplicate offer: %s", s)
	}
}
