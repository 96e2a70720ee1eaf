package roster

import (
	"context"
	"testing"
	"time"

	"github.com/orbitmeet/orbit/internal/proto"
	"github.com/orbitmeet/orbit/internal/transport"
)

func newSync(t *testing.T, hub *transport.Hub, room, id, name string, opts ...Option) *Synchronizer {
	t.Helper()
	self := func() proto.Participant {
		return proto.Participant{Name: name, Role: proto.RoleParticipant, Status: proto.StatusApproved}
	}
	s := New(hub.Channel(room), room, id, self, opts...)
	t.Cleanup(s.Stop)
	return s
}

func TestHeartbeatVisibleToPeers(t *testing.T) {
	hub, err := transport.NewHub()
	if err != nil {
		t.Fatal(err)
	}
	defer hub.Close()
	ctx := context.Background()

	alice := newSync(t, hub, "standup", "alice-01", "Alice")
	bob := newSync(t, hub, "standup", "bob-02", "Bob")

	alice.PublishHeartbeat(ctx)
	bob.PublishHeartbeat(ctx)

	peers := alice.Refresh(ctx)
	if len(peers) != 2 {
		t.Fatalf("expected 2 participants, got %d", len(peers))
	}

	remotes := alice.Remotes()
	if len(remotes) != 1 || remotes[0].ID != "bob-02" {
		t.Fatalf("self not filtered from remotes: %+v", remotes)
	}
}

func TestHeartbeatIdempotent(t *testing.T) {
	hub, err := transport.NewHub()
	if err != nil {
		t.Fatal(err)
	}
	defer hub.Close()
	ctx := context.Background()

	alice := newSync(t, hub, "standup", "alice-01", "Alice")

	// Repeated heartbeats update the same row; the roster never grows.
	for i := 0; i < 5; i++ {
		alice.PublishHeartbeat(ctx)
		time.Sleep(2 * time.Millisecond) // distinct LastSeen values
	}
	if peers := alice.Refresh(ctx); len(peers) != 1 {
		t.Fatalf("heartbeats duplicated the participant: %d rows", len(peers))
	}
}

func TestLivenessWindowPrunes(t *testing.T) {
	hub, err := transport.NewHub()
	if err != nil {
		t.Fatal(err)
	}
	defer hub.Close()
	ctx := context.Background()

	window := 80 * time.Millisecond
	alice := newSync(t, hub, "standup", "alice-01", "Alice", WithLivenessWindow(window))
	ghost := newSync(t, hub, "standup", "ghost-09", "Ghost", WithLivenessWindow(window))

	alice.PublishHeartbeat(ctx)
	ghost.PublishHeartbeat(ctx)
	if peers := alice.Refresh(ctx); len(peers) != 2 {
		t.Fatalf("expected 2 before expiry, got %d", len(peers))
	}

	// Ghost stops heartbeating; alice keeps going past the window.
	time.Sleep(window + 20*time.Millisecond)
	alice.PublishHeartbeat(ctx)

	peers := alice.Refresh(ctx)
	if len(peers) != 1 || peers[0].ID != "alice-01" {
		t.Fatalf("departed participant not pruned: %+v", peers)
	}
}

func TestSetTimingsNarrowsWindow(t *testing.T) {
	hub, err := transport.NewHub()
	if err != nil {
		t.Fatal(err)
	}
	defer hub.Close()
	ctx := context.Background()

	alice := newSync(t, hub, "standup", "alice-01", "Alice",
		WithLivenessWindow(time.Hour))
	ghost := newSync(t, hub, "standup", "ghost-09", "Ghost")

	ghost.PublishHeartbeat(ctx)
	time.Sleep(60 * time.Millisecond)
	alice.PublishHeartbeat(ctx)

	// Under the wide window the idle peer is still live.
	if peers := alice.Refresh(ctx); len(peers) != 2 {
		t.Fatalf("expected 2 under wide window, got %d", len(peers))
	}

	// A reloaded, narrower window takes effect on the next refresh.
	alice.SetTimings(0, 40*time.Millisecond)
	peers := alice.Refresh(ctx)
	if len(peers) != 1 || peers[0].ID != "alice-01" {
		t.Fatalf("narrowed window did not prune idle peer: %+v", peers)
	}
}

func TestOnChangeFiresOnRefresh(t *testing.T) {
	hub, err := transport.NewHub()
	if err != nil {
		t.Fatal(err)
	}
	defer hub.Close()
	ctx := context.Background()

	alice := newSync(t, hub, "standup", "alice-01", "Alice")

	var calls int
	var last []proto.Participant
	alice.OnChange(func(peers []proto.Participant) {
		calls++
		last = peers
	})

	alice.PublishHeartbeat(ctx)
	alice.Refresh(ctx)
	if calls != 1 || len(last) != 1 {
		t.Fatalf("callback not invoked with snapshot: calls=%d last=%+v", calls, last)
	}
}

func TestRefreshKeepsSnapshotOnError(t *testing.T) {
	hub, err := transport.NewHub()
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	alice := newSync(t, hub, "standup", "alice-01", "Alice")
	alice.PublishHeartbeat(ctx)
	alice.Refresh(ctx)

	// Kill the transport; the synchronizer must serve the last good view.
	hub.Close()
	peers := alice.Refresh(ctx)
	if len(peers) != 1 || peers[0].ID != "alice-01" {
		t.Fatalf("snapshot lost on transport error: %+v", peers)
	}
}

func TestStartPushInvalidation(t *testing.T) {
	hub, err := transport.NewHub()
	if err != nil {
		t.Fatal(err)
	}
	defer hub.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Long intervals: any refresh observed below must come from push, not
	// the timer.
	alice := newSync(t, hub, "standup", "alice-01", "Alice",
		WithHeartbeatInterval(time.Hour), WithLivenessWindow(2*time.Hour))

	updated := make(chan int, 8)
	alice.OnChange(func(peers []proto.Participant) { updated <- len(peers) })
	alice.Start(ctx)
	<-updated // initial synchronous refresh

	// Re-publish until the change is observed; the subscription comes up
	// asynchronously inside Start.
	bob := newSync(t, hub, "standup", "bob-02", "Bob")
	bob.PublishHeartbeat(ctx)

	deadline := time.After(2 * time.Second)
	tick := time.NewTicker(50 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case n := <-updated:
			if n == 2 {
				return
			}
		case <-tick.C:
			bob.PublishHeartbeat(ctx)
		case <-deadline:
			t.Fatal("push invalidation never refreshed the roster")
		}
	}
}
