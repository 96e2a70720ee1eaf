package transport

import (
	"context"
	"testing"

	"github.com/orbitmeet/orbit/internal/storage"
)

func newTestHub(t *testing.T) *Hub {
	t.Helper()
	hub, err := NewHub()
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { hub.Close() })
	return hub
}

func TestHubRowFanout(t *testing.T) {
	hub := newTestHub(t)
	ctx := context.Background()

	a := hub.Channel("standup")
	b := hub.Channel("standup")
	other := hub.Channel("retro")

	var gotB, gotOther []storage.Row
	b.SubscribeChanges("participants", func(r storage.Row) { gotB = append(gotB, r) })
	other.SubscribeChanges("participants", func(r storage.Row) { gotOther = append(gotOther, r) })

	wrote, err := a.Insert(ctx, "participants", "alice", 100, []byte(`{}`))
	if err != nil {
		t.Fatal(err)
	}
	if !wrote {
		t.Fatal("insert should write")
	}

	if len(gotB) != 1 || gotB[0].Key != "alice" {
		t.Fatalf("same-room subscriber missed the row: %+v", gotB)
	}
	if len(gotOther) != 0 {
		t.Fatal("row leaked across rooms")
	}

	// Duplicate insert: no write, no notification.
	if wrote, _ := a.Insert(ctx, "participants", "alice", 100, []byte(`{}`)); wrote {
		t.Fatal("duplicate should not write")
	}
	if len(gotB) != 1 {
		t.Fatal("duplicate insert notified")
	}
}

func TestHubTableIsolation(t *testing.T) {
	hub := newTestHub(t)
	ctx := context.Background()
	ch := hub.Channel("standup")

	var got int
	ch.SubscribeChanges("commands", func(storage.Row) { got++ })

	if err := ch.Upsert(ctx, "participants", "alice", 1, []byte(`{}`)); err != nil {
		t.Fatal(err)
	}
	if got != 0 {
		t.Fatal("commands subscriber saw a participants row")
	}
}

func TestHubBroadcast(t *testing.T) {
	hub := newTestHub(t)
	ctx := context.Background()

	a := hub.Channel("standup")
	b := hub.Channel("standup")

	var got [][]byte
	cancel := b.SubscribeBroadcast("signal", func(p []byte) { got = append(got, p) })

	if err := a.Broadcast(ctx, "signal", []byte("offer")); err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || string(got[0]) != "offer" {
		t.Fatalf("broadcast not delivered: %v", got)
	}

	// Broadcasts are never persisted.
	rows, err := b.Query(ctx, "signal", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 0 {
		t.Fatal("broadcast was persisted")
	}

	cancel()
	if err := a.Broadcast(ctx, "signal", []byte("again")); err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 {
		t.Fatal("cancelled subscriber still notified")
	}
}

func TestHubQueryScopedToRoom(t *testing.T) {
	hub := newTestHub(t)
	ctx := context.Background()

	if _, err := hub.Channel("standup").Insert(ctx, "messages", "m1", 10, []byte(`{}`)); err != nil {
		t.Fatal(err)
	}
	if _, err := hub.Channel("retro").Insert(ctx, "messages", "m2", 20, []byte(`{}`)); err != nil {
		t.Fatal(err)
	}

	rows, err := hub.Channel("standup").Query(ctx, "messages", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 1 || rows[0].Key != "m1" {
		t.Fatalf("query leaked across rooms: %+v", rows)
	}
}

func TestHubClosedChannel(t *testing.T) {
	hub := newTestHub(t)
	ch := hub.Channel("standup")
	hub.Close()

	if _, err := ch.Insert(context.Background(), "messages", "m", 1, nil); err != ErrClosed {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	if err := ch.Broadcast(context.Background(), "signal", nil); err != ErrClosed {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}
