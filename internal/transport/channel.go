// Package transport provides the room-scoped realtime channel the rest of
// the core talks through: durable keyed rows with at-least-once replication
// plus an ephemeral broadcast lane for signaling. Three backends implement
// the same contract: an in-process hub (tests, single-process rooms), a
// libp2p gossipsub mesh, and a websocket bridge to a hosted relay.
package transport

import (
	"context"
	"errors"

	"github.com/orbitmeet/orbit/internal/storage"
)

// ErrClosed is returned by operations on a closed channel.
var ErrClosed = errors.New("transport: channel closed")

// Channel is the collaborator contract required by the core. An instance is
// scoped to one room at construction time; tables partition the durable
// rows within it.
//
// Durable semantics are at-least-once from the caller's perspective: a row
// may be applied to any replica more than once, so Insert dedupes on key
// and Upsert drops stale timestamps. Broadcast is best-effort and never
// persisted. No ordering is guaranteed across tables or between the row
// and broadcast lanes.
type Channel interface {
	// Insert stores an immutable row. Re-delivery of the same key is a
	// silent no-op; the bool reports whether this call actually wrote.
	Insert(ctx context.Context, table, key string, ts int64, data []byte) (bool, error)

	// Upsert stores or replaces the row for key, latest ts wins.
	Upsert(ctx context.Context, table, key string, ts int64, data []byte) error

	// Query returns the room's rows in table with ts >= since, oldest first.
	Query(ctx context.Context, table string, since int64) ([]storage.Row, error)

	// SubscribeChanges registers fn for every row applied to table, local
	// and remote. fn must not block; heavy work belongs on the caller's own
	// goroutine.
	SubscribeChanges(table string, fn func(storage.Row)) (cancel func())

	// Broadcast sends an ephemeral payload on a named lane.
	Broadcast(ctx context.Context, channel string, payload []byte) error

	// SubscribeBroadcast registers fn for payloads on a named lane.
	// Depending on the backend fn may also see the caller's own broadcasts;
	// consumers filter by sender identity.
	SubscribeBroadcast(channel string, fn func(payload []byte)) (cancel func())

	Close() error
}
