// Package caption relays live transcription text. The speaker upserts a
// single room-keyed row; consumers keep only the newest caption and drop
// regressions, so at-least-once or out-of-order delivery never makes the
// banner flicker backwards.
package caption

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	logging "github.com/ipfs/go-log/v2"

	"github.com/orbitmeet/orbit/internal/proto"
	"github.com/orbitmeet/orbit/internal/storage"
	"github.com/orbitmeet/orbit/internal/transport"
)

var log = logging.Logger("caption")

// Relay publishes and receives captions for one room.
type Relay struct {
	ch   transport.Channel
	room string

	mu       sync.Mutex
	latestTS int64
	latest   proto.Caption
	handlers []func(proto.Caption)

	cancelSub func()
	once      sync.Once
}

// NewRelay subscribes to caption updates immediately.
func NewRelay(ch transport.Channel, room string) *Relay {
	r := &Relay{ch: ch, room: room}
	r.cancelSub = ch.SubscribeChanges(proto.TableCaptions, r.dispatch)
	return r
}

// Publish upserts the room's caption row. The row key is the room itself:
// only the latest caption matters, so new text overwrites old.
func (r *Relay) Publish(ctx context.Context, speakerName, text string) error {
	c := proto.Caption{
		Room:        r.room,
		Text:        text,
		SpeakerName: speakerName,
		Timestamp:   proto.NowMillis(),
	}
	data, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal caption: %w", err)
	}
	if err := r.ch.Upsert(ctx, proto.TableCaptions, r.room, c.Timestamp, data); err != nil {
		return fmt.Errorf("publish caption: %w", err)
	}
	return nil
}

// OnCaption registers a handler called for each accepted (non-stale) caption.
func (r *Relay) OnCaption(fn func(proto.Caption)) {
	r.mu.Lock()
	r.handlers = append(r.handlers, fn)
	r.mu.Unlock()
}

// Latest returns the newest caption seen so far, if any.
func (r *Relay) Latest() (proto.Caption, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.latest, r.latestTS != 0
}

func (r *Relay) dispatch(row storage.Row) {
	var c proto.Caption
	if err := json.Unmarshal(row.Data, &c); err != nil {
		log.Debugf("undecodable caption row: %v", err)
		return
	}
	r.mu.Lock()
	if c.Timestamp < r.latestTS {
		r.mu.Unlock()
		return // stale replay
	}
	r.latestTS = c.Timestamp
	r.latest = c
	handlers := make([]func(proto.Caption), len(r.handlers))
	copy(handlers, r.handlers)
	r.mu.Unlock()

	for _, h := range handlers {
		h(c)
	}
}

// Close cancels the subscription.
func (r *Relay) Close() {
	r.once.Do(func() {
		if r.cancelSub != nil {
			r.cancelSub()
		}
	})
}
