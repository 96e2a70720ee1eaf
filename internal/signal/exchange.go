// Package signal carries offer/answer/candidate payloads between exactly
// two identities over the channel's broadcast lane. Best-effort: no ack,
// no retry; an unestablished connection is the mesh layer's timeout to
// notice, not this package's.
package signal

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	logging "github.com/ipfs/go-log/v2"

	"github.com/orbitmeet/orbit/internal/proto"
	"github.com/orbitmeet/orbit/internal/transport"
)

var log = logging.Logger("signal")

// Signaler is the only surface the mesh package needs from this layer.
// Tests satisfy it with an in-memory pair.
type Signaler interface {
	Send(ctx context.Context, sig proto.Signal) error
	Subscribe(fn func(proto.Signal)) (cancel func())
}

// Exchange routes signals over a room channel, delivering only those
// addressed to the local identity (or to all, from someone else).
type Exchange struct {
	ch      transport.Channel
	room    string
	localID string

	mu       sync.RWMutex
	handlers map[int]func(proto.Signal)
	nextID   int

	cancelSub func()
	once      sync.Once
}

// NewExchange subscribes immediately; signals arriving before any handler
// is registered are dropped, which is fine: a peer that signals us before
// we listen will re-offer after the mesh timeout.
func NewExchange(ch transport.Channel, room, localID string) *Exchange {
	e := &Exchange{
		ch:       ch,
		room:     room,
		localID:  localID,
		handlers: make(map[int]func(proto.Signal)),
	}
	e.cancelSub = ch.SubscribeBroadcast(proto.ChannelSignal, e.dispatch)
	return e
}

// Send broadcasts one signal. The sender identity is stamped here so
// callers can't mislabel their own traffic.
func (e *Exchange) Send(ctx context.Context, sig proto.Signal) error {
	sig.Room = e.room
	sig.SenderID = e.localID
	b, err := json.Marshal(sig)
	if err != nil {
		return fmt.Errorf("marshal signal: %w", err)
	}
	if err := e.ch.Broadcast(ctx, proto.ChannelSignal, b); err != nil {
		return fmt.Errorf("send %s to %s: %w", sig.Kind, sig.TargetID, err)
	}
	log.Debugf("sent %s → %s", sig.Kind, sig.TargetID)
	return nil
}

// Subscribe registers a handler for inbound signals addressed to this
// identity. Handlers run on the transport's delivery goroutine and must
// not block.
func (e *Exchange) Subscribe(fn func(proto.Signal)) func() {
	e.mu.Lock()
	id := e.nextID
	e.nextID++
	e.handlers[id] = fn
	e.mu.Unlock()
	return func() {
		e.mu.Lock()
		delete(e.handlers, id)
		e.mu.Unlock()
	}
}

func (e *Exchange) dispatch(payload []byte) {
	var sig proto.Signal
	if err := json.Unmarshal(payload, &sig); err != nil {
		log.Debugf("undecodable signal: %v", err)
		return
	}
	// Our own broadcasts may be echoed back by some backends.
	if sig.SenderID == e.localID {
		return
	}
	if sig.TargetID != e.localID && sig.TargetID != proto.TargetAll {
		return
	}

	e.mu.RLock()
	handlers := make([]func(proto.Signal), 0, len(e.handlers))
	for _, h := range e.handlers {
		handlers = append(handlers, h)
	}
	e.mu.RUnlock()

	log.Debugf("recv %s ← %s", sig.Kind, sig.SenderID)
	for _, h := range handlers {
		h(sig)
	}
}

// Close cancels the broadcast subscription.
func (e *Exchange) Close() {
	e.once.Do(func() {
		if e.cancelSub != nil {
			e.cancelSub()
		}
	})
}
