// Package command is the moderation bus: typed commands appended to the
// durable store and applied locally by each receiver. The bus performs no
// authorization; issuers check their own role before calling Send, and
// the wire trusts them (a known gap; hardening belongs in the store).
package command

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"
	logging "github.com/ipfs/go-log/v2"

	"github.com/orbitmeet/orbit/internal/proto"
	"github.com/orbitmeet/orbit/internal/storage"
	"github.com/orbitmeet/orbit/internal/transport"
)

var log = logging.Logger("command")

// Handler applies one command addressed to this client. It is invoked at
// most once per command id even though delivery is at-least-once.
type Handler func(cmd proto.Command)

// Bus sends and receives moderation commands for one room.
type Bus struct {
	ch      transport.Channel
	room    string
	localID string

	mu       sync.Mutex
	seen     map[string]struct{}
	handlers []Handler

	cancelSub func()
	once      sync.Once
}

// NewBus subscribes to the commands table immediately.
func NewBus(ch transport.Channel, room, localID string) *Bus {
	b := &Bus{
		ch:      ch,
		room:    room,
		localID: localID,
		seen:    make(map[string]struct{}),
	}
	b.cancelSub = ch.SubscribeChanges(proto.TableCommands, b.dispatch)
	return b
}

// Send persists a command. A store write failure is returned to the issuer
// (surfaced as a toast); it is never retried automatically; the moderator
// re-issues.
func (b *Bus) Send(ctx context.Context, cmdType, targetID string) (proto.Command, error) {
	cmd := proto.Command{
		ID:       uuid.NewString(),
		Room:     b.room,
		TargetID: targetID,
		Type:     cmdType,
		IssuerID: b.localID,
		TS:       proto.NowMillis(),
	}
	data, err := json.Marshal(cmd)
	if err != nil {
		return proto.Command{}, fmt.Errorf("marshal command: %w", err)
	}
	if _, err := b.ch.Insert(ctx, proto.TableCommands, cmd.ID, cmd.TS, data); err != nil {
		return proto.Command{}, fmt.Errorf("send %s to %s: %w", cmdType, targetID, err)
	}
	log.Infof("sent %s → %s", cmdType, targetID)
	return cmd, nil
}

// OnCommand registers a handler. Commands not addressed to this client
// (target neither self nor all) are filtered before handlers run.
func (b *Bus) OnCommand(fn Handler) {
	b.mu.Lock()
	b.handlers = append(b.handlers, fn)
	b.mu.Unlock()
}

func (b *Bus) dispatch(row storage.Row) {
	var cmd proto.Command
	if err := json.Unmarshal(row.Data, &cmd); err != nil {
		log.Debugf("undecodable command row %s: %v", row.Key, err)
		return
	}
	if cmd.TargetID != b.localID && cmd.TargetID != proto.TargetAll {
		return
	}

	b.mu.Lock()
	if _, dup := b.seen[cmd.ID]; dup {
		b.mu.Unlock()
		return // re-delivery; already applied
	}
	b.seen[cmd.ID] = struct{}{}
	handlers := make([]Handler, len(b.handlers))
	copy(handlers, b.handlers)
	b.mu.Unlock()

	log.Infof("recv %s from %s", cmd.Type, cmd.IssuerID)
	for _, h := range handlers {
		h(cmd)
	}
}

// Close cancels the subscription.
func (b *Bus) Close() {
	b.once.Do(func() {
		if b.cancelSub != nil {
			b.cancelSub()
		}
	})
}
