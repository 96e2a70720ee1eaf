// Package chat persists room chat and replays recent history to joiners.
package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
	logging "github.com/ipfs/go-log/v2"

	"github.com/orbitmeet/orbit/internal/proto"
	"github.com/orbitmeet/orbit/internal/storage"
	"github.com/orbitmeet/orbit/internal/transport"
	"github.com/orbitmeet/orbit/internal/util"
)

var log = logging.Logger("chat")

// HistoryLimit is how many messages a joiner sees on entry.
const HistoryLimit = 50

// Manager sends chat messages and maintains a bounded local history.
type Manager struct {
	ch      transport.Channel
	room    string
	localID string
	name    string

	mu       sync.Mutex
	history  *util.RingBuffer[proto.ChatMessage]
	seen     map[string]struct{}
	handlers []func(proto.ChatMessage)

	cancelSub func()
	once      sync.Once
}

// NewManager loads history and subscribes to new messages.
func NewManager(ctx context.Context, ch transport.Channel, room, localID, name string) (*Manager, error) {
	m := &Manager{
		ch:      ch,
		room:    room,
		localID: localID,
		name:    name,
		history: util.NewRingBuffer[proto.ChatMessage](HistoryLimit),
		seen:    make(map[string]struct{}),
	}
	rows, err := ch.Query(ctx, proto.TableMessages, 0)
	if err != nil {
		return nil, fmt.Errorf("load chat history: %w", err)
	}
	msgs := make([]proto.ChatMessage, 0, len(rows))
	for _, row := range rows {
		var msg proto.ChatMessage
		if err := json.Unmarshal(row.Data, &msg); err != nil {
			continue
		}
		msgs = append(msgs, msg)
	}
	sort.Slice(msgs, func(i, j int) bool { return msgs[i].Timestamp < msgs[j].Timestamp })
	for _, msg := range msgs {
		m.seen[msg.ID] = struct{}{}
		m.history.Push(msg)
	}
	m.cancelSub = ch.SubscribeChanges(proto.TableMessages, m.dispatch)
	return m, nil
}

// Send persists a chat message authored by the local participant.
func (m *Manager) Send(ctx context.Context, text string) error {
	return m.send(ctx, text, false)
}

// SendAs persists a message attributed to the AI participant.
func (m *Manager) SendAs(ctx context.Context, senderName, text string) error {
	msg := proto.ChatMessage{
		ID:         uuid.NewString(),
		Room:       m.room,
		SenderID:   m.localID,
		SenderName: senderName,
		Text:       text,
		Timestamp:  proto.NowMillis(),
		IsAI:       true,
	}
	return m.persist(ctx, msg)
}

func (m *Manager) send(ctx context.Context, text string, isAI bool) error {
	msg := proto.ChatMessage{
		ID:         uuid.NewString(),
		Room:       m.room,
		SenderID:   m.localID,
		SenderName: m.name,
		Text:       text,
		Timestamp:  proto.NowMillis(),
		IsAI:       isAI,
	}
	return m.persist(ctx, msg)
}

func (m *Manager) persist(ctx context.Context, msg proto.ChatMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	if _, err := m.ch.Insert(ctx, proto.TableMessages, msg.ID, msg.Timestamp, data); err != nil {
		return fmt.Errorf("send message: %w", err)
	}
	return nil
}

// History returns up to HistoryLimit recent messages, oldest first.
func (m *Manager) History() []proto.ChatMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.history.Last(HistoryLimit)
}

// OnMessage registers a handler for newly arriving messages. History
// replayed at construction is not re-delivered.
func (m *Manager) OnMessage(fn func(proto.ChatMessage)) {
	m.mu.Lock()
	m.handlers = append(m.handlers, fn)
	m.mu.Unlock()
}

func (m *Manager) dispatch(row storage.Row) {
	var msg proto.ChatMessage
	if err := json.Unmarshal(row.Data, &msg); err != nil {
		log.Debugf("undecodable message row %s: %v", row.Key, err)
		return
	}
	m.mu.Lock()
	if _, dup := m.seen[msg.ID]; dup {
		m.mu.Unlock()
		return
	}
	m.seen[msg.ID] = struct{}{}
	m.history.Push(msg)
	handlers := make([]func(proto.ChatMessage), len(m.handlers))
	copy(handlers, m.handlers)
	m.mu.Unlock()

	for _, h := range handlers {
		h(msg)
	}
}

// Close cancels the subscription.
func (m *Manager) Close() {
	m.once.Do(func() {
		if m.cancelSub != nil {
			m.cancelSub()
		}
	})
}
