package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/orbitmeet/orbit/internal/storage"
)

// Relay is the hosted side of the websocket backend: it accepts one
// connection per (client, room), applies durable frames to its own store,
// and fans every frame out to the room's other members. New connections get
// the room's current rows replayed so a late joiner sees existing
// participants, chat, and the room record without waiting for rewrites.
type Relay struct {
	store    *storage.DB
	upgrader websocket.Upgrader

	mu    sync.Mutex
	rooms map[string]map[*relayConn]struct{}
}

type relayConn struct {
	room string
	conn *websocket.Conn

	writeMu sync.Mutex
}

// NewRelay creates a relay persisting to dir (":memory:" for ephemeral).
func NewRelay(dir string) (*Relay, error) {
	store, err := storage.Open(dir)
	if err != nil {
		return nil, err
	}
	return &Relay{
		store: store,
		upgrader: websocket.Upgrader{
			// Clients are native, not browsers; no origin policy to enforce.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		rooms: make(map[string]map[*relayConn]struct{}),
	}, nil
}

// Handler serves /rooms/<room> websocket upgrades.
func (r *Relay) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/rooms/", r.serveRoom)
	return mux
}

// ListenAndServe runs the relay until ctx is cancelled.
func (r *Relay) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: r.Handler()}
	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutCtx)
	}()
	log.Infof("relay listening on %s", addr)
	err := srv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (r *Relay) serveRoom(w http.ResponseWriter, req *http.Request) {
	room := strings.TrimPrefix(req.URL.Path, "/rooms/")
	if room == "" || strings.Contains(room, "/") {
		http.Error(w, "bad room", http.StatusBadRequest)
		return
	}

	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		log.Warnf("upgrade: %v", err)
		return
	}
	rc := &relayConn{room: room, conn: conn}

	r.mu.Lock()
	if r.rooms[room] == nil {
		r.rooms[room] = make(map[*relayConn]struct{})
	}
	r.rooms[room][rc] = struct{}{}
	n := len(r.rooms[room])
	r.mu.Unlock()
	log.Infof("room %s: client joined (%d connected)", room, n)

	r.replay(rc)
	r.readPump(rc)

	r.mu.Lock()
	delete(r.rooms[room], rc)
	if len(r.rooms[room]) == 0 {
		delete(r.rooms, room)
	}
	r.mu.Unlock()
	conn.Close()
	log.Infof("room %s: client left", room)
}

// replay sends every stored row of the room to a fresh connection. Rows go
// out as upserts: the client's replica applies them idempotently whatever
// op originally wrote them.
func (r *Relay) replay(rc *relayConn) {
	rows, err := r.store.QueryAll(rc.room)
	if err != nil {
		log.Warnf("replay query: %v", err)
		return
	}
	for _, row := range rows {
		rc.send(wsFrame{Op: "upsert", Table: row.Table, Key: row.Key, TS: row.TS, Data: row.Data})
	}
}

func (r *Relay) readPump(rc *relayConn) {
	for {
		_, data, err := rc.conn.ReadMessage()
		if err != nil {
			return
		}
		var f wsFrame
		if err := json.Unmarshal(data, &f); err != nil {
			continue
		}
		r.apply(rc, f)
	}
}

// apply stores durable frames and forwards everything to the room's other
// members. A duplicate insert is dropped here so re-sends after a client
// redial do not echo around the room.
func (r *Relay) apply(rc *relayConn, f wsFrame) {
	switch f.Op {
	case "insert":
		row := storage.Row{Table: f.Table, Key: f.Key, Room: rc.room, TS: f.TS, Data: f.Data}
		wrote, err := r.store.Insert(row)
		if err != nil {
			log.Warnf("relay insert: %v", err)
			return
		}
		if !wrote {
			return
		}
	case "upsert":
		row := storage.Row{Table: f.Table, Key: f.Key, Room: rc.room, TS: f.TS, Data: f.Data}
		if err := r.store.Upsert(row); err != nil {
			log.Warnf("relay upsert: %v", err)
			return
		}
	case "bcast":
		// ephemeral, fan out only
	default:
		return
	}

	r.mu.Lock()
	peers := make([]*relayConn, 0, len(r.rooms[rc.room]))
	for p := range r.rooms[rc.room] {
		if p != rc {
			peers = append(peers, p)
		}
	}
	r.mu.Unlock()
	for _, p := range peers {
		p.send(f)
	}
}

func (rc *relayConn) send(f wsFrame) {
	b, err := json.Marshal(f)
	if err != nil {
		return
	}
	rc.writeMu.Lock()
	_ = rc.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	_ = rc.conn.WriteMessage(websocket.TextMessage, b)
	rc.writeMu.Unlock()
}

// Close shuts every connection and the store.
func (r *Relay) Close() error {
	r.mu.Lock()
	for _, conns := range r.rooms {
		for rc := range conns {
			rc.conn.Close()
		}
	}
	r.rooms = make(map[string]map[*relayConn]struct{})
	r.mu.Unlock()
	return r.store.Close()
}
