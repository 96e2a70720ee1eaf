// Package room ties the subsystems into one call session: join and host
// election, presence, mesh lifecycle, moderation, chat, captions, and the
// notice stream surfaced as toasts.
package room

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"github.com/pion/webrtc/v4"

	"github.com/orbitmeet/orbit/internal/caption"
	"github.com/orbitmeet/orbit/internal/chat"
	"github.com/orbitmeet/orbit/internal/command"
	"github.com/orbitmeet/orbit/internal/media"
	"github.com/orbitmeet/orbit/internal/mesh"
	"github.com/orbitmeet/orbit/internal/proto"
	"github.com/orbitmeet/orbit/internal/roster"
	"github.com/orbitmeet/orbit/internal/signal"
	"github.com/orbitmeet/orbit/internal/transport"
	"github.com/orbitmeet/orbit/internal/util"
)

var log = logging.Logger("room")

// ErrNotModerator is returned when a moderation call is made by a plain
// participant. This is a local courtesy check only; the store itself does
// not enforce roles.
var ErrNotModerator = errors.New("room: requires host or moderator role")

// acquireScreen is swappable in tests; display capture needs real hardware.
var acquireScreen = media.AcquireScreen

// ErrNoScreenCapture is returned when screen sharing is unavailable on this
// platform or media is disabled.
var ErrNoScreenCapture = errors.New("room: screen capture unavailable")

// Notice is one toast-level event for the UI layer.
type Notice struct {
	Level string // "info" | "warn" | "error"
	Text  string
}

// Options configures a session join.
type Options struct {
	DisplayName string
	Salt        string

	// RequireApproval is honored only when this join creates the room;
	// later joiners inherit the creator's choice.
	RequireApproval bool

	HeartbeatInterval time.Duration
	LivenessWindow    time.Duration
	ConnectTimeout    time.Duration
	MaxAttempts       int

	// MediaDisabled joins receive-only without touching capture devices.
	MediaDisabled bool
	ICEServers    []string

	// Connector overrides the pion connector. Tests inject fakes here;
	// when set, media acquisition and screen share are skipped.
	Connector mesh.Connector
}

// Session is one identity's live attendance in one room.
type Session struct {
	ch      transport.Channel
	room    string
	localID string

	mu       sync.Mutex
	self     proto.Participant
	roomInfo proto.Room
	waited   map[string]bool // waiting ids already announced to the host

	sync     *roster.Synchronizer
	exch     *signal.Exchange
	mesh     *mesh.Manager
	bus      *command.Bus
	captions *caption.Relay
	chat     *chat.Manager

	pion       *mesh.PionConnector // nil when a custom connector is injected
	src        *media.Source
	screen     *media.Source
	screenBusy bool // acquisition in flight; blocks a second StartScreenShare

	aiStop chan struct{} // non-nil while the assistant tile is live

	notices   chan Notice
	leaveOnce sync.Once
	left      chan struct{}
}

// Join validates the room name, elects the host, and brings up every
// subsystem. The returned session is live: heartbeats are flowing and the
// mesh reacts to the next roster refresh.
func Join(ctx context.Context, ch transport.Channel, roomName string, opts Options) (*Session, error) {
	roomName, err := util.ValidateRoomName(roomName)
	if err != nil {
		return nil, err
	}
	if opts.DisplayName == "" {
		return nil, errors.New("room: display name is required")
	}

	s := &Session{
		ch:      ch,
		room:    roomName,
		localID: util.DeriveID(opts.DisplayName, roomName, opts.Salt),
		waited:  make(map[string]bool),
		notices: make(chan Notice, 32),
		left:    make(chan struct{}),
	}

	if err := s.electHost(ctx, opts.RequireApproval); err != nil {
		return nil, err
	}

	role := proto.RoleParticipant
	status := proto.StatusApproved
	if s.roomInfo.HostID == s.localID {
		role = proto.RoleHost
	} else if s.roomInfo.RequireApproval {
		status = proto.StatusWaiting
	}
	s.self = proto.Participant{
		ID:     s.localID,
		Room:   roomName,
		Name:   opts.DisplayName,
		Role:   role,
		Status: status,
	}
	if status == proto.StatusWaiting {
		s.notify("info", "Waiting for the host to let you in")
	}

	connector := opts.Connector
	if connector == nil {
		if opts.MediaDisabled {
			api, err := media.NewReceiveOnlyAPI()
			if err != nil {
				return nil, fmt.Errorf("media engine: %w", err)
			}
			s.pion = mesh.NewPionConnector(api, nil, opts.ICEServers, nil)
			s.self.IsVideoOff = true
			s.self.IsMuted = true
		} else {
			api, src, err := media.NewEngine(s.notify)
			if err != nil {
				return nil, fmt.Errorf("media engine: %w", err)
			}
			s.src = src
			s.pion = mesh.NewPionConnector(api, src, opts.ICEServers, nil)
			s.self.IsVideoOff = !src.HasVideo()
			s.self.IsMuted = !src.HasAudio()
		}
		connector = s.pion
	}

	s.exch = signal.NewExchange(ch, roomName, s.localID)

	var meshOpts []mesh.Option
	if opts.ConnectTimeout > 0 {
		meshOpts = append(meshOpts, mesh.WithConnectTimeout(opts.ConnectTimeout))
	}
	if opts.MaxAttempts > 0 {
		meshOpts = append(meshOpts, mesh.WithMaxAttempts(opts.MaxAttempts))
	}
	s.mesh = mesh.New(s.exch, connector, s.localID, meshOpts...)

	var rosterOpts []roster.Option
	if opts.HeartbeatInterval > 0 {
		rosterOpts = append(rosterOpts, roster.WithHeartbeatInterval(opts.HeartbeatInterval))
	}
	if opts.LivenessWindow > 0 {
		rosterOpts = append(rosterOpts, roster.WithLivenessWindow(opts.LivenessWindow))
	}
	s.sync = roster.New(ch, roomName, s.localID, s.selfState, rosterOpts...)
	s.sync.OnChange(s.onRoster)

	s.bus = command.NewBus(ch, roomName, s.localID)
	s.bus.OnCommand(s.applyCommand)

	s.captions = caption.NewRelay(ch, roomName)

	s.chat, err = chat.NewManager(ctx, ch, roomName, s.localID, opts.DisplayName)
	if err != nil {
		s.shutdown()
		return nil, err
	}

	s.sync.Start(ctx)
	log.Infof("joined %s as %s (%s, %s)", roomName, opts.DisplayName, role, status)
	return s, nil
}

// electHost writes the room record insert-or-ignore and reads back the
// winner. Exactly one joiner's insert lands; everyone then agrees on who
// the host is, including the winner itself.
func (s *Session) electHost(ctx context.Context, requireApproval bool) error {
	rec := proto.Room{
		Name:            s.room,
		HostID:          s.localID,
		RequireApproval: requireApproval,
		CreatedAt:       proto.NowMillis(),
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal room record: %w", err)
	}
	if _, err := s.ch.Insert(ctx, proto.TableRooms, s.room, rec.CreatedAt, data); err != nil {
		return fmt.Errorf("claim room: %w", err)
	}

	rows, err := s.ch.Query(ctx, proto.TableRooms, 0)
	if err != nil {
		return fmt.Errorf("read room record: %w", err)
	}
	for _, row := range rows {
		if row.Key != s.room {
			continue
		}
		if err := json.Unmarshal(row.Data, &s.roomInfo); err != nil {
			return fmt.Errorf("decode room record: %w", err)
		}
		return nil
	}
	// Our own insert was accepted but the read-back missed it; trust the
	// local copy.
	s.roomInfo = rec
	return nil
}

func (s *Session) selfState() proto.Participant {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.self
}

// onRoster feeds the mesh and raises lobby notices for moderators. A
// waiting participant stays out of the mesh entirely until admitted.
func (s *Session) onRoster(peers []proto.Participant) {
	s.mu.Lock()
	self := s.self
	var arrivals []string
	if self.Role == proto.RoleHost || self.Role == proto.RoleModerator {
		for _, p := range peers {
			if p.ID != s.localID && p.Status == proto.StatusWaiting && !s.waited[p.ID] {
				s.waited[p.ID] = true
				arrivals = append(arrivals, p.Name)
			}
		}
	}
	s.mu.Unlock()

	for _, name := range arrivals {
		s.notify("info", fmt.Sprintf("%s is waiting to join", name))
	}

	if self.Status == proto.StatusApproved {
		s.mesh.HandleRoster(peers)
	}
}

// applyCommand reacts to one moderation command addressed to this client.
// The bus has already deduplicated on command id.
func (s *Session) applyCommand(cmd proto.Command) {
	switch cmd.Type {
	case proto.CmdMute:
		// One-way: a moderator can silence but never unmute someone.
		s.mu.Lock()
		already := s.self.IsMuted
		s.self.IsMuted = true
		s.mu.Unlock()
		if !already {
			s.heartbeatNow()
			s.notify("warn", "You were muted by a moderator")
		}
	case proto.CmdKick:
		s.notify("warn", "You were removed from the room")
		s.Leave()
	case proto.CmdDeny:
		s.notify("warn", "The host declined to let you in")
		s.Leave()
	case proto.CmdAdmit:
		s.mu.Lock()
		waiting := s.self.Status == proto.StatusWaiting
		if waiting {
			s.self.Status = proto.StatusApproved
		}
		s.mu.Unlock()
		if waiting {
			s.heartbeatNow()
			s.notify("info", "You're in")
		}
	case proto.CmdRaiseHand:
		// Broadcast courtesy ping; the badge itself rides the heartbeat.
		if cmd.IssuerID != s.localID {
			s.notify("info", "A participant raised their hand")
		}
	}
}

// heartbeatNow pushes the current self record immediately instead of
// waiting for the next tick, so state toggles propagate fast.
func (s *Session) heartbeatNow() {
	ctx, cancel := context.WithTimeout(context.Background(), util.ShortTimeout)
	defer cancel()
	s.sync.PublishHeartbeat(ctx)
}

func (s *Session) notify(level, text string) {
	select {
	case s.notices <- Notice{Level: level, Text: text}:
	default: // UI is not draining; drop rather than stall the core
	}
}

// --- local state toggles ---

// ToggleMute flips the local mute flag and heartbeats immediately.
func (s *Session) ToggleMute() bool {
	s.mu.Lock()
	s.self.IsMuted = !s.self.IsMuted
	muted := s.self.IsMuted
	s.mu.Unlock()
	s.heartbeatNow()
	return muted
}

// ToggleVideo flips the local camera-off flag and heartbeats immediately.
func (s *Session) ToggleVideo() bool {
	s.mu.Lock()
	s.self.IsVideoOff = !s.self.IsVideoOff
	off := s.self.IsVideoOff
	s.mu.Unlock()
	s.heartbeatNow()
	return off
}

// SetHandRaised sets the raised-hand badge. Raising also pings the room.
func (s *Session) SetHandRaised(raised bool) {
	s.mu.Lock()
	s.self.IsHandRaised = raised
	s.mu.Unlock()
	s.heartbeatNow()
	if raised {
		ctx, cancel := context.WithTimeout(context.Background(), util.ShortTimeout)
		defer cancel()
		if _, err := s.bus.Send(ctx, proto.CmdRaiseHand, proto.TargetAll); err != nil {
			log.Debugf("raise hand ping: %v", err)
		}
	}
}

// React sets a transient reaction emoji on the presence record. It clears
// itself after a few heartbeats.
func (s *Session) React(emoji string) {
	s.mu.Lock()
	s.self.Reaction = emoji
	s.mu.Unlock()
	s.heartbeatNow()

	time.AfterFunc(8*time.Second, func() {
		s.mu.Lock()
		cleared := s.self.Reaction == emoji
		if cleared {
			s.self.Reaction = ""
		}
		s.mu.Unlock()
		if cleared {
			select {
			case <-s.left:
			default:
				s.heartbeatNow()
			}
		}
	})
}

// --- moderation ---

func (s *Session) isModerator() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.self.Role == proto.RoleHost || s.self.Role == proto.RoleModerator
}

func (s *Session) moderate(ctx context.Context, cmdType, targetID string) error {
	if !s.isModerator() {
		return ErrNotModerator
	}
	_, err := s.bus.Send(ctx, cmdType, targetID)
	return err
}

// Mute silences a participant. One-way; the target unmutes themselves.
func (s *Session) Mute(ctx context.Context, targetID string) error {
	return s.moderate(ctx, proto.CmdMute, targetID)
}

// Kick removes a participant from the room.
func (s *Session) Kick(ctx context.Context, targetID string) error {
	return s.moderate(ctx, proto.CmdKick, targetID)
}

// Admit lets a waiting participant into the room.
func (s *Session) Admit(ctx context.Context, targetID string) error {
	return s.moderate(ctx, proto.CmdAdmit, targetID)
}

// Deny turns a waiting participant away.
func (s *Session) Deny(ctx context.Context, targetID string) error {
	return s.moderate(ctx, proto.CmdDeny, targetID)
}

// --- screen share ---

// StartScreenShare swaps the outbound video to a display capture on every
// live link. New links pick it up automatically.
func (s *Session) StartScreenShare() error {
	if s.pion == nil {
		return ErrNoScreenCapture
	}
	s.mu.Lock()
	if s.screen != nil || s.screenBusy {
		s.mu.Unlock()
		return nil // already sharing, or another call is mid-acquire
	}
	s.screenBusy = true
	s.mu.Unlock()

	scr, err := acquireScreen(s.notify)
	if err != nil {
		s.mu.Lock()
		s.screenBusy = false
		s.mu.Unlock()
		return fmt.Errorf("acquire screen: %w", err)
	}
	if !scr.HasVideo() {
		scr.Close()
		s.mu.Lock()
		s.screenBusy = false
		s.mu.Unlock()
		return ErrNoScreenCapture
	}
	track := scr.VideoTracks[0]

	s.mu.Lock()
	s.screen = scr
	s.screenBusy = false
	s.self.IsSharingScreen = true
	s.mu.Unlock()

	s.pion.SetVideoOverride(track)
	s.mesh.ReplaceOutboundVideoTrack(track)
	s.heartbeatNow()
	return nil
}

// StopScreenShare reverts every link to the camera track.
func (s *Session) StopScreenShare() {
	s.mu.Lock()
	scr := s.screen
	s.screen = nil
	s.self.IsSharingScreen = false
	s.mu.Unlock()
	if scr == nil {
		return
	}

	s.pion.SetVideoOverride(nil)
	if cam := s.pion.CameraTrack(); cam != nil {
		s.mesh.ReplaceOutboundVideoTrack(cam)
	}
	scr.Close()
	s.heartbeatNow()
}

// --- assistant tile ---

// EnableAssistant publishes a synthetic AI participant. It appears on the
// roster like anyone else but is never meshed. Host only.
func (s *Session) EnableAssistant(ctx context.Context, name string) error {
	if !s.isModerator() {
		return ErrNotModerator
	}
	s.mu.Lock()
	if s.aiStop != nil {
		s.mu.Unlock()
		return nil
	}
	stop := make(chan struct{})
	s.aiStop = stop
	s.mu.Unlock()
	interval := s.sync.HeartbeatInterval()

	aiID := util.DeriveID(name, s.room, "assistant")
	beat := func(ctx context.Context) {
		rec := proto.Participant{
			ID:       aiID,
			Room:     s.room,
			Name:     name,
			Role:     proto.RoleAI,
			Status:   proto.StatusApproved,
			IsMuted:  true,
			LastSeen: proto.NowMillis(),
		}
		data, err := json.Marshal(rec)
		if err != nil {
			return
		}
		if err := s.ch.Upsert(ctx, proto.TableParticipants, aiID, rec.LastSeen, data); err != nil {
			log.Warnw("assistant heartbeat", "err", err)
		}
	}
	beat(ctx)

	go func() {
		tick := time.NewTicker(interval)
		defer tick.Stop()
		for {
			select {
			case <-stop:
				return
			case <-s.left:
				return
			case <-tick.C:
				bctx, cancel := context.WithTimeout(context.Background(), util.ShortTimeout)
				beat(bctx)
				cancel()
			}
		}
	}()
	return nil
}

// DisableAssistant stops the assistant heartbeat; the tile expires by the
// liveness window.
func (s *Session) DisableAssistant() {
	s.mu.Lock()
	if s.aiStop != nil {
		close(s.aiStop)
		s.aiStop = nil
	}
	s.mu.Unlock()
}

// --- chat and captions ---

// Chat exposes the room chat manager.
func (s *Session) Chat() *chat.Manager { return s.chat }

// Captions exposes the caption relay.
func (s *Session) Captions() *caption.Relay { return s.captions }

// PublishCaption relays transcribed speech under the local display name.
func (s *Session) PublishCaption(ctx context.Context, text string) error {
	s.mu.Lock()
	name := s.self.Name
	s.mu.Unlock()
	return s.captions.Publish(ctx, name, text)
}

// --- accessors ---

// ID returns the local session identity.
func (s *Session) ID() string { return s.localID }

// Self returns a copy of the local presence record.
func (s *Session) Self() proto.Participant { return s.selfState() }

// RoomInfo returns the durable room record as elected at join.
func (s *Session) RoomInfo() proto.Room {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.roomInfo
}

// Roster returns the latest participant snapshot, local identity included.
func (s *Session) Roster() []proto.Participant { return s.sync.Snapshot() }

// SetPresenceTimings applies reloaded heartbeat and liveness settings to
// the running synchronizer. Non-positive values keep the current setting.
func (s *Session) SetPresenceTimings(interval, window time.Duration) {
	s.sync.SetTimings(interval, window)
}

// Mesh exposes the mesh manager for track and state callbacks.
func (s *Session) Mesh() *mesh.Manager { return s.mesh }

// Notices is the toast stream. Dropped when not drained; never blocking.
func (s *Session) Notices() <-chan Notice { return s.notices }

// Done is closed when the session has left the room, by choice or by KICK.
func (s *Session) Done() <-chan struct{} { return s.left }

// CameraTrack returns the local camera video track for self-view, if any.
func (s *Session) CameraTrack() webrtc.TrackLocal {
	if s.pion == nil {
		return nil
	}
	return s.pion.CameraTrack()
}

// Leave tears the session down exactly once. Safe to call from the KICK
// path and from the UI concurrently.
func (s *Session) Leave() {
	s.leaveOnce.Do(func() {
		close(s.left)
		s.shutdown()
		log.Infof("left %s", s.room)
	})
}

func (s *Session) shutdown() {
	s.DisableAssistant()
	if s.sync != nil {
		s.sync.Stop()
	}
	if s.mesh != nil {
		s.mesh.Close()
	}
	if s.bus != nil {
		s.bus.Close()
	}
	if s.captions != nil {
		s.captions.Close()
	}
	if s.chat != nil {
		s.chat.Close()
	}
	if s.exch != nil {
		s.exch.Close()
	}
	s.mu.Lock()
	scr := s.screen
	s.screen = nil
	src := s.src
	s.src = nil
	s.mu.Unlock()
	if scr != nil {
		scr.Close()
	}
	if src != nil {
		src.Close()
	}
}
