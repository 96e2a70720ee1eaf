// Package proto holds the wire types and the table/channel names shared by
// every subsystem. Single source of truth: nothing here imports anything
// else from this module.
package proto

import "time"

// Tables in the durable store. Row keys: participants use the participant
// id, commands and messages use their own uuid, captions and rooms use the
// room name.
const (
	TableParticipants = "participants"
	TableCommands     = "commands"
	TableCaptions     = "captions"
	TableMessages     = "messages"
	TableRooms        = "rooms"
)

// Broadcast channels (ephemeral, never persisted).
const (
	ChannelSignal = "signal"
)

// Participant roles.
const (
	RoleHost        = "HOST"
	RoleModerator   = "MODERATOR"
	RoleParticipant = "PARTICIPANT"
	RoleAI          = "AI"
)

// Participant admission status. WAITING participants are visible to the
// host's lobby badge but never meshed; DENIED participants leave.
const (
	StatusWaiting  = "WAITING"
	StatusApproved = "APPROVED"
	StatusDenied   = "DENIED"
)

// Participant is one (room, identity) presence record. It is upserted on
// every heartbeat; LastSeen drives liveness pruning.
type Participant struct {
	ID              string `json:"id"`
	Room            string `json:"room"`
	Name            string `json:"name"`
	Role            string `json:"role"`
	Status          string `json:"status"`
	IsMuted         bool   `json:"isMuted"`
	IsVideoOff      bool   `json:"isVideoOff"`
	IsSharingScreen bool   `json:"isSharingScreen"`
	IsSpeaking      bool   `json:"isSpeaking"`
	IsHandRaised    bool   `json:"isHandRaised"`
	Reaction        string `json:"reaction,omitempty"`
	LastSeen        int64  `json:"lastSeen"` // unix millis
}

// Meshable reports whether a remote participant is eligible for a peer
// connection: admitted, and not the synthetic assistant tile.
func (p Participant) Meshable() bool {
	return p.Status == StatusApproved && p.Role != RoleAI
}

// Signal kinds carried over the broadcast channel.
const (
	SignalOffer  = "offer"
	SignalAnswer = "answer"
	SignalICE    = "ice"
)

// TargetAll addresses a signal or command to every participant in the room.
const TargetAll = "all"

// Signal is one point-to-point signaling message. SDP fields are set for
// offer/answer, candidate fields for ice. Within one peer pair the offer
// precedes its answer; ICE candidates may arrive on either side of the
// answer and must be buffered until the remote description is set.
type Signal struct {
	Room      string  `json:"room"`
	SenderID  string  `json:"senderId"`
	TargetID  string  `json:"targetId"` // specific id or "all"
	Kind      string  `json:"kind"`     // offer | answer | ice
	SDP       string  `json:"sdp,omitempty"`
	SDPType   string  `json:"sdpType,omitempty"`
	Candidate string  `json:"candidate,omitempty"`
	SDPMid    *string `json:"sdpMid,omitempty"`
	SDPMLine  *uint16 `json:"sdpMLineIndex,omitempty"`
}

// Command types.
const (
	CmdMute      = "MUTE"
	CmdKick      = "KICK"
	CmdAdmit     = "ADMIT"
	CmdDeny      = "DENY"
	CmdRaiseHand = "RAISE_HAND"
)

// Command is a persisted moderation action. Delivery is at-least-once;
// application must be idempotent on ID.
type Command struct {
	ID       string `json:"id"`
	Room     string `json:"room"`
	TargetID string `json:"targetId"` // specific id or "all"
	Type     string `json:"type"`
	IssuerID string `json:"issuerId"`
	TS       int64  `json:"ts"`
}

// Caption is the latest transcribed utterance for a room. One mutable row
// per room; consumers apply latest-wins on Timestamp.
type Caption struct {
	Room        string `json:"room"`
	Text        string `json:"text"`
	SpeakerName string `json:"speakerName"`
	Timestamp   int64  `json:"timestamp"`
}

// ChatMessage is a persisted room chat message.
type ChatMessage struct {
	ID         string `json:"id"`
	Room       string `json:"room"`
	SenderID   string `json:"senderId"`
	SenderName string `json:"senderName"`
	Text       string `json:"text"`
	Timestamp  int64  `json:"timestamp"`
	IsAI       bool   `json:"isAi,omitempty"`
}

// Room is the durable room record. Written exactly once (insert-or-ignore
// keyed by name); HostID is authoritative: whoever's insert won is HOST
// and every later joiner demotes itself.
type Room struct {
	Name            string `json:"name"`
	HostID          string `json:"hostId"`
	RequireApproval bool   `json:"requireApproval"`
	CreatedAt       int64  `json:"createdAt"`
}

func NowMillis() int64 { return time.Now().UnixMilli() }
