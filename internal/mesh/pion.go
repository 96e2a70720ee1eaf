package mesh

import (
	"context"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/orbitmeet/orbit/internal/media"
)

// DefaultICEServers is used when the config leaves ICE servers empty.
var DefaultICEServers = []string{"stun:stun.l.google.com:19302"}

// TrackSink consumes depacketized traffic from remote tracks. Nil means
// the receive pump drains packets to keep the RTCP machinery alive.
type TrackSink func(peerID, kind string, pkt RTPPacket)

// PionConnector creates real peer connections. One connector per session:
// it owns the shared webrtc API, the local capture source, and the current
// outbound video override (screen share).
type PionConnector struct {
	api        *webrtc.API
	src        *media.Source
	iceServers []webrtc.ICEServer
	sink       TrackSink

	mu            sync.Mutex
	videoOverride webrtc.TrackLocal // non-nil while screen sharing
}

// NewPionConnector wraps the API and capture source built by media.NewEngine.
func NewPionConnector(api *webrtc.API, src *media.Source, iceURLs []string, sink TrackSink) *PionConnector {
	if len(iceURLs) == 0 {
		iceURLs = DefaultICEServers
	}
	servers := make([]webrtc.ICEServer, 0, len(iceURLs))
	for _, u := range iceURLs {
		servers = append(servers, webrtc.ICEServer{URLs: []string{u}})
	}
	return &PionConnector{api: api, src: src, iceServers: servers, sink: sink}
}

// SetVideoOverride records the track new connections should send instead of
// the camera. Existing connections are swapped by the mesh manager.
func (c *PionConnector) SetVideoOverride(track webrtc.TrackLocal) {
	c.mu.Lock()
	c.videoOverride = track
	c.mu.Unlock()
}

// CameraTrack returns the capture source's video track, for reverting a
// screen share. Nil when capture is audio-only or absent.
func (c *PionConnector) CameraTrack() webrtc.TrackLocal {
	if c.src.HasVideo() {
		return c.src.VideoTracks[0]
	}
	return nil
}

// Open creates a peer connection with local tracks attached and all
// platform events bridged into ev.
func (c *PionConnector) Open(remoteID string, ev LinkEvents) (Link, error) {
	pc, err := c.api.NewPeerConnection(webrtc.Configuration{ICEServers: c.iceServers})
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}

	l := &pionLink{pc: pc}

	if c.src != nil {
		for _, t := range c.src.AudioTracks {
			if _, err := pc.AddTrack(t); err != nil {
				log.Warnw("add audio track", "peer", remoteID, "err", err)
			}
		}
	}
	video := c.currentVideo()
	if video != nil {
		sender, err := pc.AddTrack(video)
		if err != nil {
			log.Warnw("add video track", "peer", remoteID, "err", err)
		} else {
			l.videoSender = sender
		}
	}
	if !c.src.HasAudio() && video == nil {
		media.AddRecvOnlyTransceivers(pc)
	}

	pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand == nil {
			return // end of gathering
		}
		init := cand.ToJSON()
		ev.OnCandidate(init.Candidate, init.SDPMid, init.SDPMLineIndex)
	})

	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		switch s {
		case webrtc.PeerConnectionStateConnected:
			ev.OnConnected()
		case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed:
			ev.OnFailed()
		}
	})

	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		kind := track.Kind().String()
		go pumpTrack(pc, track, remoteID, kind, c.sink)
		ev.OnTrack(kind, track)
	})

	return l, nil
}

func (c *PionConnector) currentVideo() webrtc.TrackLocal {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.videoOverride != nil {
		return c.videoOverride
	}
	if c.src.HasVideo() {
		return c.src.VideoTracks[0]
	}
	return nil
}

// pionLink wraps one PeerConnection. Remote ICE candidates arriving before
// the remote description are buffered and flushed once it lands.
type pionLink struct {
	pc          *webrtc.PeerConnection
	videoSender *webrtc.RTPSender

	mu        sync.Mutex
	remoteSet bool
	pending   []webrtc.ICECandidateInit
	closed    bool
}

func (l *pionLink) CreateOffer(_ context.Context) (string, string, error) {
	offer, err := l.pc.CreateOffer(nil)
	if err != nil {
		return "", "", fmt.Errorf("create offer: %w", err)
	}
	// Local description must be set before the offer leaves, or trickled
	// candidates race the SDP.
	if err := l.pc.SetLocalDescription(offer); err != nil {
		return "", "", fmt.Errorf("set local description: %w", err)
	}
	return offer.SDP, offer.Type.String(), nil
}

func (l *pionLink) HandleOffer(_ context.Context, sdp, _ string) (string, string, error) {
	err := l.pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer,
		SDP:  sdp,
	})
	if err != nil {
		return "", "", fmt.Errorf("set remote offer: %w", err)
	}
	l.flushCandidates()

	answer, err := l.pc.CreateAnswer(nil)
	if err != nil {
		return "", "", fmt.Errorf("create answer: %w", err)
	}
	if err := l.pc.SetLocalDescription(answer); err != nil {
		return "", "", fmt.Errorf("set local description: %w", err)
	}
	return answer.SDP, answer.Type.String(), nil
}

func (l *pionLink) HandleAnswer(_ context.Context, sdp, _ string) error {
	err := l.pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer,
		SDP:  sdp,
	})
	if err != nil {
		return fmt.Errorf("set remote answer: %w", err)
	}
	l.flushCandidates()
	return nil
}

func (l *pionLink) AddCandidate(candidate string, mid *string, mline *uint16) error {
	init := webrtc.ICECandidateInit{Candidate: candidate, SDPMid: mid, SDPMLineIndex: mline}

	l.mu.Lock()
	if !l.remoteSet {
		l.pending = append(l.pending, init)
		l.mu.Unlock()
		return nil
	}
	l.mu.Unlock()
	return l.pc.AddICECandidate(init)
}

// flushCandidates applies candidates buffered before the remote
// description was set.
func (l *pionLink) flushCandidates() {
	l.mu.Lock()
	l.remoteSet = true
	pending := l.pending
	l.pending = nil
	l.mu.Unlock()

	for _, init := range pending {
		if err := l.pc.AddICECandidate(init); err != nil {
			log.Debugf("buffered candidate rejected: %v", err)
		}
	}
}

func (l *pionLink) ReplaceVideoTrack(track any) error {
	if l.videoSender == nil {
		return nil // receive-only link
	}
	t, ok := track.(webrtc.TrackLocal)
	if !ok {
		return fmt.Errorf("replace video track: unexpected type %T", track)
	}
	return l.videoSender.ReplaceTrack(t)
}

func (l *pionLink) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	l.mu.Unlock()
	return l.pc.Close()
}
