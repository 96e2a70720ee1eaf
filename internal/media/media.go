// Package media owns local capture: camera, microphone, and screen. It
// builds the webrtc API whose media engine matches the capture codecs, and
// hands the mesh connector a set of local tracks. Capture failure is never
// fatal; the call degrades to receive-only.
package media

import (
	"time"

	logging "github.com/ipfs/go-log/v2"
	"github.com/pion/webrtc/v4"
)

var log = logging.Logger("media")

// Source is the local capture state: zero or more outbound tracks plus a
// close hook for the underlying devices.
type Source struct {
	AudioTracks []webrtc.TrackLocal
	VideoTracks []webrtc.TrackLocal
	closeFn     func()
}

// HasVideo reports whether camera capture succeeded.
func (s *Source) HasVideo() bool { return s != nil && len(s.VideoTracks) > 0 }

// HasAudio reports whether microphone capture succeeded.
func (s *Source) HasAudio() bool { return s != nil && len(s.AudioTracks) > 0 }

// Close releases the capture devices. Safe on nil and on repeat calls.
func (s *Source) Close() {
	if s != nil && s.closeFn != nil {
		s.closeFn()
		s.closeFn = nil
	}
}

// NoticeFunc receives user-relevant hardware notices ("camera busy",
// "no microphone") for the session's toast stream. May be nil.
type NoticeFunc func(level, msg string)

// NewReceiveOnlyAPI builds a webrtc API with the default codecs and no
// capture attached. Used when media is disabled by config.
func NewReceiveOnlyAPI() (*webrtc.API, error) {
	m := &webrtc.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, err
	}
	se := webrtc.SettingEngine{}
	se.SetICETimeouts(30*time.Second, 120*time.Second, 2*time.Second)
	return webrtc.NewAPI(webrtc.WithMediaEngine(m), webrtc.WithSettingEngine(se)), nil
}

// AddRecvOnlyTransceivers adds recvonly transceivers for video and audio so
// CreateOffer/CreateAnswer always produces valid m-lines with ICE
// credentials even without local capture.
func AddRecvOnlyTransceivers(pc *webrtc.PeerConnection) {
	if _, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeVideo, webrtc.RTPTransceiverInit{
		Direction: webrtc.RTPTransceiverDirectionRecvonly,
	}); err != nil {
		log.Warnf("AddTransceiver(video): %v", err)
	}
	if _, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeAudio, webrtc.RTPTransceiverInit{
		Direction: webrtc.RTPTransceiverDirectionRecvonly,
	}); err != nil {
		log.Warnf("AddTransceiver(audio): %v", err)
	}
}
