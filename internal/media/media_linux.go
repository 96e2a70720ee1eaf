//go:build linux && cgo

package media

import (
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	_ "github.com/pion/mediadevices/pkg/driver/screen"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"
)

// NewEngine builds the webrtc API with VP8+Opus codecs and attempts local
// camera/mic capture via pion/mediadevices (V4L2 + malgo). GetUserMedia
// fails as a unit if either track can't be opened, so attempts run
// video+audio, then video-only, then audio-only before giving up and
// returning a nil-track Source (receive-only call).
func NewEngine(notify NoticeFunc) (*webrtc.API, *Source, error) {
	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, nil, err
	}
	vpxParams.BitRate = 1_500_000 // 1.5 Mbps

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, nil, err
	}

	codecSelector := mediadevices.NewCodecSelector(
		mediadevices.WithVideoEncoders(&vpxParams),
		mediadevices.WithAudioEncoders(&opusParams),
	)

	mediaEngine := &webrtc.MediaEngine{}
	codecSelector.Populate(mediaEngine)

	interceptorRegistry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, interceptorRegistry); err != nil {
		return nil, nil, err
	}

	// Generous ICE timeouts so a brief NAT hiccup does not immediately
	// terminate the call. The default disconnectedTimeout is 5 s, too
	// short for paths with short outages during re-keying or failover.
	se := webrtc.SettingEngine{}
	se.SetICETimeouts(30*time.Second, 120*time.Second, 2*time.Second)

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(interceptorRegistry),
		webrtc.WithSettingEngine(se),
	)

	src := capture(codecSelector, notify)
	return api, src, nil
}

// capture tries the staged GetUserMedia attempts and packs whatever tracks
// came up into a Source.
func capture(codecSelector *mediadevices.CodecSelector, notify NoticeFunc) *Source {
	if len(mediadevices.EnumerateDevices()) == 0 {
		warn(notify, "no media devices found")
	}

	type attempt struct {
		video bool
		audio bool
		label string
	}
	for _, a := range []attempt{
		{true, true, "video+audio"},
		{true, false, "video-only"},
		{false, true, "audio-only"},
	} {
		constraints := mediadevices.MediaStreamConstraints{Codec: codecSelector}
		if a.video {
			constraints.Video = func(c *mediadevices.MediaTrackConstraints) {
				// Exclude MJPEG: some cameras expose an MJPEG V4L2 node
				// producing malformed JPEG frames that poison the VP8
				// encoder. Raw formats only.
				c.FrameFormat = prop.FrameFormatOneOf{
					frame.FormatYUYV,
					frame.FormatI420,
					frame.FormatI444,
					frame.FormatRGBA,
				}
				c.Width = prop.IntRanged{Max: 640}
				c.Height = prop.IntRanged{Max: 480}
			}
		}
		if a.audio {
			constraints.Audio = func(_ *mediadevices.MediaTrackConstraints) {}
		}

		stream, err := mediadevices.GetUserMedia(constraints)
		if err != nil {
			warn(notify, "GetUserMedia ("+a.label+") failed: "+err.Error())
			continue
		}

		tracks := stream.GetTracks()
		src := &Source{}
		for _, track := range tracks {
			track.OnEnded(func(err error) {
				if err != nil {
					log.Warnf("local track ended: %v", err)
				}
			})
			switch track.Kind() {
			case webrtc.RTPCodecTypeAudio:
				src.AudioTracks = append(src.AudioTracks, track)
			case webrtc.RTPCodecTypeVideo:
				src.VideoTracks = append(src.VideoTracks, track)
			}
		}
		src.closeFn = func() {
			for _, t := range tracks {
				t.Close()
			}
		}
		log.Infof("local media captured (%s), %d tracks", a.label, len(tracks))
		return src
	}

	warn(notify, "all media capture attempts failed, proceeding receive-only")
	return &Source{}
}

// AcquireScreen captures the display for screen sharing and returns its
// video track. The caller swaps it into every live connection and must
// Close the source to revert.
func AcquireScreen(notify NoticeFunc) (*Source, error) {
	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, err
	}
	vpxParams.BitRate = 2_000_000

	codecSelector := mediadevices.NewCodecSelector(
		mediadevices.WithVideoEncoders(&vpxParams),
	)

	stream, err := mediadevices.GetDisplayMedia(mediadevices.MediaStreamConstraints{
		Codec: codecSelector,
		Video: func(c *mediadevices.MediaTrackConstraints) {},
	})
	if err != nil {
		warn(notify, "screen capture failed: "+err.Error())
		return nil, err
	}

	tracks := stream.GetTracks()
	src := &Source{}
	for _, track := range tracks {
		if track.Kind() == webrtc.RTPCodecTypeVideo {
			src.VideoTracks = append(src.VideoTracks, track)
		}
	}
	src.closeFn = func() {
		for _, t := range tracks {
			t.Close()
		}
	}
	return src, nil
}

func warn(notify NoticeFunc, msg string) {
	log.Warnf("%s", msg)
	if notify != nil {
		notify("warn", msg)
	}
}
