//go:build !linux || !cgo

package media

import (
	"errors"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
)

// NewEngine builds a default-codec webrtc API without local capture.
// Camera/mic capture via pion/mediadevices needs platform drivers
// (V4L2/malgo on Linux); elsewhere the client runs receive-only.
func NewEngine(notify NoticeFunc) (*webrtc.API, *Source, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, nil, err
	}

	interceptorRegistry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, interceptorRegistry); err != nil {
		return nil, nil, err
	}

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(interceptorRegistry),
	)

	if notify != nil {
		notify("info", "no local capture on this platform, receive-only")
	}
	return api, &Source{}, nil
}

// AcquireScreen is unsupported without platform capture drivers.
func AcquireScreen(NoticeFunc) (*Source, error) {
	return nil, errors.New("screen capture not supported on this platform")
}
