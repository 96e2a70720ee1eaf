package mesh

import (
	"errors"
	"io"
	"time"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
)

// RTPPacket is re-exported so sinks don't import pion/rtp directly.
type RTPPacket = *rtp.Packet

// pliInterval is how often a PLI keyframe request goes out for a remote
// video track. Without it a receiver that joins mid-stream can sit on
// deltas against a frame it never saw.
const pliInterval = 3 * time.Second

// pumpTrack is the single reader for one remote track: it keeps RTP
// flowing (and with it the interceptor's RTCP reports), requests periodic
// keyframes for video, and hands packets to the sink if one is set.
func pumpTrack(pc *webrtc.PeerConnection, track *webrtc.TrackRemote, peerID, kind string, sink TrackSink) {
	done := make(chan struct{})
	defer close(done)

	if kind == webrtc.RTPCodecTypeVideo.String() {
		go func() {
			t := time.NewTicker(pliInterval)
			defer t.Stop()
			for {
				select {
				case <-done:
					return
				case <-t.C:
					err := pc.WriteRTCP([]rtcp.Packet{
						&rtcp.PictureLossIndication{MediaSSRC: uint32(track.SSRC())},
					})
					if err != nil {
						return // connection is gone; reader exits on its own
					}
				}
			}
		}()
	}

	for {
		pkt, _, err := track.ReadRTP()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				log.Debugf("track %s/%s read ended: %v", peerID, kind, err)
			}
			return
		}
		if sink != nil {
			sink(peerID, kind, pkt)
		}
	}
}
