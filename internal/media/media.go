// Package media is the Pion side of a call: PeerConnections wrapped as
// call.PeerLink, and local camera/microphone capture via pion/mediadevices
// wrapped as call.MediaCapture.
package media

import (
	"errors"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"github.com/pion/webrtc/v4"

	"github.com/petervdpas/goopcall/internal/call"
)

var log = logging.Logger("media")

// ErrNoDevices is returned by Capture when no usable camera or microphone
// could be opened.
var ErrNoDevices = errors.New("no usable media devices")

// DefaultICEServers are the public STUN servers used when none are configured.
var DefaultICEServers = []string{
	"stun:stun.l.google.com:19302",
	"stun:global.stun.twilio.com:3478",
}

// Options tune PeerConnections and capture.
type Options struct {
	ICEServers []string

	// ICE timeouts. A relay path can stall for a few seconds during
	// failover; the pion default of 5s disconnect is too eager for that.
	DisconnectedTimeout time.Duration
	FailedTimeout       time.Duration
	KeepAliveInterval   time.Duration

	VideoMaxWidth  int
	VideoMaxHeight int
	VideoBitrate   int

	// KeyframeInterval is how often a PLI is sent for inbound video.
	KeyframeInterval time.Duration

	// ReceiveOnly lets a call proceed without local devices.
	ReceiveOnly bool
}

func (o Options) withDefaults() Options {
	if len(o.ICEServers) == 0 {
		o.ICEServers = DefaultICEServers
	}
	if o.DisconnectedTimeout <= 0 {
		o.DisconnectedTimeout = 30 * time.Second
	}
	if o.FailedTimeout <= 0 {
		o.FailedTimeout = 120 * time.Second
	}
	if o.KeepAliveInterval <= 0 {
		o.KeepAliveInterval = 2 * time.Second
	}
	if o.VideoMaxWidth <= 0 {
		o.VideoMaxWidth = 640
	}
	if o.VideoMaxHeight <= 0 {
		o.VideoMaxHeight = 480
	}
	if o.VideoBitrate <= 0 {
		o.VideoBitrate = 1_500_000
	}
	if o.KeyframeInterval <= 0 {
		o.KeyframeInterval = 3 * time.Second
	}
	return o
}

func codecType(k call.MediaKind) webrtc.RTPCodecType {
	if k == call.Audio {
		return webrtc.RTPCodecTypeAudio
	}
	return webrtc.RTPCodecTypeVideo
}

func mediaKind(t webrtc.RTPCodecType) call.MediaKind {
	if t == webrtc.RTPCodecTypeAudio {
		return call.Audio
	}
	return call.Video
}

// addRecvOnlyTransceivers adds recvonly transceivers so CreateOffer and
// CreateAnswer always produce valid m-lines with ICE credentials, even with
// no local tracks.
func addRecvOnlyTransceivers(id string, pc *webrtc.PeerConnection, kinds ...webrtc.RTPCodecType) {
	for _, k := range kinds {
		if _, err := pc.AddTransceiverFromKind(k, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionRecvonly,
		}); err != nil {
			log.Warnf("LINK [%s]: AddTransceiver(%s): %v", id, k, err)
		}
	}
}
