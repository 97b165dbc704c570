package media

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/interceptor"
	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"

	"github.com/petervdpas/goopcall/internal/call"
	"github.com/petervdpas/goopcall/internal/realtime"
)

// Factory builds one PeerConnection per call attempt.
type Factory struct {
	codecs *Codecs

	mu  sync.RWMutex
	opt Options
}

// NewFactory returns a LinkFactory using codecs for the media engine.
func NewFactory(codecs *Codecs, opt Options) *Factory {
	return &Factory{codecs: codecs, opt: opt.withDefaults()}
}

// SetICEServers replaces the STUN/TURN URLs used by links created from now
// on. Running links keep theirs.
func (f *Factory) SetICEServers(urls []string) {
	f.mu.Lock()
	f.opt.ICEServers = urls
	f.opt = f.opt.withDefaults()
	f.mu.Unlock()
}

// ICEServers returns the URLs new links will use.
func (f *Factory) ICEServers() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return append([]string(nil), f.opt.ICEServers...)
}

// NewLink implements call.LinkFactory.
func (f *Factory) NewLink(ctx context.Context, kind call.MediaKind) (call.PeerLink, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l, err := f.newLink(kind)
	if err != nil {
		return nil, err
	}
	return l, nil
}

func (f *Factory) newLink(kind call.MediaKind) (*Link, error) {
	f.mu.RLock()
	opt := f.opt
	f.mu.RUnlock()

	mediaEngine := &webrtc.MediaEngine{}
	if err := f.codecs.register(mediaEngine); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}
	interceptorRegistry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, interceptorRegistry); err != nil {
		return nil, fmt.Errorf("register interceptors: %w", err)
	}

	se := webrtc.SettingEngine{}
	se.SetICETimeouts(opt.DisconnectedTimeout, opt.FailedTimeout, opt.KeepAliveInterval)

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(interceptorRegistry),
		webrtc.WithSettingEngine(se),
	)
	pc, err := api.NewPeerConnection(webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{{URLs: opt.ICEServers}},
	})
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}
	return newLink(pc, kind, opt.KeyframeInterval), nil
}

// RemoteStats counts what arrived on one inbound track.
type RemoteStats struct {
	TrackID  string         `json:"track_id"`
	Kind     call.MediaKind `json:"kind"`
	Packets  uint64         `json:"packets"`
	Bytes    uint64         `json:"bytes"`
	Lost     uint64         `json:"lost"`
	LastSeen time.Time      `json:"last_seen,omitzero"`

	lastSeq uint16
	started bool
}

func (s *RemoteStats) add(pkt *rtp.Packet, at time.Time) {
	if s.started {
		if gap := pkt.SequenceNumber - s.lastSeq; gap > 1 && gap < 0x8000 {
			s.Lost += uint64(gap - 1)
		}
	}
	s.started = true
	s.lastSeq = pkt.SequenceNumber
	s.Packets++
	s.Bytes += uint64(len(pkt.Payload))
	s.LastSeen = at
}

// Link is a call.PeerLink over a pion PeerConnection.
type Link struct {
	id       string
	kind     call.MediaKind
	pc       *webrtc.PeerConnection
	keyframe time.Duration

	mu    sync.Mutex
	stats map[string]*RemoteStats

	closeOnce sync.Once
	done      chan struct{}
}

func newLink(pc *webrtc.PeerConnection, kind call.MediaKind, keyframe time.Duration) *Link {
	l := &Link{
		id:       uuid.NewString()[:8],
		kind:     kind,
		pc:       pc,
		keyframe: keyframe,
		stats:    make(map[string]*RemoteStats),
		done:     make(chan struct{}),
	}
	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		log.Infof("LINK [%s]: connection %s", l.id, s)
	})
	return l
}

// ID is a short identifier for log lines.
func (l *Link) ID() string { return l.id }

// AttachMedia adds the stream's tracks. A stream without tracks, or one
// that is not a *LocalStream, leaves the link receive-only.
func (l *Link) AttachMedia(m call.LocalMedia) error {
	ls, _ := m.(*LocalStream)
	var tracks []webrtc.TrackLocal
	if ls != nil {
		tracks = ls.Tracks()
	}

	have := map[webrtc.RTPCodecType]bool{}
	for _, t := range tracks {
		sender, err := l.pc.AddTrack(t)
		if err != nil {
			return fmt.Errorf("add %s track: %w", t.Kind(), err)
		}
		have[t.Kind()] = true
		if err := ls.bind(t.Kind(), sender); err != nil {
			log.Warnf("LINK [%s]: apply mute: %v", l.id, err)
		}
		go l.drainRTCP(sender)
	}

	want := []webrtc.RTPCodecType{webrtc.RTPCodecTypeAudio}
	if l.kind == call.Video {
		want = append(want, webrtc.RTPCodecTypeVideo)
	}
	var recv []webrtc.RTPCodecType
	for _, k := range want {
		if !have[k] {
			recv = append(recv, k)
		}
	}
	addRecvOnlyTransceivers(l.id, l.pc, recv...)
	log.Debugf("LINK [%s]: attached %d local tracks", l.id, len(tracks))
	return nil
}

// drainRTCP reads sender reports so interceptors keep working.
func (l *Link) drainRTCP(sender *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
	}
}

func (l *Link) CreateOffer(ctx context.Context) (realtime.SessionDescription, error) {
	offer, err := l.pc.CreateOffer(nil)
	if err != nil {
		return realtime.SessionDescription{}, err
	}
	return l.setLocal(ctx, offer)
}

func (l *Link) CreateAnswer(ctx context.Context) (realtime.SessionDescription, error) {
	answer, err := l.pc.CreateAnswer(nil)
	if err != nil {
		return realtime.SessionDescription{}, err
	}
	return l.setLocal(ctx, answer)
}

func (l *Link) setLocal(ctx context.Context, desc webrtc.SessionDescription) (realtime.SessionDescription, error) {
	if err := ctx.Err(); err != nil {
		return realtime.SessionDescription{}, err
	}
	if err := l.pc.SetLocalDescription(desc); err != nil {
		return realtime.SessionDescription{}, err
	}
	return realtime.SessionDescription{Type: desc.Type.String(), SDP: desc.SDP}, nil
}

func (l *Link) SetRemoteDescription(desc realtime.SessionDescription) error {
	t := webrtc.NewSDPType(desc.Type)
	if t == webrtc.SDPTypeUnknown {
		return fmt.Errorf("unknown sdp type %q", desc.Type)
	}
	return l.pc.SetRemoteDescription(webrtc.SessionDescription{Type: t, SDP: desc.SDP})
}

func (l *Link) AddICECandidate(c realtime.ICECandidate) error {
	return l.pc.AddICECandidate(webrtc.ICECandidateInit{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	})
}

func (l *Link) OnLocalCandidate(fn func(realtime.ICECandidate)) {
	l.pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		ci := c.ToJSON()
		fn(realtime.ICECandidate{
			Candidate:        ci.Candidate,
			SDPMid:           ci.SDPMid,
			SDPMLineIndex:    ci.SDPMLineIndex,
			UsernameFragment: ci.UsernameFragment,
		})
	})
}

// OnRemoteTrack reports inbound tracks and starts reading them.
func (l *Link) OnRemoteTrack(fn func(call.RemoteTrack)) {
	l.pc.OnTrack(func(tr *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		kind := mediaKind(tr.Kind())
		log.Infof("LINK [%s]: remote %s track %s (%s)", l.id, kind, tr.ID(), tr.Codec().MimeType)
		fn(call.RemoteTrack{ID: tr.ID(), Kind: kind})
		if kind == call.Video {
			go l.requestKeyframes(tr.SSRC())
		}
		go l.readRemote(tr, kind)
	})
}

func (l *Link) readRemote(tr *webrtc.TrackRemote, kind call.MediaKind) {
	l.mu.Lock()
	st := &RemoteStats{TrackID: tr.ID(), Kind: kind}
	l.stats[tr.ID()] = st
	l.mu.Unlock()

	for {
		pkt, _, err := tr.ReadRTP()
		if err != nil {
			log.Debugf("LINK [%s]: remote %s track ended: %v", l.id, kind, err)
			return
		}
		l.mu.Lock()
		st.add(pkt, time.Now())
		l.mu.Unlock()
	}
}

// requestKeyframes sends a PLI at a fixed interval so a late or lossy start
// still gets a decodable picture.
func (l *Link) requestKeyframes(ssrc webrtc.SSRC) {
	t := time.NewTicker(l.keyframe)
	defer t.Stop()
	for {
		select {
		case <-l.done:
			return
		case <-t.C:
			err := l.pc.WriteRTCP([]rtcp.Packet{&rtcp.PictureLossIndication{MediaSSRC: uint32(ssrc)}})
			if err != nil {
				if !errors.Is(err, webrtc.ErrConnectionClosed) {
					log.Debugf("LINK [%s]: PLI: %v", l.id, err)
				}
				return
			}
		}
	}
}

// Stats returns a copy of the inbound counters.
func (l *Link) Stats() []RemoteStats {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]RemoteStats, 0, len(l.stats))
	for _, s := range l.stats {
		out = append(out, *s)
	}
	return out
}

// Close tears the PeerConnection down. Only the first call has effect.
func (l *Link) Close() error {
	var err error
	l.closeOnce.Do(func() {
		close(l.done)
		err = l.pc.Close()
		log.Debugf("LINK [%s]: closed", l.id)
	})
	return err
}
