package media

import (
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/petervdpas/goopcall/internal/call"
)

// LocalStream is a set of captured local tracks. Muting swaps the sender's
// track for nil, so the remote side sees silence/black rather than a
// renegotiation.
type LocalStream struct {
	kind call.MediaKind

	mu       sync.Mutex
	tracks   []webrtc.TrackLocal
	senders  map[webrtc.RTPCodecType]*webrtc.RTPSender
	disabled map[webrtc.RTPCodecType]bool
	closers  []func() error
	released bool
}

// NewLocalStream wraps already captured tracks. closers run once on Release.
// A stream with no tracks is receive-only.
func NewLocalStream(kind call.MediaKind, tracks []webrtc.TrackLocal, closers ...func() error) *LocalStream {
	return &LocalStream{
		kind:     kind,
		tracks:   tracks,
		senders:  make(map[webrtc.RTPCodecType]*webrtc.RTPSender),
		disabled: make(map[webrtc.RTPCodecType]bool),
		closers:  closers,
	}
}

func (s *LocalStream) Kind() call.MediaKind { return s.kind }

// Tracks returns the captured tracks.
func (s *LocalStream) Tracks() []webrtc.TrackLocal {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]webrtc.TrackLocal(nil), s.tracks...)
}

func (s *LocalStream) trackOf(t webrtc.RTPCodecType) webrtc.TrackLocal {
	for _, tr := range s.tracks {
		if tr.Kind() == t {
			return tr
		}
	}
	return nil
}

// bind records the sender carrying the track of type t and applies a mute
// that was requested before the track was attached.
func (s *LocalStream) bind(t webrtc.RTPCodecType, sender *webrtc.RTPSender) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.senders[t] = sender
	if s.disabled[t] {
		return sender.ReplaceTrack(nil)
	}
	return nil
}

// SetEnabled mutes or unmutes the track of the given kind.
func (s *LocalStream) SetEnabled(kind call.MediaKind, on bool) error {
	t := codecType(kind)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.released {
		return fmt.Errorf("local %s: stream released", kind)
	}
	track := s.trackOf(t)
	if track == nil {
		return fmt.Errorf("no local %s track", kind)
	}
	s.disabled[t] = !on
	sender, ok := s.senders[t]
	if !ok {
		return nil
	}
	if on {
		return sender.ReplaceTrack(track)
	}
	return sender.ReplaceTrack(nil)
}

// Enabled reports whether the track of kind is sending.
func (s *LocalStream) Enabled(kind call.MediaKind) bool {
	t := codecType(kind)
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.trackOf(t) != nil && !s.disabled[t]
}

// Release stops every track. Safe to call more than once.
func (s *LocalStream) Release() {
	s.mu.Lock()
	if s.released {
		s.mu.Unlock()
		return
	}
	s.released = true
	closers := s.closers
	s.closers = nil
	s.mu.Unlock()

	for _, c := range closers {
		if err := c(); err != nil {
			log.Debugf("release track: %v", err)
		}
	}
}
