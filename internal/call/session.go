package call

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/petervdpas/goopcall/internal/realtime"
)

// In-flight operations. While one is set the session rejects conflicting
// triggers instead of queueing them.
const (
	opAcquire = "acquiring-media"
	opOffer   = "sending-offer"
	opAccept  = "accepting"
	opAnswer  = "applying-answer"
)

// session is the single unit of call state. Every field is guarded by
// Manager.mu; only the Manager mutates it.
type session struct {
	id        string
	direction Direction
	peerID    string
	peerName  string
	mediaKind MediaKind

	state   State
	outcome Outcome
	pending string
	err     error

	everActive bool
	offerSent  bool // our call_offer reached the transport
	offerDone  chan struct{} // closed once the call_offer write has returned

	// ctx is cancelled when the session turns terminal, aborting workers.
	ctx    context.Context
	cancel context.CancelFunc

	link   PeerLink
	tracks LocalMedia

	audioMuted bool
	videoOff   bool

	// offer is the inbound offer until it is applied as remote description.
	offer      *realtime.SessionDescription
	localDesc  *realtime.SessionDescription
	remoteDesc *realtime.SessionDescription

	ice *iceBuffer

	// outbox holds local candidates gathered before our offer/answer went out.
	outbox     []realtime.ICECandidate
	outboxOpen bool

	remoteTracks []RemoteTrack

	logTrack *logTrack
	logID    string

	startedAt   time.Time
	connectedAt time.Time
	endedAt     time.Time
}

func newSession(parent context.Context, dir Direction, peerID string, kind MediaKind) *session {
	id := uuid.NewString()
	ctx, cancel := context.WithCancel(parent)
	return &session{
		ctx:       ctx,
		cancel:    cancel,
		id:        id,
		direction: dir,
		peerID:    peerID,
		mediaKind: kind,
		ice:       newICEBuffer(id),
		startedAt: time.Now(),
	}
}

func (s *session) snapshot() Snapshot {
	snap := Snapshot{
		ID:          s.id,
		State:       s.state,
		Direction:   s.direction,
		PeerID:      s.peerID,
		PeerName:    s.peerName,
		MediaKind:   s.mediaKind,
		Outcome:     s.outcome,
		LogID:       s.logID,
		StartedAt:   s.startedAt,
		ConnectedAt: s.connectedAt,
		EndedAt:     s.endedAt,
		Pending:     s.pending,
		AudioMuted:  s.audioMuted,
		VideoOff:    s.videoOff,
	}
	if len(s.remoteTracks) > 0 {
		snap.RemoteTracks = append([]RemoteTrack(nil), s.remoteTracks...)
	}
	if s.err != nil {
		snap.Err = s.err.Error()
	}
	return snap
}

// currentOutcome is what a hang-up right now would record.
func (s *session) currentOutcome() Outcome {
	if s.everActive {
		return OutcomeAccepted
	}
	return OutcomeMissed
}
