package call

import (
	"context"
	"fmt"
	"time"

	"github.com/petervdpas/goopcall/internal/realtime"
)

// State is the lifecycle state of a call session.
type State int

const (
	StateIdle State = iota
	StateOutboundInitializing
	StateOutboundRinging
	StateInboundRinging
	StateActive
	StateEnding
	StateEnded
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateOutboundInitializing:
		return "outbound:initializing"
	case StateOutboundRinging:
		return "outbound:ringing"
	case StateInboundRinging:
		return "inbound:ringing"
	case StateActive:
		return "active"
	case StateEnding:
		return "ending"
	case StateEnded:
		return "ended"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// MarshalText lets State appear by name in JSON snapshots.
func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// IsTerminal reports whether s is past the point of no return.
func (s State) IsTerminal() bool { return s == StateEnding || s == StateEnded }

// Direction tells who placed the call.
type Direction string

const (
	Outbound Direction = "outbound"
	Inbound  Direction = "inbound"
)

// MediaKind is fixed for the lifetime of a session.
type MediaKind string

const (
	Audio MediaKind = "audio"
	Video MediaKind = "video"
)

// ParseMediaKind accepts the call_type values used on the wire. Mqvi-style
// "voice" is accepted as audio.
func ParseMediaKind(s string) (MediaKind, error) {
	switch s {
	case "audio", "voice":
		return Audio, nil
	case "video", "":
		return Video, nil
	}
	return "", fmt.Errorf("unknown call type %q", s)
}

// Outcome is how an ended session finished.
type Outcome string

const (
	OutcomeNone     Outcome = ""
	OutcomeMissed   Outcome = "missed"
	OutcomeAccepted Outcome = "accepted"
	OutcomeError    Outcome = "error"
)

// LogStatus is the status written to the external call log.
type LogStatus string

const (
	LogMissed   LogStatus = "missed"
	LogAccepted LogStatus = "accepted"
	LogRejected LogStatus = "rejected"
)

// Valid reports whether s is a status the call log accepts.
func (s LogStatus) Valid() bool {
	return s == LogMissed || s == LogAccepted || s == LogRejected
}

// ─── Collaborators ──────────────────────────────────────────────────────────

// Signaler is the only surface the call package needs from the signaling
// transport. realtime.Bus satisfies it.
type Signaler interface {
	Send(ctx context.Context, msg *realtime.Message) error
	Subscribe(actions ...realtime.Action) (ch chan *realtime.Envelope, cancel func())
}

// LocalMedia is a set of captured local tracks. The session that acquired it
// owns it exclusively. Release must be idempotent.
type LocalMedia interface {
	Kind() MediaKind
	SetEnabled(kind MediaKind, on bool) error
	Release()
}

// MediaCapture acquires local tracks on demand.
type MediaCapture interface {
	Acquire(ctx context.Context, kind MediaKind) (LocalMedia, error)
}

// RemoteTrack describes one inbound media track.
type RemoteTrack struct {
	ID   string    `json:"id"`
	Kind MediaKind `json:"kind"`
}

// PeerLink is the real-time transport handle of one call attempt.
// CreateOffer and CreateAnswer also install the result as the local
// description.
type PeerLink interface {
	AttachMedia(m LocalMedia) error
	CreateOffer(ctx context.Context) (realtime.SessionDescription, error)
	CreateAnswer(ctx context.Context) (realtime.SessionDescription, error)
	SetRemoteDescription(desc realtime.SessionDescription) error
	AddICECandidate(c realtime.ICECandidate) error
	OnLocalCandidate(fn func(realtime.ICECandidate))
	OnRemoteTrack(fn func(RemoteTrack))
	Close() error
}

// LinkFactory creates a fresh PeerLink per call attempt.
type LinkFactory interface {
	NewLink(ctx context.Context, kind MediaKind) (PeerLink, error)
}

// CallLog is the external persisted call record.
type CallLog interface {
	Create(ctx context.Context, receiverID string, status LogStatus) (string, error)
	Update(ctx context.Context, id string, status LogStatus, endTime *time.Time) error
}

// Party is the other participant of a logged call.
type Party struct {
	ID             realtime.LogID `json:"id"`
	Username       string         `json:"username,omitempty"`
	FullName       string         `json:"full_name,omitempty"`
	ProfilePicture string         `json:"profile_picture,omitempty"`
}

// HistoryEntry is one call log record as seen by the local user.
type HistoryEntry struct {
	ID        realtime.LogID `json:"id"`
	Type      string         `json:"type"` // "outgoing" or "incoming"
	Status    LogStatus      `json:"status"`
	StartTime time.Time      `json:"start_time"`
	EndTime   *time.Time     `json:"end_time"`
	OtherUser *Party         `json:"other_user"`
}

// HistorySource lists the local user's calls, newest first.
type HistorySource interface {
	History(ctx context.Context) ([]HistoryEntry, error)
}

// TonePlayer plays the outbound ringback tone. Stop also rewinds.
type TonePlayer interface {
	Play() error
	Stop()
}

// ─── Snapshots ──────────────────────────────────────────────────────────────

// Snapshot is a read-only copy of the session state handed to the UI.
type Snapshot struct {
	ID           string        `json:"id,omitempty"`
	State        State         `json:"state"`
	Direction    Direction     `json:"direction,omitempty"`
	PeerID       string        `json:"peer_id,omitempty"`
	PeerName     string        `json:"peer_name,omitempty"`
	MediaKind    MediaKind     `json:"media_kind,omitempty"`
	Outcome      Outcome       `json:"outcome,omitempty"`
	LogID        string        `json:"log_id,omitempty"`
	StartedAt    time.Time     `json:"started_at,omitzero"`
	ConnectedAt  time.Time     `json:"connected_at,omitzero"`
	EndedAt      time.Time     `json:"ended_at,omitzero"`
	Pending      string        `json:"pending,omitempty"`
	AudioMuted   bool          `json:"audio_muted"`
	VideoOff     bool          `json:"video_off"`
	RemoteTracks []RemoteTrack `json:"remote_tracks,omitempty"`
	Err          string        `json:"error,omitempty"`
}

// IsCalling is true while an outbound call has not been answered yet.
func (s Snapshot) IsCalling() bool {
	return s.State == StateOutboundInitializing || s.State == StateOutboundRinging
}

// IsIncoming is true while an inbound call waits for the local user.
func (s Snapshot) IsIncoming() bool { return s.State == StateInboundRinging }

// IsAccepted is true once media flows.
func (s Snapshot) IsAccepted() bool { return s.State == StateActive }

// ShowsRemoteVideo reports whether the UI should render the remote video
// element rather than the avatar layout.
func (s Snapshot) ShowsRemoteVideo() bool {
	return s.State == StateActive && s.MediaKind == Video
}

// StatusText is the one-line status shown under the peer's avatar.
func (s Snapshot) StatusText() string {
	switch s.State {
	case StateOutboundInitializing:
		if s.Pending == opAcquire {
			return "Requesting camera/microphone access..."
		}
		return "Connecting..."
	case StateOutboundRinging:
		return "Calling..."
	case StateInboundRinging:
		if s.Pending == opAccept {
			return "Connecting..."
		}
		if s.MediaKind == Audio {
			return "Incoming voice call..."
		}
		return "Incoming video call..."
	}
	return ""
}
