package routes

import (
	"context"
	"net/http"

	"github.com/petervdpas/goopcall/internal/call"
	"github.com/petervdpas/goopcall/internal/storage"
)

type Logs interface {
	ServeLogsJSON(w http.ResponseWriter, r *http.Request)
	ServeLogsSSE(w http.ResponseWriter, r *http.Request)
}

// Calls is the part of call.Manager the routes drive.
type Calls interface {
	SelfID() string
	Current() call.Snapshot
	Last() call.Snapshot
	Subscribe() (<-chan call.Snapshot, func())
	PlaceCall(ctx context.Context, peerID string, kind call.MediaKind) (call.Snapshot, error)
	Accept(ctx context.Context) error
	Decline() error
	Hangup() error
	ToggleAudio() (bool, error)
	ToggleVideo() (bool, error)
}

// Tone streams ringback play/stop events.
type Tone interface {
	SubscribeTone() (<-chan bool, func())
}

type Deps struct {
	Calls    Calls
	Tone     Tone               // nil: no ringtone events
	History  call.HistorySource // nil: empty history
	SelfName func() string

	// LocalLog serves the call-log REST API when the call log is kept
	// locally; nil leaves /api/calls/ unregistered.
	LocalLog *storage.DB

	Logs Logs
}

func Register(mux *http.ServeMux, d Deps) {
	registerAPILogRoutes(mux, d)
	if d.Calls != nil {
		registerCallRoutes(mux, d)
	}
	if d.LocalLog != nil && d.Calls != nil {
		registerCallLogRoutes(mux, d.LocalLog, d.Calls.SelfID())
	}
}
