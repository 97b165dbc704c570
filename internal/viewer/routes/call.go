package routes

import (
	"context"
	"net/http"

	"github.com/petervdpas/goopcall/internal/call"
	"github.com/petervdpas/goopcall/internal/util"
)

// stateView is a snapshot plus the flags the UI renders from.
type stateView struct {
	call.Snapshot
	StatusText       string `json:"status_text"`
	IsCalling        bool   `json:"is_calling"`
	IsIncoming       bool   `json:"is_incoming"`
	IsAccepted       bool   `json:"is_accepted"`
	ShowsRemoteVideo bool   `json:"shows_remote_video"`
}

func viewOf(s call.Snapshot) stateView {
	return stateView{
		Snapshot:         s,
		StatusText:       s.StatusText(),
		IsCalling:        s.IsCalling(),
		IsIncoming:       s.IsIncoming(),
		IsAccepted:       s.IsAccepted(),
		ShowsRemoteVideo: s.ShowsRemoteVideo(),
	}
}

type toneView struct {
	Playing  bool `json:"playing"`
	Position int  `json:"position"`
}

func registerCallRoutes(mux *http.ServeMux, d Deps) {
	calls := d.Calls

	handleGet(mux, "/api/call/self", func(w http.ResponseWriter, r *http.Request) {
		name := ""
		if d.SelfName != nil {
			name = d.SelfName()
		}
		writeJSON(w, map[string]string{"id": calls.SelfID(), "name": name})
	})

	handleGet(mux, "/api/call/state", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, viewOf(calls.Current()))
	})

	handleGet(mux, "/api/call/last", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, viewOf(calls.Last()))
	})

	handlePost(mux, "/api/call/place", func(w http.ResponseWriter, r *http.Request, req struct {
		PeerID   string `json:"peer_id"`
		CallType string `json:"call_type"`
	}) {
		if req.PeerID == "" {
			writeError(w, http.StatusBadRequest, "missing peer_id")
			return
		}
		kind, err := call.ParseMediaKind(req.CallType)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		// The call outlives the request.
		snap, err := calls.PlaceCall(context.WithoutCancel(r.Context()), req.PeerID, kind)
		if err != nil {
			writeCallError(w, err)
			return
		}
		writeJSON(w, viewOf(snap))
	})

	handlePost(mux, "/api/call/accept", func(w http.ResponseWriter, r *http.Request, _ struct{}) {
		if err := calls.Accept(context.WithoutCancel(r.Context())); err != nil {
			writeCallError(w, err)
			return
		}
		writeJSON(w, viewOf(calls.Current()))
	})

	handlePost(mux, "/api/call/decline", func(w http.ResponseWriter, r *http.Request, _ struct{}) {
		if err := calls.Decline(); err != nil {
			writeCallError(w, err)
			return
		}
		writeJSON(w, map[string]string{"status": "declined"})
	})

	handlePost(mux, "/api/call/hangup", func(w http.ResponseWriter, r *http.Request, _ struct{}) {
		if err := calls.Hangup(); err != nil {
			writeCallError(w, err)
			return
		}
		writeJSON(w, map[string]string{"status": "hung_up"})
	})

	handlePost(mux, "/api/call/toggle-audio", func(w http.ResponseWriter, r *http.Request, _ struct{}) {
		muted, err := calls.ToggleAudio()
		if err != nil {
			writeCallError(w, err)
			return
		}
		writeJSON(w, map[string]bool{"muted": muted})
	})

	handlePost(mux, "/api/call/toggle-video", func(w http.ResponseWriter, r *http.Request, _ struct{}) {
		off, err := calls.ToggleVideo()
		if err != nil {
			writeCallError(w, err)
			return
		}
		writeJSON(w, map[string]bool{"disabled": off})
	})

	handleGet(mux, "/api/call/history", func(w http.ResponseWriter, r *http.Request) {
		if d.History == nil {
			writeJSON(w, []call.HistoryEntry{})
			return
		}
		ctx, cancel := context.WithTimeout(r.Context(), util.DefaultFetchTimeout)
		defer cancel()
		hist, err := d.History.History(ctx)
		if err != nil {
			writeError(w, http.StatusBadGateway, err.Error())
			return
		}
		if hist == nil {
			hist = []call.HistoryEntry{}
		}
		writeJSON(w, hist)
	})

	// GET /api/call/events: "state" after every transition (the current
	// state first) and "ringtone" when the ringback starts or stops.
	handleGet(mux, "/api/call/events", func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "streaming not supported", http.StatusInternalServerError)
			return
		}
		sseHeaders(w)

		states, cancelStates := calls.Subscribe()
		defer cancelStates()

		var tones <-chan bool
		if d.Tone != nil {
			ch, cancelTone := d.Tone.SubscribeTone()
			defer cancelTone()
			tones = ch
		}

		for {
			select {
			case <-r.Context().Done():
				return
			case s, ok := <-states:
				if !ok {
					return
				}
				if writeEvent(w, "state", viewOf(s)) != nil {
					return
				}
			case on, ok := <-tones:
				if !ok {
					tones = nil
					continue
				}
				if writeEvent(w, "ringtone", toneView{Playing: on}) != nil {
					return
				}
			}
			flusher.Flush()
		}
	})
}
