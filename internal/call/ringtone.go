package call

import "sync"

// toneWanted is the whole ringtone policy: ringback plays while an outbound
// call has not been answered, and never otherwise.
func toneWanted(s State) bool {
	return s == StateOutboundInitializing || s == StateOutboundRinging
}

// ringTone reconciles a TonePlayer with the lifecycle state. Reconcile is
// called once per transition; repeated calls with the same state do nothing.
type ringTone struct {
	player TonePlayer

	mu        sync.Mutex
	playing   bool
	attempted bool // Play was called since the last Stop
}

func newRingTone(p TonePlayer) *ringTone {
	return &ringTone{player: p}
}

// Reconcile starts or stops playback to match s. A rejected Play is logged
// and retried on the next reconcile that still wants the tone.
func (r *ringTone) Reconcile(s State) {
	if r == nil || r.player == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if toneWanted(s) {
		if r.playing {
			return
		}
		r.attempted = true
		if err := r.player.Play(); err != nil {
			log.Debugf("ringtone: %v", err)
			return
		}
		r.playing = true
		return
	}

	if r.playing || r.attempted {
		r.player.Stop()
		r.playing = false
		r.attempted = false
	}
}

// Playing reports whether the player is believed to be playing.
func (r *ringTone) Playing() bool {
	if r == nil {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.playing
}
