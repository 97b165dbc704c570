package call

import "errors"

// Errors that end the session and are shown to the user.
var (
	// ErrMediaUnavailable indicates local capture was denied or no device exists.
	ErrMediaUnavailable = errors.New("media unavailable")

	// ErrNegotiationFailure indicates the real-time engine rejected a
	// description step.
	ErrNegotiationFailure = errors.New("negotiation failure")

	// ErrTransportUnavailable indicates the signaling channel was not open
	// when a send was attempted.
	ErrTransportUnavailable = errors.New("signaling transport unavailable")
)

// Errors that are logged and never surfaced.
var (
	// ErrStaleCandidate indicates a remote ICE candidate failed to apply.
	ErrStaleCandidate = errors.New("stale ice candidate")

	// ErrLogSyncFailure indicates a call-log create or update failed.
	ErrLogSyncFailure = errors.New("call log sync failure")
)

// Lifecycle guard errors returned by Manager commands.
var (
	// ErrBusy indicates a session already occupies the single call slot.
	ErrBusy = errors.New("a call is already in progress")

	// ErrNoSession indicates there is no session to act on.
	ErrNoSession = errors.New("no call in progress")

	// ErrIllegalState indicates the trigger is not legal in the current state.
	ErrIllegalState = errors.New("illegal in current call state")

	// ErrPending indicates a conflicting operation is still in flight.
	ErrPending = errors.New("another call operation is in progress")

	// ErrSessionClosed indicates the session ended while the operation ran.
	ErrSessionClosed = errors.New("call session closed")

	// ErrPlaybackRejected is returned by TonePlayer implementations that
	// cannot start playback right now.
	ErrPlaybackRejected = errors.New("ringtone playback rejected")
)
