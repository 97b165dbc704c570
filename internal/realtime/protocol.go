package realtime

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// Action names the kind of a signaling message. The chat server relays call
// actions verbatim to receiver_id and sends its own chat traffic on the same
// socket with a "type" field instead.
type Action string

const (
	ActionCallOffer    Action = "call_offer"
	ActionCallAnswer   Action = "call_answer"
	ActionICECandidate Action = "ice_candidate"
	ActionCallEnd      Action = "call_end"
)

// IsCall reports whether a is one of the call signaling actions.
func (a Action) IsCall() bool {
	switch a {
	case ActionCallOffer, ActionCallAnswer, ActionICECandidate, ActionCallEnd:
		return true
	}
	return false
}

// SessionDescription mirrors RTCSessionDescriptionInit on the wire.
type SessionDescription struct {
	Type string `json:"type"` // "offer" or "answer"
	SDP  string `json:"sdp"`
}

// ICECandidate mirrors RTCIceCandidateInit on the wire.
type ICECandidate struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

// LogID is the external call-log identifier carried as call_id. Browsers send
// it as a JSON number, null when log creation failed, and Go peers send a
// string; all three decode here.
type LogID string

func (id LogID) MarshalJSON() ([]byte, error) {
	if id == "" {
		return []byte("null"), nil
	}
	if _, err := strconv.ParseInt(string(id), 10, 64); err == nil {
		return []byte(id), nil
	}
	return json.Marshal(string(id))
}

func (id *LogID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*id = ""
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*id = LogID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("call_id: %w", err)
	}
	*id = LogID(n.String())
	return nil
}

// Message is one call signaling frame. Only the fields relevant to Action
// are set; the rest are omitted on the wire.
type Message struct {
	Action     Action `json:"action"`
	ReceiverID string `json:"receiver_id"`

	// SenderID is stamped by Go peers on every outbound frame. The chat
	// server does not add it, so frames from older clients may lack it.
	SenderID string `json:"sender_id,omitempty"`

	SenderName string              `json:"sender_name,omitempty"`
	CallID     LogID               `json:"call_id,omitempty"`
	CallType   string              `json:"call_type,omitempty"`
	Offer      *SessionDescription `json:"offer,omitempty"`
	Answer     *SessionDescription `json:"answer,omitempty"`
	Candidate  *ICECandidate       `json:"candidate,omitempty"`
}

// The chat server keys sockets by integer user id and browsers send ids as
// numbers, so receiver_id and sender_id use the LogID codec: numeric ids go
// out as JSON numbers and either form is accepted.

func (m Message) MarshalJSON() ([]byte, error) {
	type plain Message
	return json.Marshal(struct {
		plain
		ReceiverID LogID `json:"receiver_id"`
		SenderID   LogID `json:"sender_id,omitempty"`
	}{plain(m), LogID(m.ReceiverID), LogID(m.SenderID)})
}

func (m *Message) UnmarshalJSON(b []byte) error {
	type plain Message
	aux := struct {
		*plain
		ReceiverID LogID `json:"receiver_id"`
		SenderID   LogID `json:"sender_id"`
	}{plain: (*plain)(m)}
	if err := json.Unmarshal(b, &aux); err != nil {
		return err
	}
	m.ReceiverID = string(aux.ReceiverID)
	m.SenderID = string(aux.SenderID)
	return nil
}

// Validate checks that the fields required by Action are present.
func (m *Message) Validate() error {
	if !m.Action.IsCall() {
		return fmt.Errorf("unknown action %q", m.Action)
	}
	if m.ReceiverID == "" {
		return fmt.Errorf("%s: missing receiver_id", m.Action)
	}
	switch m.Action {
	case ActionCallOffer:
		if m.Offer == nil || m.Offer.SDP == "" {
			return fmt.Errorf("%s: missing offer", m.Action)
		}
	case ActionCallAnswer:
		if m.Answer == nil || m.Answer.SDP == "" {
			return fmt.Errorf("%s: missing answer", m.Action)
		}
	case ActionICECandidate:
		if m.Candidate == nil {
			return fmt.Errorf("%s: missing candidate", m.Action)
		}
	}
	return nil
}

// frameHead is decoded first to route a raw socket frame.
type frameHead struct {
	Action Action `json:"action"`
	Type   string `json:"type"`
}

// Decode parses a raw socket frame. ok is false for frames that are not call
// signaling (chat messages, presence updates); those are returned as-is in
// raw for other consumers.
func Decode(raw []byte) (msg *Message, ok bool, err error) {
	var head frameHead
	if err := json.Unmarshal(raw, &head); err != nil {
		return nil, false, err
	}
	if !head.Action.IsCall() {
		return nil, false, nil
	}
	var m Message
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, false, err
	}
	return &m, true, nil
}
