// Package signal defines the messages tabs exchange through the relay to
// negotiate their peer connections.
package signal

import (
	"encoding/json"

	"github.com/pion/webrtc/v4"

	"github.com/dkeye/vac/internal/domain"
)

// TabIDHeader carries the id the relay assigned to a tab in the WebSocket
// handshake response.
const TabIDHeader = "X-Tab-Id"

// Kind identifies what a Message carries. Fields are unioned by presence,
// Kind picks the one the relay and the controller act on.
type Kind int

const (
	KindUnknown Kind = iota
	KindSync
	KindTransmitting
	KindDescription
	KindCandidate
)

func (k Kind) String() string {
	switch k {
	case KindSync:
		return "sync"
	case KindTransmitting:
		return "transmitting"
	case KindDescription:
		return "sdp"
	case KindCandidate:
		return "candidate"
	default:
		return "unknown"
	}
}

// Message is the JSON object relayed between tabs.
// From is always set by the relay; whatever the sender puts there is ignored.
// A nil To means broadcast.
type Message struct {
	SDP          *webrtc.SessionDescription `json:"sdp,omitempty"`
	Candidate    *webrtc.ICECandidateInit   `json:"candidate,omitempty"`
	Transmitting *bool                      `json:"transmitting,omitempty"`
	Sync         bool                       `json:"sync,omitempty"`
	To           *domain.TabID              `json:"to,omitempty"`
	From         domain.TabID               `json:"from,omitempty"`
}

func (m Message) Kind() Kind {
	switch {
	case m.Sync:
		return KindSync
	case m.Transmitting != nil:
		return KindTransmitting
	case m.SDP != nil:
		return KindDescription
	case m.Candidate != nil:
		return KindCandidate
	default:
		return KindUnknown
	}
}

// IsTransmitting reports the declared transmitting state and whether one was declared.
func (m Message) IsTransmitting() (state, ok bool) {
	if m.Transmitting == nil {
		return false, false
	}
	return *m.Transmitting, true
}

// Addressed returns a copy of m targeted at one tab.
func (m Message) Addressed(to domain.TabID) Message {
	m.To = &to
	return m
}

// Forwarded returns the copy the relay hands to receivers: To stripped, From stamped.
func (m Message) Forwarded(from domain.TabID) Message {
	m.To = nil
	m.From = from
	return m
}

func Transmitting(state bool) Message {
	return Message{Transmitting: &state}
}

func SyncRequest() Message {
	return Message{Sync: true}
}

func Description(sdp webrtc.SessionDescription) Message {
	return Message{SDP: &sdp}
}

func Candidate(c webrtc.ICECandidateInit) Message {
	return Message{Candidate: &c}
}

func (m Message) Marshal() ([]byte, error) {
	return json.Marshal(m)
}

func Unmarshal(data []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return Message{}, err
	}
	return m, nil
}
