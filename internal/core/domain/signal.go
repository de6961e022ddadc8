package domain

import (
	"bytes"
	"encoding/json"
)

type MessageType string

const (
	MessageJoin         MessageType = "join"
	MessageOffer        MessageType = "offer"
	MessageAnswer       MessageType = "answer"
	MessageICECandidate MessageType = "ice-candidate"
	MessageMuteState    MessageType = "mute-state"
	MessageUserJoined   MessageType = "user-joined"
	MessageUserLeft     MessageType = "user-left"
	MessageError        MessageType = "error"
)

// Relayed reports whether the relay forwards this kind to a single target.
func (t MessageType) Relayed() bool {
	return t == MessageOffer || t == MessageAnswer || t == MessageICECandidate
}

// ClientOriginated reports whether clients are allowed to send this kind.
func (t MessageType) ClientOriginated() bool {
	return t == MessageJoin || t == MessageMuteState || t.Relayed()
}

// Message is the single wire envelope for every control message. Which
// fields are meaningful depends on Type.
type Message struct {
	Type           MessageType     `json:"type"`
	ParticipantID  ParticipantID   `json:"participantId,omitempty"`
	TargetClientID ParticipantID   `json:"targetClientId,omitempty"`
	SenderClientID ParticipantID   `json:"senderClientId,omitempty"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	Muted          *bool           `json:"muted,omitempty"`
	ClientID       ParticipantID   `json:"clientId,omitempty"`
	Reason         string          `json:"reason,omitempty"`
}

// DescriptionPayload is carried by offer and answer messages. LinkID and
// ReplyTo are optional and tie an answer to the offer it responds to.
type DescriptionPayload struct {
	Type    string `json:"type"`
	SDP     string `json:"sdp"`
	LinkID  string `json:"linkId,omitempty"`
	ReplyTo string `json:"replyTo,omitempty"`
}

// CandidatePayload is carried by ice-candidate messages.
type CandidatePayload struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
	LinkID           string  `json:"linkId,omitempty"`
}

// DecodeMessage parses and validates one control message. Every failure is a
// *ProtocolError.
func DecodeMessage(data []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, protocolError("", "malformed json: %v", err)
	}
	if err := msg.Validate(); err != nil {
		return nil, err
	}
	return &msg, nil
}

// Validate checks the fields required by the message type.
func (m *Message) Validate() error {
	switch m.Type {
	case MessageJoin:
		if err := ValidateParticipantID(string(m.ParticipantID)); err != nil {
			return protocolError(m.Type, "participantId: %v", err)
		}
	case MessageOffer, MessageAnswer, MessageICECandidate:
		if err := ValidateParticipantID(string(m.TargetClientID)); err != nil {
			return protocolError(m.Type, "targetClientId: %v", err)
		}
		if err := ValidateParticipantID(string(m.SenderClientID)); err != nil {
			return protocolError(m.Type, "senderClientId: %v", err)
		}
		if !isJSONObject(m.Payload) {
			return protocolError(m.Type, "payload must be an object")
		}
	case MessageMuteState:
		if err := ValidateParticipantID(string(m.SenderClientID)); err != nil {
			return protocolError(m.Type, "senderClientId: %v", err)
		}
		if m.Muted == nil {
			return protocolError(m.Type, "muted is required")
		}
	case MessageUserJoined, MessageUserLeft:
		if err := ValidateParticipantID(string(m.ClientID)); err != nil {
			return protocolError(m.Type, "clientId: %v", err)
		}
	case MessageError:
		if m.Reason == "" {
			return protocolError(m.Type, "reason is required")
		}
	case "":
		return protocolError("", "type is required")
	default:
		return protocolError(m.Type, "unknown message type")
	}
	return nil
}

func isJSONObject(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) < 2 || trimmed[0] != '{' {
		return false
	}
	return json.Valid(trimmed)
}

// DescriptionPayload decodes the payload of an offer or answer.
func (m *Message) DescriptionPayload() (*DescriptionPayload, error) {
	var p DescriptionPayload
	if err := json.Unmarshal(m.Payload, &p); err != nil {
		return nil, protocolError(m.Type, "payload: %v", err)
	}
	if p.SDP == "" {
		return nil, protocolError(m.Type, "payload.sdp is required")
	}
	return &p, nil
}

// CandidatePayload decodes the payload of an ice-candidate message.
func (m *Message) CandidatePayload() (*CandidatePayload, error) {
	var p CandidatePayload
	if err := json.Unmarshal(m.Payload, &p); err != nil {
		return nil, protocolError(m.Type, "payload: %v", err)
	}
	return &p, nil
}

func NewJoinMessage(id ParticipantID) *Message {
	return &Message{Type: MessageJoin, ParticipantID: id}
}

func NewUserJoinedMessage(id ParticipantID) *Message {
	return &Message{Type: MessageUserJoined, ClientID: id}
}

func NewUserLeftMessage(id ParticipantID) *Message {
	return &Message{Type: MessageUserLeft, ClientID: id}
}

func NewErrorMessage(reason string) *Message {
	return &Message{Type: MessageError, Reason: reason}
}

func NewMuteStateMessage(sender ParticipantID, muted bool) *Message {
	return &Message{Type: MessageMuteState, SenderClientID: sender, Muted: &muted}
}

// NewRelayedMessage builds an offer, answer or ice-candidate message.
func NewRelayedMessage(t MessageType, target, sender ParticipantID, payload interface{}) (*Message, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &Message{Type: t, TargetClientID: target, SenderClientID: sender, Payload: raw}, nil
}

// Encode marshals a message for the wire.
func (m *Message) Encode() ([]byte, error) {
	return json.Marshal(m)
}
