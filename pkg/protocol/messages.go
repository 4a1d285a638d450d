// ABOUTME: Hub event-channel message type definitions
// ABOUTME: Defines the envelope and payloads exchanged with the home-automation hub
package protocol

import (
	"encoding/json"
	"fmt"
)

// Message types sent by the announcer
const (
	TypeAuth                 = "auth"
	TypeGetEntityState       = "get-entity-state"
	TypeRequestTTS           = "request-tts"
	TypeRequestElevenLabsTTS = "request-elevenlabs-tts"
)

// Message types sent by the hub
const (
	TypeAuthOK              = "auth-ok"
	TypeAuthInvalid         = "auth-invalid"
	TypeEntityState         = "entity-state"
	TypeElevenLabsTTSResult = "elevenlabs-tts-result"
	TypeError               = "error"
)

// Media player states reported by the hub
const (
	StateUnknown = "unknown"
	StatePlaying = "playing"
	StateIdle    = "idle"
	StatePaused  = "paused"
	StateOff     = "off"
	StateStandby = "standby"
)

// Message is the top-level wrapper for all hub messages.
// ID correlates a request with its reply and is empty for one-way messages.
type Message struct {
	ID      string          `json:"id,omitempty"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewMessage encodes payload into a message envelope
func NewMessage(id, msgType string, payload any) (Message, error) {
	msg := Message{ID: id, Type: msgType}
	if payload == nil {
		return msg, nil
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return Message{}, fmt.Errorf("failed to encode %s payload: %w", msgType, err)
	}
	msg.Payload = data
	return msg, nil
}

// Decode unmarshals the payload into v
func (m Message) Decode(v any) error {
	if len(m.Payload) == 0 {
		return fmt.Errorf("%s: empty payload", m.Type)
	}
	if err := json.Unmarshal(m.Payload, v); err != nil {
		return fmt.Errorf("failed to parse %s: %w", m.Type, err)
	}
	return nil
}

// Auth is the first message on a new connection
type Auth struct {
	AccessToken string `json:"accessToken"`
	ClientName  string `json:"clientName,omitempty"`
	Version     string `json:"version,omitempty"`
}

// AuthResult is the payload of auth-ok and auth-invalid
type AuthResult struct {
	HubVersion string `json:"hubVersion,omitempty"`
	Message    string `json:"message,omitempty"`
}

// GetEntityState asks the hub for an entity's current state
type GetEntityState struct {
	EntityID string `json:"entityId"`
}

// EntityStateReply is the payload of entity-state
type EntityStateReply struct {
	EntityID string      `json:"entityId"`
	State    EntityState `json:"state"`
}

// EntityState is the state object of a media_player entity
type EntityState struct {
	State      string           `json:"state"`
	Attributes EntityAttributes `json:"attributes"`
}

// EntityAttributes holds the subset of attributes the announcer reads
type EntityAttributes struct {
	VolumeLevel  *float64 `json:"volume_level,omitempty"` // 0.0-1.0
	FriendlyName string   `json:"friendly_name,omitempty"`
	MediaTitle   string   `json:"media_title,omitempty"`
}

// TTSOptions selects the hub-side TTS service for request-tts
type TTSOptions struct {
	TTSServiceName string `json:"ttsServiceName,omitempty"`
	TTSEngineID    string `json:"ttsEngineId,omitempty"`
}

// RequestTTS asks the hub to speak a message on one entity (one-way)
type RequestTTS struct {
	EntityID string     `json:"entityId"`
	Message  string     `json:"message"`
	Options  TTSOptions `json:"options"`
}

// RequestElevenLabsTTS asks the hub to render and play one message on many entities
type RequestElevenLabsTTS struct {
	Message   string   `json:"message"`
	VoiceID   string   `json:"voiceId"`
	EntityIDs []string `json:"entityIds"`
}

// TTSResult is the payload of elevenlabs-tts-result
type TTSResult struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// ErrorReply is the payload of a hub error message
type ErrorReply struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}
