// ABOUTME: In-process fake of the home-automation hub for tests
// ABOUTME: Serves media REST endpoints and the websocket event channel, recording every call
package hubtest

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"

	"github.com/Sendspin/sendspin-announcer/internal/hub"
	"github.com/Sendspin/sendspin-announcer/pkg/protocol"
	"github.com/gorilla/websocket"
)

// Call is one recorded media REST request
type Call struct {
	Path     string
	EntityID string
	MediaURL string
	Volume   *int
	OK       bool
	At       time.Time
}

// StateFunc answers get-entity-state. Returning ok=false leaves the request unanswered.
type StateFunc func(entityID string, poll int) (state protocol.EntityState, ok bool)

// Hub is a fake hub backed by httptest.Server
type Hub struct {
	Server *httptest.Server

	// Token, when set, is required on REST and websocket auth
	Token string

	mu           sync.Mutex
	calls        []Call
	failures     map[string]int
	stateFunc    StateFunc
	polls        map[string]int
	ttsRequests  []protocol.RequestTTS
	bulkRequests []protocol.RequestElevenLabsTTS
	bulkResult   *protocol.TTSResult

	upgrader websocket.Upgrader
}

// New starts a fake hub
func New() *Hub {
	h := &Hub{
		failures: make(map[string]int),
		polls:    make(map[string]int),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}

	mux := http.NewServeMux()
	mux.HandleFunc(hub.PathPlay, h.handleMedia)
	mux.HandleFunc(hub.PathStop, h.handleMedia)
	mux.HandleFunc(hub.PathVolume, h.handleMedia)
	mux.HandleFunc(protocol.DefaultPath, h.handleWebSocket)

	h.Server = httptest.NewServer(mux)
	return h
}

// URL returns the hub base URL
func (h *Hub) URL() string {
	return h.Server.URL
}

// Close shuts the fake hub down
func (h *Hub) Close() {
	h.Server.CloseClientConnections()
	h.Server.Close()
}

// FailNext makes the next n requests to path for entityID fail with HTTP 500
func (h *Hub) FailNext(path, entityID string, n int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.failures[path+"|"+entityID] = n
}

// SetStateFunc installs the get-entity-state responder
func (h *Hub) SetStateFunc(fn StateFunc) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.stateFunc = fn
}

// SetBulkResult makes request-elevenlabs-tts answer with result; nil means never answer
func (h *Hub) SetBulkResult(result *protocol.TTSResult) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.bulkResult = result
}

// Calls returns every recorded media call in arrival order
func (h *Hub) Calls() []Call {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]Call, len(h.calls))
	copy(out, h.calls)
	return out
}

// CallsTo returns the recorded calls to one path
func (h *Hub) CallsTo(path string) []Call {
	var out []Call
	for _, c := range h.Calls() {
		if c.Path == path {
			out = append(out, c)
		}
	}
	return out
}

// EntitiesCalled returns the entity ids of successful calls to path, in order
func (h *Hub) EntitiesCalled(path string) []string {
	var out []string
	for _, c := range h.CallsTo(path) {
		if c.OK {
			out = append(out, c.EntityID)
		}
	}
	return out
}

// TTSRequests returns the recorded one-way TTS requests
func (h *Hub) TTSRequests() []protocol.RequestTTS {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]protocol.RequestTTS, len(h.ttsRequests))
	copy(out, h.ttsRequests)
	return out
}

// BulkRequests returns the recorded bulk TTS requests
func (h *Hub) BulkRequests() []protocol.RequestElevenLabsTTS {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]protocol.RequestElevenLabsTTS, len(h.bulkRequests))
	copy(out, h.bulkRequests)
	return out
}

// Polls returns how many get-entity-state requests arrived for entityID
func (h *Hub) Polls(entityID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.polls[entityID]
}

// Reset forgets recorded calls and requests
func (h *Hub) Reset() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls = nil
	h.ttsRequests = nil
	h.bulkRequests = nil
	h.polls = make(map[string]int)
}

func (h *Hub) authorized(r *http.Request) bool {
	if h.Token == "" {
		return true
	}
	return r.Header.Get("Authorization") == "Bearer "+h.Token
}

// handleMedia serves the three media control endpoints
func (h *Hub) handleMedia(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if !h.authorized(r) {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

	var body struct {
		EntityID string `json:"entityId"`
		MediaURL string `json:"mediaUrl"`
		Volume   *int   `json:"volume"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	h.mu.Lock()
	key := r.URL.Path + "|" + body.EntityID
	ok := h.failures[key] == 0
	if !ok {
		h.failures[key]--
	}
	h.calls = append(h.calls, Call{
		Path:     r.URL.Path,
		EntityID: body.EntityID,
		MediaURL: body.MediaURL,
		Volume:   body.Volume,
		OK:       ok,
		At:       time.Now(),
	})
	h.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	if !ok {
		w.WriteHeader(http.StatusInternalServerError)
		_ = json.NewEncoder(w).Encode(hub.Reply{OK: false, Error: "injected failure"})
		return
	}
	_ = json.NewEncoder(w).Encode(hub.Reply{OK: true})
}

// handleWebSocket serves the event channel
func (h *Hub) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	var writeMu sync.Mutex
	write := func(msg protocol.Message) {
		writeMu.Lock()
		defer writeMu.Unlock()
		_ = conn.WriteJSON(msg)
	}

	var authMsg protocol.Message
	if err := conn.ReadJSON(&authMsg); err != nil || authMsg.Type != protocol.TypeAuth {
		return
	}
	var auth protocol.Auth
	_ = authMsg.Decode(&auth)
	if h.Token != "" && auth.AccessToken != h.Token {
		reply, _ := protocol.NewMessage("", protocol.TypeAuthInvalid, protocol.AuthResult{Message: "invalid token"})
		write(reply)
		return
	}
	reply, _ := protocol.NewMessage("", protocol.TypeAuthOK, protocol.AuthResult{HubVersion: "test"})
	write(reply)

	for {
		var msg protocol.Message
		if err := conn.ReadJSON(&msg); err != nil {
			return
		}

		switch msg.Type {
		case protocol.TypeGetEntityState:
			var req protocol.GetEntityState
			_ = msg.Decode(&req)

			h.mu.Lock()
			h.polls[req.EntityID]++
			poll := h.polls[req.EntityID]
			fn := h.stateFunc
			h.mu.Unlock()

			if fn == nil {
				continue
			}
			state, ok := fn(req.EntityID, poll)
			if !ok {
				continue
			}
			out, _ := protocol.NewMessage(msg.ID, protocol.TypeEntityState, protocol.EntityStateReply{
				EntityID: req.EntityID,
				State:    state,
			})
			write(out)

		case protocol.TypeRequestTTS:
			var req protocol.RequestTTS
			_ = msg.Decode(&req)
			h.mu.Lock()
			h.ttsRequests = append(h.ttsRequests, req)
			h.mu.Unlock()

		case protocol.TypeRequestElevenLabsTTS:
			var req protocol.RequestElevenLabsTTS
			_ = msg.Decode(&req)
			h.mu.Lock()
			h.bulkRequests = append(h.bulkRequests, req)
			result := h.bulkResult
			h.mu.Unlock()

			if result == nil {
				continue
			}
			out, _ := protocol.NewMessage(msg.ID, protocol.TypeElevenLabsTTSResult, *result)
			write(out)

		default:
			out, _ := protocol.NewMessage(msg.ID, protocol.TypeError, protocol.ErrorReply{
				Message: "unknown message type " + strings.TrimSpace(msg.Type),
			})
			write(out)
		}
	}
}

// Sequence returns a StateFunc that walks states by poll number and repeats the last one
func Sequence(states ...string) StateFunc {
	return func(_ string, poll int) (protocol.EntityState, bool) {
		if len(states) == 0 {
			return protocol.EntityState{}, false
		}
		i := poll - 1
		if i >= len(states) {
			i = len(states) - 1
		}
		return protocol.EntityState{State: states[i]}, true
	}
}

// Constant returns a StateFunc that always reports state
func Constant(state string) StateFunc {
	return Sequence(state)
}

// Silent returns a StateFunc that never answers
func Silent() StateFunc {
	return func(string, int) (protocol.EntityState, bool) {
		return protocol.EntityState{}, false
	}
}

// WithVolume returns a StateFunc reporting state plus a volume_level attribute
func WithVolume(state string, level float64) StateFunc {
	return func(string, int) (protocol.EntityState, bool) {
		return protocol.EntityState{
			State:      state,
			Attributes: protocol.EntityAttributes{VolumeLevel: &level},
		}, true
	}
}
