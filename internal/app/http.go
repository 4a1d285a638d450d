// ABOUTME: Local HTTP control surface of the announcer node
// ABOUTME: Accepts inputs, reports outputs, pushes them over websocket and exposes the state document
package app

import (
	"encoding/json"
	"io"
	"net/http"
	"slices"
	"time"

	"github.com/Sendspin/sendspin-announcer/internal/state"
	"github.com/gorilla/websocket"
)

// maxStateBytes bounds a PUT /state body
const maxStateBytes = 1 << 20

// StreamResult is the reply of the stream toggle endpoints
type StreamResult struct {
	Enabled bool `json:"enabled"`
}

// Handler returns the control surface routes
func (n *Node) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /inputs", n.handleInputs)
	mux.HandleFunc("GET /outputs", n.handleOutputs)
	mux.HandleFunc("GET /ws", n.handleWebSocket)
	mux.HandleFunc("POST /stream/start", n.handleStreamStart)
	mux.HandleFunc("POST /stream/stop", n.handleStreamStop)
	mux.HandleFunc("DELETE /speakers/{id}", n.handleDeselect)
	mux.HandleFunc("GET /state", n.handleGetState)
	mux.HandleFunc("PUT /state", n.handlePutState)
	return mux
}

func (n *Node) handleInputs(w http.ResponseWriter, r *http.Request) {
	var in Inputs
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		http.Error(w, "invalid inputs: "+err.Error(), http.StatusBadRequest)
		return
	}
	n.SetInputs(in)
	w.WriteHeader(http.StatusAccepted)
}

func (n *Node) handleOutputs(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, n.Outputs())
}

// The speaker sequence keeps running after the reply
func (n *Node) handleStreamStart(w http.ResponseWriter, r *http.Request) {
	n.ToggleStream(true)
	writeJSON(w, http.StatusAccepted, StreamResult{Enabled: true})
}

func (n *Node) handleStreamStop(w http.ResponseWriter, r *http.Request) {
	n.ToggleStream(false)
	writeJSON(w, http.StatusAccepted, StreamResult{Enabled: false})
}

func (n *Node) handleDeselect(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !slices.Contains(n.registry.Selected(), id) {
		http.Error(w, "unknown speaker "+id, http.StatusNotFound)
		return
	}
	if err := n.Deselect(r.Context(), id); err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (n *Node) handleGetState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, n.Document())
}

func (n *Node) handlePutState(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(io.LimitReader(r.Body, maxStateBytes))
	if err != nil {
		http.Error(w, "read body: "+err.Error(), http.StatusBadRequest)
		return
	}

	doc, err := state.Parse(raw)
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
		return
	}

	if err := n.Replace(r.Context(), doc); err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// handleWebSocket pushes outputs each time a tick changes them
func (n *Node) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := n.upgrader.Upgrade(w, r, nil)
	if err != nil {
		n.logger.Warn("WebSocket upgrade failed", "err", err)
		return
	}
	defer conn.Close()

	updates := n.subscribe()
	defer n.unsubscribe(updates)

	// Reads only detect the peer going away
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	if err := conn.WriteJSON(n.Outputs()); err != nil {
		return
	}

	for {
		select {
		case out := <-updates:
			_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := conn.WriteJSON(out); err != nil {
				return
			}
		case <-closed:
			return
		case <-n.quit:
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
				time.Now().Add(time.Second))
			return
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
