// ABOUTME: WebSocket client for the hub event channel
// ABOUTME: Handles connection, auth handshake, and request/reply correlation
package protocol

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

var (
	// ErrNotConnected is returned when sending on a closed or never-opened channel
	ErrNotConnected = errors.New("not connected")

	// ErrAuthRejected is returned when the hub answers auth with auth-invalid
	ErrAuthRejected = errors.New("hub rejected access token")
)

// DefaultPath is the websocket path the hub serves its event channel on
const DefaultPath = "/api/websocket"

// Config holds client configuration
type Config struct {
	// HubURL is the hub base URL (http, https, ws or wss)
	HubURL string

	// AccessToken authenticates the announcer with the hub
	AccessToken string

	// ClientName is reported to the hub during auth
	ClientName string

	// Version is reported to the hub during auth
	Version string

	// HandshakeTimeout bounds dial plus auth (default: 5s)
	HandshakeTimeout time.Duration
}

// Client is a persistent, correlated connection to the hub
type Client struct {
	config Config
	conn   *websocket.Conn
	mu     sync.RWMutex

	// gorilla/websocket allows one concurrent writer
	writeMu sync.Mutex

	pendingMu sync.Mutex
	pending   map[string]chan Message

	// State
	connected bool
	ctx       context.Context
	cancel    context.CancelFunc
}

// NewClient creates a new hub client
func NewClient(config Config) *Client {
	if config.HandshakeTimeout <= 0 {
		config.HandshakeTimeout = 5 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Client{
		config:  config,
		pending: make(map[string]chan Message),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// WebsocketURL converts a hub base URL into its event-channel URL
func WebsocketURL(hubURL string) (string, error) {
	u, err := url.Parse(hubURL)
	if err != nil {
		return "", fmt.Errorf("invalid hub url %q: %w", hubURL, err)
	}

	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("invalid hub url %q: unsupported scheme %q", hubURL, u.Scheme)
	}

	if u.Path == "" || u.Path == "/" {
		u.Path = DefaultPath
	}
	return u.String(), nil
}

// Connect establishes the websocket connection and authenticates
func (c *Client) Connect() error {
	wsURL, err := WebsocketURL(c.config.HubURL)
	if err != nil {
		return err
	}
	log.Info("Connecting to hub", "url", wsURL)

	dialer := websocket.Dialer{HandshakeTimeout: c.config.HandshakeTimeout}
	conn, _, err := dialer.Dial(wsURL, nil)
	if err != nil {
		return fmt.Errorf("dial failed: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.connected = true
	c.mu.Unlock()

	if err := c.handshake(); err != nil {
		c.Close()
		return fmt.Errorf("handshake failed: %w", err)
	}

	go c.readMessages()

	return nil
}

// handshake sends auth and waits for auth-ok
func (c *Client) handshake() error {
	auth, err := NewMessage("", TypeAuth, Auth{
		AccessToken: c.config.AccessToken,
		ClientName:  c.config.ClientName,
		Version:     c.config.Version,
	})
	if err != nil {
		return err
	}

	if err := c.send(auth); err != nil {
		return fmt.Errorf("failed to send auth: %w", err)
	}

	c.conn.SetReadDeadline(time.Now().Add(c.config.HandshakeTimeout))
	var reply Message
	if err := c.conn.ReadJSON(&reply); err != nil {
		return fmt.Errorf("failed to read auth reply: %w", err)
	}
	c.conn.SetReadDeadline(time.Time{}) // Clear deadline

	switch reply.Type {
	case TypeAuthOK:
		var result AuthResult
		_ = reply.Decode(&result)
		log.Info("Authenticated with hub", "hub_version", result.HubVersion)
		return nil
	case TypeAuthInvalid:
		return ErrAuthRejected
	default:
		return fmt.Errorf("expected %s, got %s", TypeAuthOK, reply.Type)
	}
}

// send writes one message
func (c *Client) send(msg Message) error {
	c.mu.RLock()
	conn, connected := c.conn, c.connected
	c.mu.RUnlock()

	if !connected {
		return ErrNotConnected
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return conn.WriteJSON(msg)
}

// readMessages reads and routes incoming messages
func (c *Client) readMessages() {
	defer c.Close()

	for {
		select {
		case <-c.ctx.Done():
			return
		default:
		}

		var msg Message
		if err := c.conn.ReadJSON(&msg); err != nil {
			if c.IsConnected() {
				log.Warn("Hub read error", "err", err)
			}
			return
		}

		c.route(msg)
	}
}

// route hands a reply to the request waiting on its id
func (c *Client) route(msg Message) {
	if msg.ID == "" {
		log.Debug("Ignoring uncorrelated hub message", "type", msg.Type)
		return
	}

	c.pendingMu.Lock()
	ch, ok := c.pending[msg.ID]
	if ok {
		delete(c.pending, msg.ID)
	}
	c.pendingMu.Unlock()

	if !ok {
		log.Debug("Dropping late hub reply", "type", msg.Type, "id", msg.ID)
		return
	}

	// Buffered with capacity 1 and used once
	ch <- msg
}

// Send sends a one-way message
func (c *Client) Send(msgType string, payload any) error {
	msg, err := NewMessage("", msgType, payload)
	if err != nil {
		return err
	}
	return c.send(msg)
}

// Request sends a message and waits for the reply carrying the same id.
// The wait ends with ctx.Err() when ctx is done.
func (c *Client) Request(ctx context.Context, msgType string, payload any) (Message, error) {
	id := uuid.New().String()
	msg, err := NewMessage(id, msgType, payload)
	if err != nil {
		return Message{}, err
	}

	ch := make(chan Message, 1)
	c.pendingMu.Lock()
	c.pending[id] = ch
	c.pendingMu.Unlock()

	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
	}()

	if err := c.send(msg); err != nil {
		return Message{}, fmt.Errorf("failed to send %s: %w", msgType, err)
	}

	select {
	case reply := <-ch:
		if reply.Type == TypeError {
			var e ErrorReply
			_ = reply.Decode(&e)
			return Message{}, fmt.Errorf("%s rejected by hub: %s", msgType, e.Message)
		}
		return reply, nil
	case <-ctx.Done():
		return Message{}, ctx.Err()
	case <-c.ctx.Done():
		return Message{}, ErrNotConnected
	}
}

// EntityState queries the current state of a media_player entity
func (c *Client) EntityState(ctx context.Context, entityID string) (EntityState, error) {
	reply, err := c.Request(ctx, TypeGetEntityState, GetEntityState{EntityID: entityID})
	if err != nil {
		return EntityState{}, err
	}

	var state EntityStateReply
	if err := reply.Decode(&state); err != nil {
		return EntityState{}, err
	}
	return state.State, nil
}

// RequestTTS asks the hub to speak on one entity without waiting for delivery
func (c *Client) RequestTTS(entityID, message string, opts TTSOptions) error {
	return c.Send(TypeRequestTTS, RequestTTS{
		EntityID: entityID,
		Message:  message,
		Options:  opts,
	})
}

// RequestElevenLabsTTS sends one bulk TTS request and waits for its result event
func (c *Client) RequestElevenLabsTTS(ctx context.Context, message, voiceID string, entityIDs []string) (TTSResult, error) {
	reply, err := c.Request(ctx, TypeRequestElevenLabsTTS, RequestElevenLabsTTS{
		Message:   message,
		VoiceID:   voiceID,
		EntityIDs: entityIDs,
	})
	if err != nil {
		return TTSResult{}, err
	}

	var result TTSResult
	if err := reply.Decode(&result); err != nil {
		return TTSResult{}, err
	}
	return result, nil
}

// Close closes the connection
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.connected {
		c.connected = false
		c.cancel()
		c.conn.Close()
		log.Info("Hub connection closed")
	}
}

// Done is closed once the client has been closed or lost its connection
func (c *Client) Done() <-chan struct{} {
	return c.ctx.Done()
}

// IsConnected returns connection status
func (c *Client) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}
