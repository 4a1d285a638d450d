// ABOUTME: HTTP client for the hub's media control endpoints
// ABOUTME: Issues play, stop and volume requests behind a shared rate limiter
package hub

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

// ErrStatus is wrapped by every error caused by a non-OK hub reply
var ErrStatus = errors.New("hub returned non-OK status")

// Media control paths
const (
	PathPlay   = "/media/play"
	PathStop   = "/media/stop"
	PathVolume = "/media/volume"
)

// DefaultMediaType is sent with every play request
const DefaultMediaType = "music"

// Config holds media client configuration
type Config struct {
	// BaseURL is the hub base URL, e.g. http://homeassistant.local:8123
	BaseURL string

	// Token is sent as a bearer token when set
	Token string

	// Timeout bounds each HTTP request (default: 10s)
	Timeout time.Duration

	// RequestsPerSecond caps outgoing requests across all speakers (default: 10)
	RequestsPerSecond float64

	// Burst is the limiter burst size (default: 5)
	Burst int
}

// PlayRequest is the body of POST /media/play
type PlayRequest struct {
	EntityID  string `json:"entityId"`
	MediaURL  string `json:"mediaUrl"`
	MediaType string `json:"mediaType"`
	Volume    *int   `json:"volume,omitempty"`
}

// StopRequest is the body of POST /media/stop
type StopRequest struct {
	EntityID string `json:"entityId"`
}

// VolumeRequest is the body of POST /media/volume
type VolumeRequest struct {
	EntityID string `json:"entityId"`
	Volume   int    `json:"volume"`
}

// Reply is the body of every media control response
type Reply struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// Client issues media control requests to the hub
type Client struct {
	config  Config
	http    *http.Client
	limiter *rate.Limiter
}

// New creates a media control client
func New(config Config) *Client {
	if config.Timeout <= 0 {
		config.Timeout = 10 * time.Second
	}
	if config.RequestsPerSecond <= 0 {
		config.RequestsPerSecond = 10
	}
	if config.Burst <= 0 {
		config.Burst = 5
	}
	config.BaseURL = strings.TrimRight(config.BaseURL, "/")

	return &Client{
		config:  config,
		http:    &http.Client{Timeout: config.Timeout},
		limiter: rate.NewLimiter(rate.Limit(config.RequestsPerSecond), config.Burst),
	}
}

// Play starts a stream on one speaker
func (c *Client) Play(ctx context.Context, req PlayRequest) error {
	if req.MediaType == "" {
		req.MediaType = DefaultMediaType
	}
	return c.post(ctx, PathPlay, req)
}

// Stop stops playback on one speaker
func (c *Client) Stop(ctx context.Context, entityID string) error {
	return c.post(ctx, PathStop, StopRequest{EntityID: entityID})
}

// SetVolume sets one speaker's volume (0-100)
func (c *Client) SetVolume(ctx context.Context, entityID string, volume int) error {
	return c.post(ctx, PathVolume, VolumeRequest{EntityID: entityID, Volume: volume})
}

// post sends one JSON request and checks the {ok} reply
func (c *Client) post(ctx context.Context, path string, body any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}

	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("%s: failed to encode body: %w", path, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.BaseURL+path, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.config.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.config.Token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return fmt.Errorf("%s: failed to read reply: %w", path, err)
	}

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s: HTTP %d: %w", path, resp.StatusCode, ErrStatus)
	}

	var reply Reply
	if err := json.Unmarshal(raw, &reply); err != nil {
		return fmt.Errorf("%s: failed to parse reply: %w", path, err)
	}
	if !reply.OK {
		return fmt.Errorf("%s: %s: %w", path, reply.Error, ErrStatus)
	}
	return nil
}
