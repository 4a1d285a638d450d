// ABOUTME: Reconnecting holder for the hub event channel
// ABOUTME: Exposes the current connection to components and redials after it drops
package app

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/Sendspin/sendspin-announcer/pkg/protocol"
	"github.com/charmbracelet/log"
)

// Channel keeps one authenticated event channel to the hub open
type Channel struct {
	config    protocol.Config
	onConnect func()
	logger    *log.Logger

	mu     sync.RWMutex
	client *protocol.Client
}

// NewChannel creates a channel; onConnect runs after every successful connect
func NewChannel(config protocol.Config, onConnect func(), logger *log.Logger) *Channel {
	if logger == nil {
		logger = log.WithPrefix("channel")
	}
	return &Channel{config: config, onConnect: onConnect, logger: logger}
}

// Connect dials once and installs the connection
func (c *Channel) Connect() error {
	client := protocol.NewClient(c.config)
	if err := client.Connect(); err != nil {
		return err
	}

	c.mu.Lock()
	old := c.client
	c.client = client
	c.mu.Unlock()

	if old != nil {
		old.Close()
	}
	if c.onConnect != nil {
		go c.onConnect()
	}
	return nil
}

// Run keeps the channel connected until ctx is done
func (c *Channel) Run(ctx context.Context) {
	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		if cur := c.current(); cur == nil || !cur.IsConnected() {
			if err := c.Connect(); err != nil {
				level := log.WarnLevel
				if errors.Is(err, protocol.ErrAuthRejected) {
					level = log.ErrorLevel
				}
				c.logger.Log(level, "Hub connection failed", "err", err, "retry_in", backoff)

				select {
				case <-time.After(backoff):
				case <-ctx.Done():
					c.Close()
					return
				}
				backoff = min(backoff*2, maxBackoff)
				continue
			}
			backoff = time.Second
		}

		cur := c.current()
		if cur == nil {
			continue
		}

		select {
		case <-cur.Done():
			c.logger.Warn("Hub connection lost")
		case <-ctx.Done():
			c.Close()
			return
		}
	}
}

// Connected reports whether a live connection is installed
func (c *Channel) Connected() bool {
	cur := c.current()
	return cur != nil && cur.IsConnected()
}

// Close closes the current connection
func (c *Channel) Close() {
	c.mu.Lock()
	client := c.client
	c.client = nil
	c.mu.Unlock()

	if client != nil {
		client.Close()
	}
}

func (c *Channel) current() *protocol.Client {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.client
}

func (c *Channel) live() (*protocol.Client, error) {
	cur := c.current()
	if cur == nil || !cur.IsConnected() {
		return nil, protocol.ErrNotConnected
	}
	return cur, nil
}

// EntityState queries an entity over the current connection
func (c *Channel) EntityState(ctx context.Context, entityID string) (protocol.EntityState, error) {
	cur, err := c.live()
	if err != nil {
		return protocol.EntityState{}, err
	}
	return cur.EntityState(ctx, entityID)
}

// RequestTTS sends a one-way TTS request over the current connection
func (c *Channel) RequestTTS(entityID, message string, opts protocol.TTSOptions) error {
	cur, err := c.live()
	if err != nil {
		return err
	}
	return cur.RequestTTS(entityID, message, opts)
}

// RequestElevenLabsTTS sends a bulk TTS request over the current connection
func (c *Channel) RequestElevenLabsTTS(ctx context.Context, message, voiceID string, entityIDs []string) (protocol.TTSResult, error) {
	cur, err := c.live()
	if err != nil {
		return protocol.TTSResult{}, err
	}
	return cur.RequestElevenLabsTTS(ctx, message, voiceID, entityIDs)
}
