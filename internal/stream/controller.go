// ABOUTME: Staggered, retrying play/stop control of speaker streams
// ABOUTME: Tracks which speakers are playing and the global streaming flag
package stream

import (
	"context"
	"sync"
	"time"

	"github.com/Sendspin/sendspin-announcer/internal/hub"
	"github.com/charmbracelet/log"
)

// MediaClient issues single-speaker media commands
type MediaClient interface {
	Play(ctx context.Context, req hub.PlayRequest) error
	Stop(ctx context.Context, entityID string) error
}

// Resolver maps a speaker to the URL it should play
type Resolver interface {
	ResolveStreamURL(id string) string
}

// ResolverFunc adapts a function to Resolver
type ResolverFunc func(id string) string

// ResolveStreamURL calls f(id)
func (f ResolverFunc) ResolveStreamURL(id string) string { return f(id) }

// VolumeSource supplies the volume sent along with play
type VolumeSource interface {
	Volume(id string) int
}

// Timing holds the pacing of multi-speaker operations
type Timing struct {
	// Stagger is the pause between two speakers in one call
	Stagger time.Duration

	// Settle is the pause between a forced stop and the following play
	Settle time.Duration

	// RetryBackoff is the pause before the second attempt
	RetryBackoff time.Duration

	// Attempts is the maximum tries per speaker per command
	Attempts int
}

// DefaultTiming returns the production pacing
func DefaultTiming() Timing {
	return Timing{
		Stagger:      300 * time.Millisecond,
		Settle:       300 * time.Millisecond,
		RetryBackoff: time.Second,
		Attempts:     2,
	}
}

// Config holds controller configuration
type Config struct {
	Timing Timing

	// Volumes is optional; when set, play requests carry the speaker's volume
	Volumes VolumeSource

	Logger *log.Logger
}

// Controller drives play and stop across speakers, one at a time
type Controller struct {
	client  MediaClient
	timing  Timing
	volumes VolumeSource
	logger  *log.Logger

	mu        sync.RWMutex
	streaming bool
	playing   map[string]bool
}

// New creates a stream controller
func New(client MediaClient, config Config) *Controller {
	if config.Timing.Attempts <= 0 {
		config.Timing.Attempts = DefaultTiming().Attempts
	}
	if config.Logger == nil {
		config.Logger = log.WithPrefix("stream")
	}

	return &Controller{
		client:  client,
		timing:  config.Timing,
		volumes: config.Volumes,
		logger:  config.Logger,
		playing: make(map[string]bool),
	}
}

// Play starts each speaker's resolved stream in order.
// With forceStop each speaker is stopped and given time to settle first.
// The result maps every id to whether its play succeeded.
func (c *Controller) Play(ctx context.Context, ids []string, resolver Resolver, forceStop bool) map[string]bool {
	results := make(map[string]bool, len(ids))

	for i, id := range ids {
		if i > 0 && !sleep(ctx, c.timing.Stagger) {
			c.markSkipped(results, ids[i:])
			break
		}

		url := resolver.ResolveStreamURL(id)
		if url == "" {
			c.logger.Warn("No stream URL resolves for speaker, skipping", "speaker", id)
			results[id] = false
			continue
		}

		if forceStop {
			if c.attempt(ctx, "stop", id, func(ctx context.Context) error {
				return c.client.Stop(ctx, id)
			}) {
				c.setPlaying(id, false)
			}
			if !sleep(ctx, c.timing.Settle) {
				c.markSkipped(results, ids[i:])
				break
			}
		}

		req := hub.PlayRequest{EntityID: id, MediaURL: url, MediaType: hub.DefaultMediaType}
		if c.volumes != nil {
			v := c.volumes.Volume(id)
			req.Volume = &v
		}

		ok := c.attempt(ctx, "play", id, func(ctx context.Context) error {
			return c.client.Play(ctx, req)
		})
		results[id] = ok
		if ok {
			c.setPlaying(id, true)
			c.logger.Info("Stream started", "speaker", id, "url", url)
		}
	}

	c.refreshStreaming()
	return results
}

// Stop stops each speaker in order with the same pacing and retry as Play
func (c *Controller) Stop(ctx context.Context, ids []string) map[string]bool {
	results := make(map[string]bool, len(ids))

	for i, id := range ids {
		if i > 0 && !sleep(ctx, c.timing.Stagger) {
			c.markSkipped(results, ids[i:])
			break
		}

		ok := c.attempt(ctx, "stop", id, func(ctx context.Context) error {
			return c.client.Stop(ctx, id)
		})
		results[id] = ok
		if ok {
			c.setPlaying(id, false)
			c.logger.Info("Stream stopped", "speaker", id)
		}
	}

	c.refreshStreaming()
	return results
}

// IsStreaming reports whether at least one speaker is known to be playing
func (c *Controller) IsStreaming() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.streaming
}

// IsPlaying reports whether a speaker's last successful command was play
func (c *Controller) IsPlaying(id string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.playing[id]
}

// Playing returns the ids of speakers last successfully started
func (c *Controller) Playing() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	ids := make([]string, 0, len(c.playing))
	for id, on := range c.playing {
		if on {
			ids = append(ids, id)
		}
	}
	return ids
}

// Forget drops tracking for a speaker that left the selection
func (c *Controller) Forget(id string) {
	c.mu.Lock()
	delete(c.playing, id)
	c.mu.Unlock()
	c.refreshStreaming()
}

// attempt runs one command with retry, logging each failure
func (c *Controller) attempt(ctx context.Context, op, id string, fn func(context.Context) error) bool {
	for try := 1; try <= c.timing.Attempts; try++ {
		err := fn(ctx)
		if err == nil {
			return true
		}

		c.logger.Warn("Speaker command failed", "op", op, "speaker", id, "attempt", try, "err", err)

		if try < c.timing.Attempts && !sleep(ctx, c.timing.RetryBackoff) {
			return false
		}
	}
	return false
}

func (c *Controller) markSkipped(results map[string]bool, ids []string) {
	for _, id := range ids {
		if _, done := results[id]; !done {
			results[id] = false
		}
	}
	c.logger.Warn("Speaker sequence cancelled", "remaining", len(ids))
}

func (c *Controller) setPlaying(id string, on bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if on {
		c.playing[id] = true
	} else {
		delete(c.playing, id)
	}
}

func (c *Controller) refreshStreaming() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.streaming = len(c.playing) > 0
}

// sleep waits for d or until ctx is done; it reports whether the full wait elapsed
func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}

	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
