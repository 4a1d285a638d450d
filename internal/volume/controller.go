// ABOUTME: Per-speaker volume control and cache
// ABOUTME: Sends fire-and-forget volume updates and fetches the hub's current level on demand
package volume

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/Sendspin/sendspin-announcer/internal/speaker"
	"github.com/Sendspin/sendspin-announcer/pkg/protocol"
	"github.com/charmbracelet/log"
)

// DefaultFetchTimeout bounds a remote volume query
const DefaultFetchTimeout = 3 * time.Second

// Setter sends a volume command to one speaker
type Setter interface {
	SetVolume(ctx context.Context, entityID string, volume int) error
}

// EntityStater answers correlated entity-state queries
type EntityStater interface {
	EntityState(ctx context.Context, entityID string) (protocol.EntityState, error)
}

// Config holds controller configuration
type Config struct {
	// FetchTimeout bounds FetchRemote (default: 3s)
	FetchTimeout time.Duration

	Logger *log.Logger
}

// Controller applies and caches speaker volumes.
// The registry is the cache; the controller never holds its own copy.
type Controller struct {
	registry *speaker.Registry
	setter   Setter
	states   EntityStater
	timeout  time.Duration
	logger   *log.Logger

	wg sync.WaitGroup
}

// New creates a volume controller. states may be nil when no event channel exists.
func New(registry *speaker.Registry, setter Setter, states EntityStater, config Config) *Controller {
	if config.FetchTimeout <= 0 {
		config.FetchTimeout = DefaultFetchTimeout
	}
	if config.Logger == nil {
		config.Logger = log.WithPrefix("volume")
	}

	return &Controller{
		registry: registry,
		setter:   setter,
		states:   states,
		timeout:  config.FetchTimeout,
		logger:   config.Logger,
	}
}

// SetVolume clamps pct, caches it and sends it to the speaker in the background.
// A failed send is logged and not retried.
func (c *Controller) SetVolume(ctx context.Context, id string, pct int) {
	pct = speaker.ClampVolume(pct)
	c.registry.SetVolume(id, pct)

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		if err := c.setter.SetVolume(ctx, id, pct); err != nil {
			c.logger.Warn("Volume update failed", "speaker", id, "volume", pct, "err", err)
			return
		}
		c.logger.Debug("Volume set", "speaker", id, "volume", pct)
	}()
}

// Volume returns the cached volume, else the legacy global volume, else the default
func (c *Controller) Volume(id string) int {
	if v, ok := c.registry.Volume(id); ok {
		return v
	}
	if v, ok := c.registry.LegacyVolume(); ok {
		return v
	}
	return speaker.DefaultVolume
}

// Cached reports the cached volume for a speaker, if any
func (c *Controller) Cached(id string) (int, bool) {
	return c.registry.Volume(id)
}

// FetchRemote asks the hub for a speaker's current volume and caches it.
// It returns false on timeout, error or a reply without a volume level.
func (c *Controller) FetchRemote(ctx context.Context, id string) (int, bool) {
	if c.states == nil {
		return 0, false
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	state, err := c.states.EntityState(ctx, id)
	if err != nil {
		c.logger.Debug("Remote volume unavailable", "speaker", id, "err", err)
		return 0, false
	}
	if state.Attributes.VolumeLevel == nil {
		return 0, false
	}

	pct := speaker.ClampVolume(int(math.Round(*state.Attributes.VolumeLevel * 100)))
	c.registry.SetVolume(id, pct)
	return pct, true
}

// Wait blocks until in-flight volume sends finish
func (c *Controller) Wait() {
	c.wg.Wait()
}
