// ABOUTME: Applies per-tick dynamic speaker inputs on change only
// ABOUTME: Edge-detects active and station inputs and pushes volume when it differs from the cache
package inputs

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"

	"github.com/Sendspin/sendspin-announcer/internal/speaker"
	"github.com/Sendspin/sendspin-announcer/internal/stream"
	"github.com/charmbracelet/log"
)

// StationValue is the raw value of a station input: an index or text.
// Text starting with http is a custom URL, anything else a station name.
type StationValue struct {
	Index *int
	Text  string
}

// StationIndex builds an index station input
func StationIndex(i int) StationValue {
	return StationValue{Index: &i}
}

// StationText builds a URL or name station input
func StationText(s string) StationValue {
	return StationValue{Text: s}
}

// key is the raw identity used for edge detection
func (v StationValue) key() string {
	if v.Index != nil {
		return "#" + strconv.Itoa(*v.Index)
	}
	return "s:" + v.Text
}

// UnmarshalJSON accepts a JSON number or string
func (v *StationValue) UnmarshalJSON(data []byte) error {
	var n float64
	if err := json.Unmarshal(data, &n); err == nil {
		i := int(n)
		*v = StationValue{Index: &i}
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("station input must be a number or string: %w", err)
	}
	*v = StationValue{Text: s}
	return nil
}

// MarshalJSON writes the index as a number and text as a string
func (v StationValue) MarshalJSON() ([]byte, error) {
	if v.Index != nil {
		return json.Marshal(*v.Index)
	}
	return json.Marshal(v.Text)
}

// Inputs is one tick's dynamic per-speaker inputs. A missing key means the input is disconnected.
type Inputs struct {
	StreamURL string                  `json:"streamUrl,omitempty"`
	Volume    map[string]float64      `json:"volume,omitempty"`
	Active    map[string]bool         `json:"active,omitempty"`
	Station   map[string]StationValue `json:"station,omitempty"`
}

// Volumes applies and caches speaker volumes
type Volumes interface {
	SetVolume(ctx context.Context, id string, pct int)
	Cached(id string) (int, bool)
}

// Streams starts and stops speaker streams
type Streams interface {
	Play(ctx context.Context, ids []string, resolver stream.Resolver, forceStop bool) map[string]bool
	Stop(ctx context.Context, ids []string) map[string]bool
	IsStreaming() bool
	IsPlaying(id string) bool
}

// Processor holds the last seen input values and applies changes
type Processor struct {
	registry *speaker.Registry
	volumes  Volumes
	streams  Streams
	logger   *log.Logger

	mu          sync.Mutex
	forceResync bool
	lastActive  map[string]bool
	lastStation map[string]string

	wg sync.WaitGroup
}

// New creates an input processor
func New(registry *speaker.Registry, volumes Volumes, streams Streams, logger *log.Logger) *Processor {
	if logger == nil {
		logger = log.WithPrefix("inputs")
	}
	return &Processor{
		registry:    registry,
		volumes:     volumes,
		streams:     streams,
		logger:      logger,
		lastActive:  make(map[string]bool),
		lastStation: make(map[string]string),
	}
}

// RequestResync makes the next applied volume inputs go out even if unchanged
func (p *Processor) RequestResync() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.forceResync = true
}

// ResyncPending reports whether a forced volume resync is still waiting
func (p *Processor) ResyncPending() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.forceResync
}

// Forget drops edge state for a speaker that left the selection
func (p *Processor) Forget(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.lastActive, id)
	delete(p.lastStation, id)
}

// Apply processes one tick of inputs. Stream changes run in the background.
func (p *Processor) Apply(ctx context.Context, in Inputs) {
	p.registry.SetNodeURLOverride(in.StreamURL)

	for _, id := range p.registry.Selected() {
		if v, ok := in.Volume[id]; ok {
			p.applyVolume(ctx, id, v)
		}
		if active, ok := in.Active[id]; ok {
			p.applyActive(ctx, id, active)
		}
		if st, ok := in.Station[id]; ok {
			p.applyStation(ctx, id, st)
		}
	}
}

// Wait blocks until background stream changes finish
func (p *Processor) Wait() {
	p.wg.Wait()
}

func (p *Processor) applyVolume(ctx context.Context, id string, raw float64) {
	if math.IsNaN(raw) {
		return
	}
	pct := speaker.ClampVolume(int(math.Round(math.Max(math.Min(raw, 1000), -1000))))

	p.mu.Lock()
	force := p.forceResync
	p.mu.Unlock()

	if cached, ok := p.volumes.Cached(id); ok && cached == pct && !force {
		return
	}

	p.volumes.SetVolume(ctx, id, pct)

	if force {
		p.mu.Lock()
		p.forceResync = false
		p.mu.Unlock()
		p.logger.Info("Volume resync applied", "speaker", id, "volume", pct)
	}
}

func (p *Processor) applyActive(ctx context.Context, id string, active bool) {
	p.mu.Lock()
	prev := p.lastActive[id]
	p.lastActive[id] = active
	p.mu.Unlock()

	p.registry.SetLastKnownActive(id, active)
	if prev == active {
		return
	}

	if active {
		p.logger.Info("Active input rose, starting speaker", "speaker", id)
		p.background(func() {
			p.streams.Play(ctx, []string{id}, p.registry, false)
		})
		return
	}

	p.logger.Info("Active input fell, stopping speaker", "speaker", id)
	p.background(func() {
		p.streams.Stop(ctx, []string{id})
	})
}

func (p *Processor) applyStation(ctx context.Context, id string, v StationValue) {
	key := v.key()

	p.mu.Lock()
	prev, seen := p.lastStation[id]
	p.lastStation[id] = key
	p.mu.Unlock()

	if seen && prev == key {
		return
	}

	switch {
	case v.Index != nil:
		p.registry.ClearCustomURL(id)
		p.registry.SetStation(id, *v.Index)
	case strings.HasPrefix(strings.TrimSpace(v.Text), "http"):
		p.registry.SetCustomURL(id, v.Text)
	default:
		idx, ok := p.registry.StationByName(v.Text)
		if !ok {
			p.logger.Warn("Unknown station name, ignoring", "speaker", id, "station", v.Text)
			return
		}
		p.registry.ClearCustomURL(id)
		p.registry.SetStation(id, idx)
	}

	p.logger.Info("Station input changed", "speaker", id, "url", p.registry.ResolveStreamURL(id))

	if p.streams.IsStreaming() || p.streams.IsPlaying(id) {
		p.background(func() {
			p.streams.Play(ctx, []string{id}, p.registry, true)
		})
	}
}

func (p *Processor) background(fn func()) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		fn()
	}()
}
