// ABOUTME: Announcement state machine driving pause, speak, wait and resume
// ABOUTME: Evaluates the trigger edge each tick and detaches the wait/resume phase
package announce

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/Sendspin/sendspin-announcer/internal/completion"
	"github.com/Sendspin/sendspin-announcer/internal/speaker"
	"github.com/Sendspin/sendspin-announcer/internal/stream"
	"github.com/charmbracelet/log"
	"github.com/google/uuid"
)

// State is the orchestrator's position in an announcement round
type State int

const (
	Idle State = iota
	Armed
	Pausing
	Speaking
	Waiting
	Resuming
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Armed:
		return "armed"
	case Pausing:
		return "pausing"
	case Speaking:
		return "speaking"
	case Waiting:
		return "waiting"
	case Resuming:
		return "resuming"
	default:
		return "unknown"
	}
}

// Request is one announcement, built when the trigger fires
type Request struct {
	Message string
	Targets []string
}

// PauseRecord is the set of speakers stopped for an announcement
type PauseRecord struct {
	SpeakerIDs   []string
	WasStreaming bool
}

// merge folds an unfinished record into r, keeping r's order first
func (r PauseRecord) merge(prev *PauseRecord) PauseRecord {
	if prev == nil {
		return r
	}

	seen := make(map[string]bool, len(r.SpeakerIDs))
	out := PauseRecord{WasStreaming: r.WasStreaming || prev.WasStreaming}
	for _, id := range append(append([]string(nil), r.SpeakerIDs...), prev.SpeakerIDs...) {
		if !seen[id] {
			seen[id] = true
			out.SpeakerIDs = append(out.SpeakerIDs, id)
		}
	}
	return out
}

// Streams is the stream control the orchestrator needs
type Streams interface {
	Play(ctx context.Context, ids []string, resolver stream.Resolver, forceStop bool) map[string]bool
	Stop(ctx context.Context, ids []string) map[string]bool
	IsStreaming() bool
}

// Speaker delivers announcement text
type Speaker interface {
	Dispatch(ctx context.Context, message string, targets []string) bool
}

// Waiter blocks until a speaker finishes its announcement
type Waiter interface {
	Await(ctx context.Context, id string, maxWait time.Duration) completion.Outcome
}

// Timing holds the round pacing
type Timing struct {
	// Debounce is the minimum gap between two fires
	Debounce time.Duration

	// PauseSettle follows the staggered stop
	PauseSettle time.Duration

	// ResumeBuffer follows completion before resuming
	ResumeBuffer time.Duration

	// MaxWait caps the completion watch
	MaxWait time.Duration
}

// DefaultTiming returns the production pacing
func DefaultTiming() Timing {
	return Timing{
		Debounce:     time.Second,
		PauseSettle:  time.Second,
		ResumeBuffer: 2 * time.Second,
		MaxWait:      completion.DefaultMaxWait,
	}
}

// Config holds orchestrator configuration
type Config struct {
	Timing Timing

	// StreamEnabled reports the master stream toggle; nil means always on
	StreamEnabled func() bool

	// Now is the clock used for debouncing; nil means time.Now
	Now func() time.Time

	Logger *log.Logger
}

// Orchestrator runs announcement rounds. Tick is called from one goroutine.
type Orchestrator struct {
	registry *speaker.Registry
	streams  Streams
	speaker  Speaker
	waiter   Waiter
	enabled  func() bool
	now      func() time.Time
	logger   *log.Logger

	mu            sync.Mutex
	timing        Timing
	staticMessage string
	state         State
	latched       bool
	lastFire      time.Time
	hasFired      bool
	success       bool
	generation    uint64
	cancelRound   context.CancelFunc
	record        *PauseRecord

	wg sync.WaitGroup
}

// New creates an orchestrator
func New(registry *speaker.Registry, streams Streams, sp Speaker, waiter Waiter, config Config) *Orchestrator {
	if config.StreamEnabled == nil {
		config.StreamEnabled = func() bool { return true }
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	if config.Logger == nil {
		config.Logger = log.WithPrefix("announce")
	}

	return &Orchestrator{
		registry: registry,
		streams:  streams,
		speaker:  sp,
		waiter:   waiter,
		enabled:  config.StreamEnabled,
		now:      config.Now,
		logger:   config.Logger,
		timing:   config.Timing,
	}
}

// SetStaticMessage sets the message used when a tick carries no override
func (o *Orchestrator) SetStaticMessage(msg string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.staticMessage = msg
}

// SetResumeBuffer changes the pause between completion and resume
func (o *Orchestrator) SetResumeBuffer(d time.Duration) {
	if d < 0 {
		d = 0
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	o.timing.ResumeBuffer = d
}

// State returns the current round state
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// Success returns the last dispatch result
func (o *Orchestrator) Success() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.success
}

// PauseRecord returns the outstanding pause record, if any
func (o *Orchestrator) PauseRecord() (PauseRecord, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.record == nil {
		return PauseRecord{}, false
	}
	return PauseRecord{
		SpeakerIDs:   append([]string(nil), o.record.SpeakerIDs...),
		WasStreaming: o.record.WasStreaming,
	}, true
}

// Wait blocks until the detached wait/resume phase finishes
func (o *Orchestrator) Wait() {
	o.wg.Wait()
}

// Tick evaluates one trigger sample and returns the success output.
// On a rising edge outside the debounce window it runs pause and dispatch
// synchronously and detaches the wait/resume phase.
func (o *Orchestrator) Tick(ctx context.Context, trigger bool, override string) bool {
	o.mu.Lock()
	if !trigger {
		o.latched = false
		success := o.success
		o.mu.Unlock()
		return success
	}
	if o.latched {
		success := o.success
		o.mu.Unlock()
		return success
	}
	o.latched = true

	now := o.now()
	if o.hasFired && now.Sub(o.lastFire) < o.timing.Debounce {
		success := o.success
		o.mu.Unlock()
		o.logger.Debug("Trigger suppressed by debounce", "since_last", now.Sub(o.lastFire))
		return success
	}
	o.hasFired = true
	o.lastFire = now
	if o.state == Idle {
		o.state = Armed
	}
	o.mu.Unlock()

	return o.fire(ctx, override)
}

// request builds the announcement for this fire
func (o *Orchestrator) request(override string) Request {
	msg := strings.TrimSpace(override)
	if msg == "" {
		o.mu.Lock()
		msg = strings.TrimSpace(o.staticMessage)
		o.mu.Unlock()
	}
	return Request{Message: msg, Targets: o.registry.TTSSpeakers()}
}

func (o *Orchestrator) fire(ctx context.Context, override string) bool {
	req := o.request(override)
	if len(req.Targets) == 0 || req.Message == "" {
		o.logger.Info("Announcement skipped", "speakers", len(req.Targets), "has_message", req.Message != "")
		o.mu.Lock()
		defer o.mu.Unlock()
		if o.state == Armed {
			o.state = Idle
		}
		return o.success
	}

	round := uuid.New().String()[:8]
	logger := o.logger.With("round", round)
	logger.Info("Announcement fired", "speakers", req.Targets)

	// Supersede an unfinished round and keep its paused speakers
	o.mu.Lock()
	if o.cancelRound != nil {
		o.cancelRound()
		o.cancelRound = nil
		logger.Info("Superseding unfinished round")
	}
	inherited := o.record
	o.record = nil
	o.generation++
	gen := o.generation
	timing := o.timing
	o.state = Pausing
	o.mu.Unlock()

	rec := PauseRecord{}
	if o.streams.IsStreaming() {
		o.streams.Stop(ctx, req.Targets)
		sleep(ctx, timing.PauseSettle)
		rec = PauseRecord{SpeakerIDs: append([]string(nil), req.Targets...), WasStreaming: true}
	}
	rec = rec.merge(inherited)

	o.mu.Lock()
	o.record = &rec
	o.state = Speaking
	o.mu.Unlock()

	success := o.speaker.Dispatch(ctx, req.Message, req.Targets)
	logger.Info("Announcement dispatched", "success", success)

	roundCtx, cancel := context.WithCancel(ctx)

	o.mu.Lock()
	o.success = success
	o.state = Waiting
	o.cancelRound = cancel
	o.mu.Unlock()

	o.wg.Add(1)
	go o.finish(roundCtx, cancel, gen, req.Targets[0], timing, logger)

	return success
}

// finish waits for completion and resumes the paused speakers
func (o *Orchestrator) finish(ctx context.Context, cancel context.CancelFunc, gen uint64, first string, timing Timing, logger *log.Logger) {
	defer o.wg.Done()
	defer cancel()

	outcome := o.waiter.Await(ctx, first, timing.MaxWait)
	if !sleep(ctx, timing.ResumeBuffer) {
		logger.Info("Round cancelled before resume", "outcome", outcome)
		return
	}

	o.mu.Lock()
	if o.generation != gen {
		o.mu.Unlock()
		return
	}
	o.state = Resuming
	rec := o.record
	o.mu.Unlock()

	if rec != nil && rec.WasStreaming && len(rec.SpeakerIDs) > 0 {
		if o.enabled() {
			results := o.streams.Play(ctx, rec.SpeakerIDs, o.registry, false)
			logger.Info("Resumed speakers", "speakers", rec.SpeakerIDs, "ok", countOK(results))
		} else {
			logger.Info("Stream toggle off, not resuming", "speakers", rec.SpeakerIDs)
		}
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.generation == gen && ctx.Err() == nil {
		o.record = nil
		o.cancelRound = nil
		o.state = Idle
	}
}

func countOK(results map[string]bool) int {
	n := 0
	for _, ok := range results {
		if ok {
			n++
		}
	}
	return n
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
