// ABOUTME: Infers when a speaker has finished an announcement
// ABOUTME: Polls remote media state in a single loop bounded by one time budget
package completion

import (
	"context"
	"time"

	"github.com/Sendspin/sendspin-announcer/pkg/protocol"
	"github.com/charmbracelet/log"
)

// DefaultMaxWait is the hard ceiling for one watch
const DefaultMaxWait = 60 * time.Second

// Outcome describes why a watch ended
type Outcome int

const (
	// Finished means playing was seen and then a terminal state
	Finished Outcome = iota
	// NeverPlayed means playing was not seen within the early-exit poll window
	NeverPlayed
	// Stuck means too many consecutive polls went unanswered
	Stuck
	// Ceiling means the maximum wait elapsed
	Ceiling
	// Cancelled means the caller's context ended first
	Cancelled
)

func (o Outcome) String() string {
	switch o {
	case Finished:
		return "finished"
	case NeverPlayed:
		return "never-played"
	case Stuck:
		return "stuck"
	case Ceiling:
		return "ceiling"
	case Cancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// EntityStater answers correlated entity-state queries
type EntityStater interface {
	EntityState(ctx context.Context, entityID string) (protocol.EntityState, error)
}

// Timing holds the polling parameters
type Timing struct {
	PollInterval time.Duration
	PollTimeout  time.Duration

	// MaxFailures consecutive unanswered polls end the watch
	MaxFailures int

	// PlayingWindow is how many polls may pass without seeing playing
	PlayingWindow int
}

// DefaultTiming returns the production polling parameters
func DefaultTiming() Timing {
	return Timing{
		PollInterval:  500 * time.Millisecond,
		PollTimeout:   1500 * time.Millisecond,
		MaxFailures:   4,
		PlayingWindow: 10,
	}
}

// State is the per-watch progress
type State struct {
	SawPlaying bool
	PollCount  int
	LastState  string
	Failures   int
}

// Watcher polls a speaker until its announcement is inferred complete
type Watcher struct {
	states EntityStater
	timing Timing
	logger *log.Logger
}

// New creates a completion watcher
func New(states EntityStater, timing Timing, logger *log.Logger) *Watcher {
	def := DefaultTiming()
	if timing.PollInterval <= 0 {
		timing.PollInterval = def.PollInterval
	}
	if timing.PollTimeout <= 0 {
		timing.PollTimeout = def.PollTimeout
	}
	if timing.MaxFailures <= 0 {
		timing.MaxFailures = def.MaxFailures
	}
	if timing.PlayingWindow <= 0 {
		timing.PlayingWindow = def.PlayingWindow
	}
	if logger == nil {
		logger = log.WithPrefix("completion")
	}
	return &Watcher{states: states, timing: timing, logger: logger}
}

// terminal reports whether state means playback has ended
func terminal(state string) bool {
	switch state {
	case protocol.StateIdle, protocol.StatePaused, protocol.StateOff, protocol.StateStandby:
		return true
	}
	return false
}

// Await blocks until the speaker is inferred finished, a heuristic gives up,
// maxWait elapses or ctx ends. It always returns; every outcome means "go on".
func (w *Watcher) Await(ctx context.Context, id string, maxWait time.Duration) Outcome {
	if maxWait <= 0 {
		maxWait = DefaultMaxWait
	}
	budget, cancel := context.WithTimeout(ctx, maxWait)
	defer cancel()

	start := time.Now()
	st := State{LastState: protocol.StateUnknown}

	outcome := w.loop(ctx, budget, id, &st)
	w.logger.Info("Speaker wait ended",
		"speaker", id,
		"outcome", outcome,
		"polls", st.PollCount,
		"saw_playing", st.SawPlaying,
		"last_state", st.LastState,
		"elapsed", time.Since(start).Round(time.Millisecond))
	return outcome
}

func (w *Watcher) loop(parent, budget context.Context, id string, st *State) Outcome {
	ticker := time.NewTicker(w.timing.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-budget.Done():
			if parent.Err() != nil {
				return Cancelled
			}
			return Ceiling
		case <-ticker.C:
		}

		st.PollCount++
		state, ok := w.poll(budget, id)
		if ok {
			st.Failures = 0
			st.LastState = state
			if state == protocol.StatePlaying {
				st.SawPlaying = true
			}
		} else {
			st.Failures++
		}

		switch {
		case budget.Err() != nil:
			if parent.Err() != nil {
				return Cancelled
			}
			return Ceiling
		case st.SawPlaying && terminal(st.LastState):
			return Finished
		case st.Failures >= w.timing.MaxFailures:
			return Stuck
		case !st.SawPlaying && st.PollCount >= w.timing.PlayingWindow:
			return NeverPlayed
		}
	}
}

// poll issues one query bounded by the per-poll timeout and the remaining budget
func (w *Watcher) poll(budget context.Context, id string) (string, bool) {
	ctx, cancel := context.WithTimeout(budget, w.timing.PollTimeout)
	defer cancel()

	state, err := w.states.EntityState(ctx, id)
	if err != nil {
		w.logger.Debug("Poll failed", "speaker", id, "err", err)
		return "", false
	}
	return state.State, true
}
