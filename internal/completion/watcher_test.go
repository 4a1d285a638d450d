// ABOUTME: Tests for the completion watcher
// ABOUTME: Drives each exit condition with scripted state oracles
package completion

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/Sendspin/sendspin-announcer/internal/hubtest"
	"github.com/Sendspin/sendspin-announcer/pkg/protocol"
)

func fastTiming() Timing {
	return Timing{
		PollInterval:  5 * time.Millisecond,
		PollTimeout:   20 * time.Millisecond,
		MaxFailures:   4,
		PlayingWindow: 10,
	}
}

// oracle replays a scripted sequence of states; "" means never answer
type oracle struct {
	mu     sync.Mutex
	states []string
	polls  int
}

func (o *oracle) EntityState(ctx context.Context, _ string) (protocol.EntityState, error) {
	o.mu.Lock()
	o.polls++
	i := o.polls - 1
	if i >= len(o.states) {
		i = len(o.states) - 1
	}
	state := o.states[i]
	o.mu.Unlock()

	if state == "" {
		<-ctx.Done()
		return protocol.EntityState{}, ctx.Err()
	}
	return protocol.EntityState{State: state}, nil
}

func (o *oracle) count() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.polls
}

func TestAwaitOutcomes(t *testing.T) {
	tests := []struct {
		name    string
		states  []string
		maxWait time.Duration
		want    Outcome
		polls   int
	}{
		{
			name:    "playing then idle",
			states:  []string{protocol.StateUnknown, protocol.StatePlaying, protocol.StatePlaying, protocol.StateIdle},
			maxWait: 2 * time.Second,
			want:    Finished,
			polls:   4,
		},
		{
			name:    "playing then standby",
			states:  []string{protocol.StatePlaying, protocol.StateStandby},
			maxWait: 2 * time.Second,
			want:    Finished,
			polls:   2,
		},
		{
			name:    "never responds",
			states:  []string{""},
			maxWait: 2 * time.Second,
			want:    Stuck,
			polls:   4,
		},
		{
			name:    "always unknown",
			states:  []string{protocol.StateUnknown},
			maxWait: 2 * time.Second,
			want:    NeverPlayed,
			polls:   10,
		},
		{
			name:    "idle before playing is not completion",
			states:  []string{protocol.StateIdle},
			maxWait: 2 * time.Second,
			want:    NeverPlayed,
			polls:   10,
		},
		{
			name:    "always playing",
			states:  []string{protocol.StatePlaying},
			maxWait: 150 * time.Millisecond,
			want:    Ceiling,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o := &oracle{states: tt.states}
			w := New(o, fastTiming(), nil)

			start := time.Now()
			got := w.Await(context.Background(), "a", tt.maxWait)
			elapsed := time.Since(start)

			if got != tt.want {
				t.Errorf("expected %v, got %v", tt.want, got)
			}
			if tt.polls > 0 && o.count() != tt.polls {
				t.Errorf("expected %d polls, got %d", tt.polls, o.count())
			}
			if elapsed > tt.maxWait+100*time.Millisecond {
				t.Errorf("watch took %v, exceeding ceiling %v", elapsed, tt.maxWait)
			}
		})
	}
}

func TestAwaitCeilingBeatsSlowOracle(t *testing.T) {
	timing := fastTiming()
	timing.PollTimeout = time.Second

	w := New(&oracle{states: []string{""}}, timing, nil)

	start := time.Now()
	got := w.Await(context.Background(), "a", 60*time.Millisecond)
	if got != Ceiling {
		t.Errorf("expected ceiling, got %v", got)
	}
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Errorf("per-poll timeout outlived the budget: %v", elapsed)
	}
}

func TestAwaitCancelled(t *testing.T) {
	w := New(&oracle{states: []string{protocol.StatePlaying}}, fastTiming(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(30 * time.Millisecond)
		cancel()
	}()

	if got := w.Await(ctx, "a", 5*time.Second); got != Cancelled {
		t.Errorf("expected cancelled, got %v", got)
	}
}

func TestAwaitAgainstFakeHub(t *testing.T) {
	h := hubtest.New()
	defer h.Close()
	h.SetStateFunc(hubtest.Sequence(protocol.StatePlaying, protocol.StatePlaying, protocol.StateIdle))

	client := protocol.NewClient(protocol.Config{HubURL: h.URL()})
	if err := client.Connect(); err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	defer client.Close()

	w := New(client, fastTiming(), nil)
	if got := w.Await(context.Background(), "media_player.kitchen", 2*time.Second); got != Finished {
		t.Errorf("expected finished, got %v", got)
	}
	if polls := h.Polls("media_player.kitchen"); polls != 3 {
		t.Errorf("expected 3 polls, got %d", polls)
	}
}

func TestNewFillsZeroTiming(t *testing.T) {
	w := New(&oracle{states: []string{""}}, Timing{}, nil)
	if w.timing != DefaultTiming() {
		t.Fatalf("expected default timing, got %+v", w.timing)
	}

	// An unanswered speaker with a short budget ends at the ceiling
	if got := w.Await(context.Background(), "a", 100*time.Millisecond); got != Ceiling {
		t.Errorf("expected ceiling, got %v", got)
	}
}
