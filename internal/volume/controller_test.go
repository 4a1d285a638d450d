// ABOUTME: Tests for the volume controller
// ABOUTME: Covers clamping, cache fallback chain and remote fetch timeouts
package volume

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/Sendspin/sendspin-announcer/internal/hub"
	"github.com/Sendspin/sendspin-announcer/internal/hubtest"
	"github.com/Sendspin/sendspin-announcer/internal/speaker"
	"github.com/Sendspin/sendspin-announcer/pkg/protocol"
)

type recordingSetter struct {
	mu   sync.Mutex
	sent map[string]int
	err  error
}

func (r *recordingSetter) SetVolume(_ context.Context, id string, v int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sent == nil {
		r.sent = make(map[string]int)
	}
	r.sent[id] = v
	return r.err
}

type stateFunc func(ctx context.Context, id string) (protocol.EntityState, error)

func (f stateFunc) EntityState(ctx context.Context, id string) (protocol.EntityState, error) {
	return f(ctx, id)
}

func TestSetVolumeClamps(t *testing.T) {
	reg := speaker.NewRegistry(nil)
	reg.Select("a")
	setter := &recordingSetter{}
	c := New(reg, setter, nil, Config{})

	for v := -50; v <= 150; v += 10 {
		c.SetVolume(context.Background(), "a", v)
		c.Wait()

		want := speaker.ClampVolume(v)
		if got := c.Volume("a"); got != want {
			t.Fatalf("SetVolume(%d): cached %d, expected %d", v, got, want)
		}
		if setter.sent["a"] != want {
			t.Fatalf("SetVolume(%d): sent %d, expected %d", v, setter.sent["a"], want)
		}
	}
}

func TestSetVolumeFailureKeepsCache(t *testing.T) {
	reg := speaker.NewRegistry(nil)
	reg.Select("a")
	c := New(reg, &recordingSetter{err: errors.New("boom")}, nil, Config{})

	c.SetVolume(context.Background(), "a", 70)
	c.Wait()

	if got := c.Volume("a"); got != 70 {
		t.Errorf("expected cached 70, got %d", got)
	}
}

func TestVolumeFallbacks(t *testing.T) {
	reg := speaker.NewRegistry(nil)
	reg.Select("a", "b")
	c := New(reg, &recordingSetter{}, nil, Config{})

	if got := c.Volume("a"); got != speaker.DefaultVolume {
		t.Errorf("expected default %d, got %d", speaker.DefaultVolume, got)
	}

	reg.SetLegacyVolume(35)
	if got := c.Volume("a"); got != 35 {
		t.Errorf("expected legacy 35, got %d", got)
	}

	reg.SetVolume("b", 80)
	if got := c.Volume("b"); got != 80 {
		t.Errorf("expected cached 80, got %d", got)
	}
}

func TestFetchRemoteUpdatesCache(t *testing.T) {
	h := hubtest.New()
	defer h.Close()
	h.SetStateFunc(hubtest.WithVolume(protocol.StatePlaying, 0.42))

	client := protocol.NewClient(protocol.Config{HubURL: h.URL()})
	if err := client.Connect(); err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	defer client.Close()

	reg := speaker.NewRegistry(nil)
	reg.Select("a")
	c := New(reg, hub.New(hub.Config{BaseURL: h.URL()}), client, Config{})

	v, ok := c.FetchRemote(context.Background(), "a")
	if !ok || v != 42 {
		t.Fatalf("expected 42, got %d (%v)", v, ok)
	}
	if cached, _ := c.Cached("a"); cached != 42 {
		t.Errorf("expected cache 42, got %d", cached)
	}
}

func TestFetchRemoteTimesOut(t *testing.T) {
	reg := speaker.NewRegistry(nil)
	reg.Select("a")

	never := stateFunc(func(ctx context.Context, _ string) (protocol.EntityState, error) {
		<-ctx.Done()
		return protocol.EntityState{}, ctx.Err()
	})
	c := New(reg, &recordingSetter{}, never, Config{FetchTimeout: 50 * time.Millisecond})

	start := time.Now()
	_, ok := c.FetchRemote(context.Background(), "a")
	if ok {
		t.Fatal("expected fetch to fail")
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("fetch took %v, expected the timeout to cut it short", elapsed)
	}
	if _, cached := c.Cached("a"); cached {
		t.Error("expected no cached volume after timeout")
	}
}

func TestFetchRemoteWithoutLevel(t *testing.T) {
	reg := speaker.NewRegistry(nil)
	reg.Select("a")

	bare := stateFunc(func(context.Context, string) (protocol.EntityState, error) {
		return protocol.EntityState{State: protocol.StateIdle}, nil
	})
	c := New(reg, &recordingSetter{}, bare, Config{})

	if _, ok := c.FetchRemote(context.Background(), "a"); ok {
		t.Error("expected no volume when the hub omits volume_level")
	}
}
