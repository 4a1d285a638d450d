// ABOUTME: Tests for the edge input processor
// ABOUTME: Checks change detection for volume, active and station inputs against the fake hub
package inputs

import (
	"context"
	"encoding/json"
	"reflect"
	"testing"
	"time"

	"github.com/Sendspin/sendspin-announcer/internal/hub"
	"github.com/Sendspin/sendspin-announcer/internal/hubtest"
	"github.com/Sendspin/sendspin-announcer/internal/speaker"
	"github.com/Sendspin/sendspin-announcer/internal/stream"
	"github.com/Sendspin/sendspin-announcer/internal/volume"
)

var testStations = []speaker.Station{
	{Name: "Jazz FM", URL: "http://jazz.example/stream"},
	{Name: "News", URL: "http://news.example/stream"},
}

type fixture struct {
	hub      *hubtest.Hub
	registry *speaker.Registry
	streams  *stream.Controller
	volumes  *volume.Controller
	proc     *Processor
}

func newFixture(t *testing.T, ids ...string) *fixture {
	t.Helper()

	h := hubtest.New()
	t.Cleanup(h.Close)

	reg := speaker.NewRegistry(testStations)
	reg.Select(ids...)

	client := hub.New(hub.Config{BaseURL: h.URL(), RequestsPerSecond: 1000, Burst: 100})
	vols := volume.New(reg, client, nil, volume.Config{})
	streams := stream.New(client, stream.Config{
		Timing:  stream.Timing{Stagger: time.Millisecond, Settle: time.Millisecond, RetryBackoff: time.Millisecond, Attempts: 2},
		Volumes: vols,
	})

	return &fixture{
		hub:      h,
		registry: reg,
		streams:  streams,
		volumes:  vols,
		proc:     New(reg, vols, streams, nil),
	}
}

func (f *fixture) apply(in Inputs) {
	f.proc.Apply(context.Background(), in)
	f.proc.Wait()
	f.volumes.Wait()
}

func TestVolumeInputIsClamped(t *testing.T) {
	f := newFixture(t, "a")

	for v := -50; v <= 150; v += 25 {
		f.apply(Inputs{Volume: map[string]float64{"a": float64(v)}})

		got, ok := f.registry.Volume("a")
		if !ok || got != speaker.ClampVolume(v) {
			t.Fatalf("input %d: expected %d, got %d", v, speaker.ClampVolume(v), got)
		}
	}

	for _, call := range f.hub.CallsTo(hub.PathVolume) {
		if *call.Volume < 0 || *call.Volume > 100 {
			t.Errorf("unclamped volume %d sent", *call.Volume)
		}
	}
}

func TestVolumeInputOnlyOnChange(t *testing.T) {
	f := newFixture(t, "a")

	f.apply(Inputs{Volume: map[string]float64{"a": 40}})
	f.apply(Inputs{Volume: map[string]float64{"a": 40}})
	f.apply(Inputs{Volume: map[string]float64{"a": 45}})

	if n := len(f.hub.CallsTo(hub.PathVolume)); n != 2 {
		t.Errorf("expected 2 volume calls, got %d", n)
	}
}

func TestForceResyncPushesUnchangedVolume(t *testing.T) {
	f := newFixture(t, "a")
	f.registry.SetVolume("a", 40)
	f.proc.RequestResync()

	f.apply(Inputs{})
	if !f.proc.ResyncPending() {
		t.Fatal("expected resync to stay pending until a volume is applied")
	}

	f.apply(Inputs{Volume: map[string]float64{"a": 40}})
	if f.proc.ResyncPending() {
		t.Error("expected resync cleared after a volume applied")
	}

	f.apply(Inputs{Volume: map[string]float64{"a": 40}})
	if n := len(f.hub.CallsTo(hub.PathVolume)); n != 1 {
		t.Errorf("expected exactly 1 volume call, got %d", n)
	}
}

func TestActiveInputEdges(t *testing.T) {
	f := newFixture(t, "a", "b")
	f.registry.SetStation("a", 0)

	f.apply(Inputs{Active: map[string]bool{"a": true}})
	f.apply(Inputs{Active: map[string]bool{"a": true}})
	f.apply(Inputs{})
	f.apply(Inputs{Active: map[string]bool{"a": false}})
	f.apply(Inputs{Active: map[string]bool{"b": false}})

	var got []string
	for _, c := range f.hub.Calls() {
		got = append(got, c.Path+" "+c.EntityID)
	}
	want := []string{hub.PathPlay + " a", hub.PathStop + " a"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("expected %v, got %v", want, got)
	}

	plays := f.hub.CallsTo(hub.PathPlay)
	if plays[0].MediaURL != testStations[0].URL {
		t.Errorf("expected station url, got %s", plays[0].MediaURL)
	}
}

func TestStationInputIsIdempotent(t *testing.T) {
	f := newFixture(t, "a")
	f.streams.Play(context.Background(), []string{"a"}, f.registry, false)
	f.hub.Reset()

	for i := 0; i < 3; i++ {
		f.apply(Inputs{Station: map[string]StationValue{"a": StationIndex(1)}})
	}

	if n := len(f.hub.CallsTo(hub.PathPlay)); n != 1 {
		t.Fatalf("expected a single replay, got %d", n)
	}
	if got := f.hub.CallsTo(hub.PathPlay)[0].MediaURL; got != testStations[1].URL {
		t.Errorf("expected News url, got %s", got)
	}
	if n := len(f.hub.CallsTo(hub.PathStop)); n != 1 {
		t.Errorf("expected a forced stop before replay, got %d stops", n)
	}

	// A manual change survives repeated delivery of the same raw value
	f.registry.SetStation("a", 0)
	f.apply(Inputs{Station: map[string]StationValue{"a": StationIndex(1)}})
	if got := f.registry.ResolveStreamURL("a"); got != testStations[0].URL {
		t.Errorf("expected manual station to persist, got %s", got)
	}
}

func TestStationInputForms(t *testing.T) {
	f := newFixture(t, "a")

	tests := []struct {
		name string
		in   StationValue
		want string
	}{
		{"index clamped", StationIndex(99), testStations[1].URL},
		{"custom url", StationText("http://custom.example/live"), "http://custom.example/live"},
		{"name", StationText("jazz fm"), testStations[0].URL},
		{"unknown name ignored", StationText("Classical"), testStations[0].URL},
		{"negative index", StationIndex(-3), testStations[0].URL},
	}

	for _, tt := range tests {
		f.apply(Inputs{Station: map[string]StationValue{"a": tt.in}})
		if got := f.registry.ResolveStreamURL("a"); got != tt.want {
			t.Errorf("%s: expected %s, got %s", tt.name, tt.want, got)
		}
	}

	if n := len(f.hub.Calls()); n != 0 {
		t.Errorf("expected no replays while not playing, got %d calls", n)
	}
}

func TestStreamURLOverride(t *testing.T) {
	f := newFixture(t, "a")
	f.registry.SetStation("a", 0)

	f.apply(Inputs{StreamURL: "http://override.example"})
	if got := f.registry.ResolveStreamURL("a"); got != "http://override.example" {
		t.Errorf("expected override, got %s", got)
	}

	f.apply(Inputs{})
	if got := f.registry.ResolveStreamURL("a"); got != testStations[0].URL {
		t.Errorf("expected station after override cleared, got %s", got)
	}
}

func TestInputsJSON(t *testing.T) {
	var in Inputs
	data := `{"volume":{"a":55.4},"active":{"a":true},"station":{"a":2,"b":"News"}}`
	if err := json.Unmarshal([]byte(data), &in); err != nil {
		t.Fatalf("decode failed: %v", err)
	}

	if in.Station["a"].Index == nil || *in.Station["a"].Index != 2 {
		t.Errorf("expected index 2, got %+v", in.Station["a"])
	}
	if in.Station["b"].Text != "News" {
		t.Errorf("expected text News, got %+v", in.Station["b"])
	}
	if in.Volume["a"] != 55.4 || !in.Active["a"] {
		t.Errorf("unexpected decode %+v", in)
	}
}
