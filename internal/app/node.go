// ABOUTME: Announcer node wiring and tick loop
// ABOUTME: Owns every component, feeds each tick's inputs through them and persists state
package app

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/Sendspin/sendspin-announcer/internal/announce"
	"github.com/Sendspin/sendspin-announcer/internal/completion"
	"github.com/Sendspin/sendspin-announcer/internal/discovery"
	"github.com/Sendspin/sendspin-announcer/internal/hub"
	"github.com/Sendspin/sendspin-announcer/internal/inputs"
	"github.com/Sendspin/sendspin-announcer/internal/speaker"
	"github.com/Sendspin/sendspin-announcer/internal/state"
	"github.com/Sendspin/sendspin-announcer/internal/stream"
	"github.com/Sendspin/sendspin-announcer/internal/version"
	"github.com/Sendspin/sendspin-announcer/internal/volume"
	"github.com/Sendspin/sendspin-announcer/pkg/protocol"
	"github.com/charmbracelet/log"
	"github.com/gorilla/websocket"
)

// Timings groups the pacing of every component
type Timings struct {
	Stream     stream.Timing
	Announce   announce.Timing
	Completion completion.Timing
	Dispatch   announce.DispatchTiming
}

// DefaultTimings returns the production pacing
func DefaultTimings() Timings {
	return Timings{
		Stream:     stream.DefaultTiming(),
		Announce:   announce.DefaultTiming(),
		Completion: completion.DefaultTiming(),
		Dispatch:   announce.DefaultDispatchTiming(),
	}
}

// Config holds node configuration
type Config struct {
	HubURL   string
	HubToken string

	// HubRate caps media requests per second
	HubRate float64

	// Listen is the control surface address
	Listen string

	TickInterval time.Duration

	StatePath  string
	StateWatch bool

	// Stations is used when the state file carries no station list
	Stations []speaker.Station

	// Defaults apply until the state file provides settings
	Defaults state.Settings

	// Advertise publishes the control surface over mDNS under Name
	Advertise bool
	Name      string

	Timings Timings
	Logger  *log.Logger
}

// Inputs is the node's input snapshot, held until replaced
type Inputs struct {
	Trigger bool   `json:"trigger"`
	Message string `json:"message,omitempty"`
	inputs.Inputs
}

// Outputs is what the node reports after each tick
type Outputs struct {
	Success   bool `json:"success"`
	Streaming bool `json:"streaming"`
}

// Node is a running announcer
type Node struct {
	config Config
	logger *log.Logger

	registry     *speaker.Registry
	media        *hub.Client
	channel      *Channel
	streams      *stream.Controller
	volumes      *volume.Controller
	processor    *inputs.Processor
	dispatcher   *announce.Dispatcher
	watcher      *completion.Watcher
	orchestrator *announce.Orchestrator
	store        *state.Store

	upgrader websocket.Upgrader

	// docs and removals carry edits to the tick goroutine
	docs     chan state.Document
	removals chan string

	// ctx outlives requests; stream toggles and removals run on it
	ctx    context.Context
	cancel context.CancelFunc

	// toggleMu serializes stream toggle sequences
	toggleMu sync.Mutex

	mu          sync.RWMutex
	settings    state.Settings
	toggles     uint64
	inputs      Inputs
	outputs     Outputs
	subscribers map[chan Outputs]struct{}

	quit     chan struct{}
	quitOnce sync.Once
	wg       sync.WaitGroup
}

// New wires a node. It does not touch the network or the state file.
func New(config Config) (*Node, error) {
	if config.HubURL == "" {
		return nil, errors.New("hub url is required")
	}
	if config.StatePath == "" {
		return nil, errors.New("state path is required")
	}
	if config.TickInterval <= 0 {
		config.TickInterval = 250 * time.Millisecond
	}
	if config.Name == "" {
		config.Name = version.Product
	}
	if config.Logger == nil {
		config.Logger = log.WithPrefix("node")
	}

	n := &Node{
		config:      config,
		logger:      config.Logger,
		registry:    speaker.NewRegistry(config.Stations),
		docs:        make(chan state.Document),
		removals:    make(chan string),
		settings:    config.Defaults,
		subscribers: make(map[chan Outputs]struct{}),
		quit:        make(chan struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				// Local network control surface
				return true
			},
		},
	}

	n.ctx, n.cancel = context.WithCancel(context.Background())

	n.media = hub.New(hub.Config{
		BaseURL:           config.HubURL,
		Token:             config.HubToken,
		RequestsPerSecond: config.HubRate,
	})
	n.channel = NewChannel(protocol.Config{
		HubURL:      config.HubURL,
		AccessToken: config.HubToken,
		ClientName:  version.Product,
		Version:     version.Version,
	}, n.seedVolumes, nil)

	n.volumes = volume.New(n.registry, n.media, n.channel, volume.Config{})
	n.streams = stream.New(n.media, stream.Config{
		Timing:  config.Timings.Stream,
		Volumes: n.volumes,
	})
	n.processor = inputs.New(n.registry, n.volumes, n.streams, nil)
	n.dispatcher = announce.NewDispatcher(n.channel, announce.DispatchSettings{}, config.Timings.Dispatch, nil)
	n.watcher = completion.New(n.channel, config.Timings.Completion, nil)
	n.orchestrator = announce.New(n.registry, n.streams, n.dispatcher, n.watcher, announce.Config{
		Timing:        config.Timings.Announce,
		StreamEnabled: n.streamEnabled,
	})
	n.store = state.NewStore(config.StatePath, nil)

	n.applySettings(config.Defaults)
	return n, nil
}

// Restore loads the state file, falling back to the configured defaults when it does not exist
func (n *Node) Restore() error {
	doc, err := n.store.Load()
	if errors.Is(err, fs.ErrNotExist) {
		n.logger.Info("No saved state, starting fresh", "path", n.store.Path())
		doc = state.Capture(n.registry.Snapshot(), n.config.Defaults)
	} else if err != nil {
		return fmt.Errorf("restore state: %w", err)
	}

	n.applyDocument(doc)
	n.logger.Info("State restored", "speakers", len(n.registry.Selected()), "stream_enabled", n.streamEnabled())
	return nil
}

// Connect opens the hub event channel once; Run keeps it open afterwards
func (n *Node) Connect() error {
	return n.channel.Connect()
}

// Registry exposes the speaker registry
func (n *Node) Registry() *speaker.Registry {
	return n.registry
}

// SetInputs replaces the input snapshot used by the following ticks
func (n *Node) SetInputs(in Inputs) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.inputs = in
}

// Outputs returns the outputs of the last tick
func (n *Node) Outputs() Outputs {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.outputs
}

// Settings returns the current node settings
func (n *Node) Settings() state.Settings {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.settings
}

// Document captures the current state as it would be persisted
func (n *Node) Document() state.Document {
	return state.Capture(n.registry.Snapshot(), n.Settings())
}

// Tick runs one evaluation of the inputs. Only the Run goroutine, or a test, calls it.
func (n *Node) Tick(ctx context.Context) Outputs {
	n.mu.RLock()
	in := n.inputs
	n.mu.RUnlock()

	n.processor.Apply(ctx, in.Inputs)
	success := n.orchestrator.Tick(ctx, in.Trigger, in.Message)

	out := Outputs{Success: success, Streaming: n.streams.IsStreaming()}
	n.publish(out)
	n.persist()
	return out
}

// Replace hands a document to the tick goroutine and waits until it is taken
func (n *Node) Replace(ctx context.Context, doc state.Document) error {
	select {
	case n.docs <- doc:
		return nil
	case <-n.quit:
		return errors.New("node stopped")
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Deselect hands a speaker removal to the tick goroutine and waits until it is taken
func (n *Node) Deselect(ctx context.Context, id string) error {
	select {
	case n.removals <- id:
		return nil
	case <-n.quit:
		return errors.New("node stopped")
	case <-ctx.Done():
		return ctx.Err()
	}
}

// StartStream enables the master stream toggle and plays every selected speaker
func (n *Node) StartStream(ctx context.Context) map[string]bool {
	n.toggleMu.Lock()
	defer n.toggleMu.Unlock()
	n.setStreamEnabled(true)
	return n.playSelected(ctx)
}

// StopStream disables the master stream toggle and stops every selected or playing speaker
func (n *Node) StopStream(ctx context.Context) map[string]bool {
	n.toggleMu.Lock()
	defer n.toggleMu.Unlock()
	n.setStreamEnabled(false)
	return n.stopAll(ctx)
}

// ToggleStream flips the master stream toggle now and runs the speaker
// sequence in the background. A sequence superseded by a later toggle is skipped.
func (n *Node) ToggleStream(on bool) {
	n.mu.Lock()
	n.settings.StreamEnabled = on
	n.toggles++
	gen := n.toggles
	n.mu.Unlock()

	n.background(func() {
		n.toggleMu.Lock()
		defer n.toggleMu.Unlock()

		n.mu.RLock()
		stale := gen != n.toggles
		n.mu.RUnlock()
		if stale {
			return
		}

		if on {
			n.playSelected(n.ctx)
		} else {
			n.stopAll(n.ctx)
		}
	})
}

func (n *Node) playSelected(ctx context.Context) map[string]bool {
	ids := n.registry.Selected()
	n.logger.Info("Starting streams", "speakers", len(ids))
	return n.streams.Play(ctx, ids, n.registry, true)
}

func (n *Node) stopAll(ctx context.Context) map[string]bool {
	ids := n.registry.Selected()
	for _, id := range n.streams.Playing() {
		if !slices.Contains(ids, id) {
			ids = append(ids, id)
		}
	}
	n.logger.Info("Stopping streams", "speakers", len(ids))
	return n.streams.Stop(ctx, ids)
}

// Run serves the control surface and ticks until ctx is done
func (n *Node) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		n.channel.Run(ctx)
	}()

	var watched <-chan state.Document
	if n.config.StateWatch {
		ch, err := n.store.Watch(ctx)
		if err != nil {
			n.logger.Warn("State file watch disabled", "err", err)
		} else {
			watched = ch
		}
	}

	listener, err := net.Listen("tcp", n.config.Listen)
	if err != nil {
		cancel()
		n.wg.Wait()
		return fmt.Errorf("listen on %s: %w", n.config.Listen, err)
	}
	srv := &http.Server{Handler: n.Handler()}
	serveErr := make(chan error, 1)
	go func() {
		if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()
	n.logger.Info("Control surface listening", "addr", listener.Addr().String())

	if n.config.Advertise {
		mgr := discovery.NewManager(discovery.Config{
			ServiceName: n.config.Name,
			Port:        listener.Addr().(*net.TCPAddr).Port,
		})
		if err := mgr.Advertise(); err != nil {
			n.logger.Warn("mDNS advertisement failed", "err", err)
		} else {
			defer mgr.Stop()
		}
	}

	if n.streamEnabled() {
		n.background(func() {
			ids := n.registry.Selected()
			n.logger.Info("Resuming streams from saved state", "speakers", len(ids))
			n.streams.Play(ctx, ids, n.registry, true)
		})
	}

	ticker := time.NewTicker(n.config.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			n.shutdown(srv, cancel)
			return nil

		case err := <-serveErr:
			n.shutdown(srv, cancel)
			return fmt.Errorf("control surface: %w", err)

		case doc, ok := <-watched:
			if !ok {
				watched = nil
				continue
			}
			n.logger.Info("State file changed, reloading")
			n.applyDocument(doc)

		case doc := <-n.docs:
			n.logger.Info("State replaced over the control surface")
			n.applyDocument(doc)
			n.persist()

		case id := <-n.removals:
			n.removeSpeaker(id)
			n.persist()

		case <-ticker.C:
			n.Tick(ctx)
		}
	}
}

// Wait blocks until every background operation has finished
func (n *Node) Wait() {
	n.processor.Wait()
	n.orchestrator.Wait()
	n.volumes.Wait()
	n.wg.Wait()
}

func (n *Node) shutdown(srv *http.Server, cancel context.CancelFunc) {
	n.logger.Info("Shutting down")
	n.quitOnce.Do(func() { close(n.quit) })

	shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
	defer done()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		n.logger.Warn("Control surface shutdown", "err", err)
	}

	cancel()
	n.cancel()
	n.Wait()
	n.persist()
	n.channel.Close()
}

// applyDocument replaces registry contents and settings. Runs on the tick goroutine.
func (n *Node) applyDocument(doc state.Document) {
	before := n.registry.Selected()

	snap := doc.Snapshot()
	if len(snap.Stations) == 0 {
		snap.Stations = n.config.Stations
	}
	n.registry.Restore(snap)

	after := n.registry.Selected()
	for _, id := range before {
		if !slices.Contains(after, id) {
			n.processor.Forget(id)
			n.streams.Forget(id)
		}
	}

	settings := doc.Settings()
	defaults := n.config.Defaults
	if settings.TTSProtocol == "" {
		settings.TTSProtocol = defaults.TTSProtocol
	}
	if doc.ResumeDelayMs == nil && defaults.ResumeDelay > 0 {
		settings.ResumeDelay = defaults.ResumeDelay
	}
	if settings.Message == "" {
		settings.Message = defaults.Message
	}
	if settings.TTSServiceName == "" {
		settings.TTSServiceName = defaults.TTSServiceName
	}
	if settings.TTSEngineID == "" {
		settings.TTSEngineID = defaults.TTSEngineID
	}
	if settings.VoiceID == "" {
		settings.VoiceID = defaults.VoiceID
	}
	n.applySettings(settings)

	n.processor.RequestResync()
}

// removeSpeaker drops one speaker, stopping it first if it was playing. Runs on the tick goroutine.
func (n *Node) removeSpeaker(id string) {
	playing := slices.Contains(n.streams.Playing(), id)
	n.registry.Deselect(id)
	n.processor.Forget(id)
	n.logger.Info("Speaker deselected", "speaker", id, "was_playing", playing)

	if !playing {
		n.streams.Forget(id)
		return
	}
	n.background(func() {
		n.streams.Stop(n.ctx, []string{id})
		n.streams.Forget(id)
	})
}

func (n *Node) applySettings(settings state.Settings) {
	proto, err := announce.ParseProtocol(settings.TTSProtocol)
	if err != nil {
		n.logger.Warn("Falling back to per-device announcements", "err", err)
		proto = announce.ProtocolPerDevice
	}
	settings.TTSProtocol = string(proto)

	n.dispatcher.Configure(announce.DispatchSettings{
		Protocol: proto,
		Options: protocol.TTSOptions{
			TTSServiceName: settings.TTSServiceName,
			TTSEngineID:    settings.TTSEngineID,
		},
		VoiceID: settings.VoiceID,
	})
	n.orchestrator.SetStaticMessage(settings.Message)
	n.orchestrator.SetResumeBuffer(settings.ResumeDelay)

	n.mu.Lock()
	n.settings = settings
	n.mu.Unlock()
}

func (n *Node) streamEnabled() bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.settings.StreamEnabled
}

func (n *Node) setStreamEnabled(on bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.settings.StreamEnabled = on
}

// seedVolumes fetches hub volumes for speakers with nothing cached
func (n *Node) seedVolumes() {
	for _, id := range n.registry.Selected() {
		if _, ok := n.volumes.Cached(id); ok {
			continue
		}
		if pct, ok := n.volumes.FetchRemote(context.Background(), id); ok {
			n.logger.Debug("Seeded volume from hub", "speaker", id, "volume", pct)
		}
	}
}

func (n *Node) persist() {
	if err := n.store.Save(n.Document()); err != nil {
		n.logger.Error("Failed to save state", "err", err)
	}
}

// publish records outputs and pushes them to subscribers when they changed
func (n *Node) publish(out Outputs) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if out == n.outputs {
		return
	}
	n.outputs = out

	for ch := range n.subscribers {
		// Drop a stale value so the latest one always fits
		select {
		case <-ch:
		default:
		}
		ch <- out
	}
}

func (n *Node) subscribe() chan Outputs {
	ch := make(chan Outputs, 1)
	n.mu.Lock()
	defer n.mu.Unlock()
	n.subscribers[ch] = struct{}{}
	return ch
}

func (n *Node) unsubscribe(ch chan Outputs) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.subscribers, ch)
}

func (n *Node) background(fn func()) {
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		fn()
	}()
}
