// ABOUTME: Sends announcement text to the hub's TTS services
// ABOUTME: Supports a staggered per-device protocol and a single correlated bulk protocol
package announce

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/Sendspin/sendspin-announcer/pkg/protocol"
	"github.com/charmbracelet/log"
)

// Protocol selects how announcements reach the hub
type Protocol string

const (
	// ProtocolPerDevice sends one fire-and-forget request per speaker
	ProtocolPerDevice Protocol = "per-device"

	// ProtocolBulk sends one request for all speakers and waits for its result
	ProtocolBulk Protocol = "bulk"
)

// ParseProtocol validates a protocol name; empty selects per-device
func ParseProtocol(s string) (Protocol, error) {
	switch Protocol(s) {
	case "", ProtocolPerDevice:
		return ProtocolPerDevice, nil
	case ProtocolBulk:
		return ProtocolBulk, nil
	default:
		return "", fmt.Errorf("unknown tts protocol %q", s)
	}
}

// TTSClient is the hub side of both protocols
type TTSClient interface {
	RequestTTS(entityID, message string, opts protocol.TTSOptions) error
	RequestElevenLabsTTS(ctx context.Context, message, voiceID string, entityIDs []string) (protocol.TTSResult, error)
}

// DispatchSettings are the user-selectable TTS options
type DispatchSettings struct {
	Protocol Protocol
	Options  protocol.TTSOptions
	VoiceID  string
}

// DispatchTiming holds dispatch pacing
type DispatchTiming struct {
	// Stagger separates per-device requests
	Stagger time.Duration

	// BulkTimeout bounds the wait for a bulk result
	BulkTimeout time.Duration
}

// DefaultDispatchTiming returns the production pacing
func DefaultDispatchTiming() DispatchTiming {
	return DispatchTiming{
		Stagger:     200 * time.Millisecond,
		BulkTimeout: 10 * time.Second,
	}
}

// Dispatcher delivers announcements using the configured protocol
type Dispatcher struct {
	client TTSClient
	timing DispatchTiming
	logger *log.Logger

	mu       sync.RWMutex
	settings DispatchSettings
}

// NewDispatcher creates a dispatcher
func NewDispatcher(client TTSClient, settings DispatchSettings, timing DispatchTiming, logger *log.Logger) *Dispatcher {
	if settings.Protocol == "" {
		settings.Protocol = ProtocolPerDevice
	}
	if timing.BulkTimeout <= 0 {
		timing.BulkTimeout = DefaultDispatchTiming().BulkTimeout
	}
	if logger == nil {
		logger = log.WithPrefix("tts")
	}
	return &Dispatcher{client: client, timing: timing, logger: logger, settings: settings}
}

// Configure replaces the dispatch settings
func (d *Dispatcher) Configure(settings DispatchSettings) {
	if settings.Protocol == "" {
		settings.Protocol = ProtocolPerDevice
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.settings = settings
}

// Settings returns the current dispatch settings
func (d *Dispatcher) Settings() DispatchSettings {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.settings
}

// Dispatch sends message to targets and reports success.
// Per-device always reports true; bulk reports the hub's result, false on timeout.
func (d *Dispatcher) Dispatch(ctx context.Context, message string, targets []string) bool {
	settings := d.Settings()

	switch settings.Protocol {
	case ProtocolBulk:
		return d.bulk(ctx, settings, message, targets)
	default:
		d.perDevice(ctx, settings, message, targets)
		return true
	}
}

func (d *Dispatcher) perDevice(ctx context.Context, settings DispatchSettings, message string, targets []string) {
	for i, id := range targets {
		if i > 0 {
			t := time.NewTimer(d.timing.Stagger)
			select {
			case <-t.C:
			case <-ctx.Done():
				t.Stop()
				d.logger.Warn("TTS dispatch cancelled", "remaining", len(targets)-i)
				return
			}
		}

		if err := d.client.RequestTTS(id, message, settings.Options); err != nil {
			d.logger.Warn("TTS request failed", "speaker", id, "err", err)
			continue
		}
		d.logger.Debug("TTS requested", "speaker", id)
	}
}

func (d *Dispatcher) bulk(ctx context.Context, settings DispatchSettings, message string, targets []string) bool {
	ctx, cancel := context.WithTimeout(ctx, d.timing.BulkTimeout)
	defer cancel()

	result, err := d.client.RequestElevenLabsTTS(ctx, message, settings.VoiceID, targets)
	if err != nil {
		d.logger.Warn("Bulk TTS failed", "speakers", len(targets), "err", err)
		return false
	}
	if !result.Success {
		d.logger.Warn("Bulk TTS reported failure", "error", result.Error)
	}
	return result.Success
}
