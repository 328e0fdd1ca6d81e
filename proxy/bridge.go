package proxy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cenkalti/backoff/v4"

	"github.com/enclavekit/inference-bootstrap/common"
)

var (
	// ErrNotAllowlisted is returned when a channel's destination is not in
	// the bridge allowlist.
	ErrNotAllowlisted = errors.New("destination not in allowlist")

	// ErrBindFailed is returned when a channel's listen endpoint could not be
	// bound within the retry budget.
	ErrBindFailed = errors.New("failed to bind local endpoint")

	// ErrBridgeClosed is returned by Open after the bridge was closed.
	ErrBridgeClosed = errors.New("bridge is closed")
)

// StartError reports which channel failed to start.
type StartError struct {
	Channel string
	Err     error
}

// Error names the failing channel and the proximate cause.
func (e *StartError) Error() string {
	return fmt.Sprintf("failed to start channel %s: %v", e.Channel, e.Err)
}

// Unwrap exposes the underlying cause.
func (e *StartError) Unwrap() error { return e.Err }

// DialFunc connects to a remote endpoint. The default is Endpoint.Dial; the
// host relay substitutes a resolver-pinning dialer.
type DialFunc func(ctx context.Context, ep Endpoint) (net.Conn, error)

// BridgeConfig configures a Bridge.
type BridgeConfig struct {
	// Allowlist is the immutable set of permitted destinations. Required.
	Allowlist *Allowlist

	// Log receives operational events. Required.
	Log *slog.Logger

	// Clock drives the settle delay. Defaults to the real clock.
	Clock clock.Clock

	// Dial overrides how channel destinations are dialed.
	Dial DialFunc

	// BindAttempts bounds bind retries per channel. Defaults to 3.
	BindAttempts uint64

	// BindBackoff is the fixed interval between bind attempts. Defaults to 2s.
	BindBackoff time.Duration

	// SettleDelay is how long a channel must hold its listener before it is
	// reported Running. Advisory only. Defaults to 500ms.
	SettleDelay time.Duration

	// StopTimeout bounds the per-channel wait during Close. Defaults to 5s.
	StopTimeout time.Duration

	// DialTimeout bounds each relay dial to the destination. Defaults to 10s.
	DialTimeout time.Duration

	// MetricsPrefix defaults to the package-wide metrics prefix.
	MetricsPrefix string
}

func (cfg *BridgeConfig) applyDefaults() {
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.Dial == nil {
		cfg.Dial = func(ctx context.Context, ep Endpoint) (net.Conn, error) { return ep.Dial(ctx) }
	}
	if cfg.BindAttempts == 0 {
		cfg.BindAttempts = 3
	}
	if cfg.BindBackoff == 0 {
		cfg.BindBackoff = 2 * time.Second
	}
	if cfg.SettleDelay == 0 {
		cfg.SettleDelay = 500 * time.Millisecond
	}
	if cfg.StopTimeout == 0 {
		cfg.StopTimeout = 5 * time.Second
	}
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = 10 * time.Second
	}
	if cfg.MetricsPrefix == "" {
		cfg.MetricsPrefix = common.PackageName
	}
}

// Bridge owns the relay channels of one bootstrap run. Channels are keyed by
// logical name; opening an already-running name returns the existing handle.
type Bridge struct {
	cfg BridgeConfig
	log *slog.Logger

	mu       sync.Mutex
	channels map[string]*Channel
	closed   bool
}

// NewBridge creates a bridge with an immutable allowlist.
func NewBridge(cfg BridgeConfig) (*Bridge, error) {
	if cfg.Allowlist == nil || cfg.Allowlist.Len() == 0 {
		return nil, errors.New("bridge requires a non-empty allowlist")
	}
	if cfg.Log == nil {
		return nil, errors.New("bridge requires a logger")
	}
	cfg.applyDefaults()

	cfg.Log.Info("Proxy bridge configured", "allowlist", cfg.Allowlist.String())
	return &Bridge{
		cfg:      cfg,
		log:      cfg.Log,
		channels: make(map[string]*Channel),
	}, nil
}

// Open starts the channel described by chCfg, or returns the existing handle
// when a channel with the same name is already starting or running. Local
// bind failures are retried a bounded number of times with a fixed backoff;
// exhausting the budget returns a StartError wrapping ErrBindFailed.
func (b *Bridge) Open(chCfg ChannelConfig) (*Channel, error) {
	if err := chCfg.Validate(); err != nil {
		return nil, &StartError{Channel: chCfg.Name, Err: err}
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, &StartError{Channel: chCfg.Name, Err: ErrBridgeClosed}
	}

	if existing, ok := b.channels[chCfg.Name]; ok {
		switch existing.State() {
		case StateStarting, StateRunning:
			return existing, nil
		default:
			// Stopped or failed channels may be replaced.
		}
	}

	if !b.cfg.Allowlist.Contains(chCfg.Dial) {
		b.log.Error("Channel destination rejected by allowlist",
			"channel", chCfg.Name, "destination", chCfg.Dial.String())
		return nil, &StartError{Channel: chCfg.Name, Err: ErrNotAllowlisted}
	}

	ln, err := b.bindWithRetry(chCfg)
	if err != nil {
		return nil, &StartError{Channel: chCfg.Name, Err: err}
	}

	ch := &Channel{
		cfg:       chCfg,
		log:       b.log,
		allowlist: b.cfg.Allowlist,
		dial:      b.cfg.Dial,
		dialTO:    b.cfg.DialTimeout,
		prefix:    b.cfg.MetricsPrefix,
		ln:        ln,
		quit:      make(chan struct{}),
		conns:     make(map[net.Conn]struct{}),
	}
	ch.state.Store(int32(StateStarting))

	go ch.acceptLoop()

	// The channel is reported Running once the listener survives the settle
	// delay. Advisory; dependent operations are the real gate.
	b.cfg.Clock.AfterFunc(b.cfg.SettleDelay, func() {
		if ch.transition(StateStarting, StateRunning) {
			b.log.Debug("Channel settled", "channel", ch.cfg.Name)
		}
	})

	b.channels[chCfg.Name] = ch
	b.log.Info("Channel opened",
		"channel", chCfg.Name,
		"direction", string(chCfg.Direction),
		"listen", ln.Addr().String(),
		"destination", chCfg.Dial.String())
	return ch, nil
}

func (b *Bridge) bindWithRetry(chCfg ChannelConfig) (net.Listener, error) {
	var ln net.Listener
	var lastErr error

	attempt := 0
	err := backoff.Retry(func() error {
		attempt++
		var err error
		ln, err = chCfg.Listen.Listen()
		if err != nil {
			lastErr = err
			b.log.Warn("Failed to bind channel endpoint",
				"channel", chCfg.Name,
				"listen", chCfg.Listen.String(),
				"attempt", attempt,
				"err", err)
			return err
		}
		return nil
	}, backoff.WithMaxRetries(backoff.NewConstantBackOff(b.cfg.BindBackoff), b.cfg.BindAttempts-1))
	if err != nil {
		return nil, fmt.Errorf("%w after %d attempts: %v", ErrBindFailed, b.cfg.BindAttempts, lastErr)
	}
	return ln, nil
}

// Channel returns the handle registered under name.
func (b *Bridge) Channel(name string) (*Channel, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch, ok := b.channels[name]
	return ch, ok
}

// Channels returns a snapshot of all handles.
func (b *Bridge) Channels() []*Channel {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*Channel, 0, len(b.channels))
	for _, ch := range b.channels {
		out = append(out, ch)
	}
	return out
}

// Close stops every channel, waiting up to StopTimeout for each before its
// connections are forced closed. Idempotent and safe to invoke concurrently
// from an error path and a signal path.
func (b *Bridge) Close(ctx context.Context) error {
	b.mu.Lock()
	b.closed = true
	channels := make([]*Channel, 0, len(b.channels))
	for _, ch := range b.channels {
		channels = append(channels, ch)
	}
	b.mu.Unlock()

	var firstErr error
	for _, ch := range channels {
		stopCtx, cancel := context.WithTimeout(ctx, b.cfg.StopTimeout)
		err := ch.Stop(stopCtx)
		cancel()
		if err != nil && firstErr == nil {
			firstErr = err
		}
		b.log.Info("Channel stopped", "channel", ch.Name(), "state", ch.State().String())
	}
	return firstErr
}
