package inference

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/benbjohnson/clock"
)

// ErrNotReady is returned when the readiness probe budget is exhausted
// without a successful response.
var ErrNotReady = errors.New("inference endpoint did not become ready")

// HealthPath is the inference server's readiness probe route.
const HealthPath = "/health"

// Probe defaults, matching the server's usual warmup behavior: thirty polls
// two seconds apart.
const (
	DefaultProbeAttempts = 30
	DefaultProbeInterval = 2 * time.Second
)

// ProberConfig configures a readiness prober.
type ProberConfig struct {
	// BaseURL of the inference endpoint, e.g. http://127.0.0.1:11434.
	// Required.
	BaseURL string

	// Client performs the probe requests. Defaults to a 5 second client.
	Client *http.Client

	// Clock drives the poll interval. Defaults to the real clock.
	Clock clock.Clock

	// MaxAttempts bounds the poll count. Defaults to DefaultProbeAttempts.
	MaxAttempts int

	// Interval between polls. Defaults to DefaultProbeInterval.
	Interval time.Duration

	// Log receives per-attempt diagnostics. Required.
	Log *slog.Logger
}

// Prober polls the inference health endpoint until it answers or the poll
// budget runs out. The budget is fixed; there is no exponential backoff
// because server warmup time is dominated by model load, not contention.
type Prober struct {
	cfg ProberConfig
}

// NewProber creates a readiness prober.
func NewProber(cfg ProberConfig) (*Prober, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("prober requires a base URL")
	}
	if cfg.Log == nil {
		return nil, errors.New("prober requires a logger")
	}
	if cfg.Client == nil {
		cfg.Client = &http.Client{Timeout: 5 * time.Second}
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.MaxAttempts == 0 {
		cfg.MaxAttempts = DefaultProbeAttempts
	}
	if cfg.Interval == 0 {
		cfg.Interval = DefaultProbeInterval
	}
	return &Prober{cfg: cfg}, nil
}

// WaitReady blocks until the health endpoint returns 200, the attempt
// budget is exhausted (ErrNotReady), or the context is canceled.
func (p *Prober) WaitReady(ctx context.Context) error {
	url := p.cfg.BaseURL + HealthPath

	for attempt := 1; attempt <= p.cfg.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		if p.probe(ctx, url) {
			p.cfg.Log.Info("Inference endpoint is ready", "attempt", attempt)
			return nil
		}
		p.cfg.Log.Debug("Inference endpoint not ready yet", "attempt", attempt, "max_attempts", p.cfg.MaxAttempts)

		if attempt == p.cfg.MaxAttempts {
			break
		}

		timer := p.cfg.Clock.Timer(p.cfg.Interval)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
	}

	return fmt.Errorf("%w after %d attempts", ErrNotReady, p.cfg.MaxAttempts)
}

func (p *Prober) probe(ctx context.Context, url string) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false
	}
	resp, err := p.cfg.Client.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}
