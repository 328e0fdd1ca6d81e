package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/atomic"

	"github.com/enclavekit/inference-bootstrap/common"
	"github.com/enclavekit/inference-bootstrap/envelope"
	"github.com/enclavekit/inference-bootstrap/imds"
	"github.com/enclavekit/inference-bootstrap/interfaces"
	"github.com/enclavekit/inference-bootstrap/kms"
	"github.com/enclavekit/inference-bootstrap/metrics"
	"github.com/enclavekit/inference-bootstrap/proxy"
)

// Config assembles the bootstrap pipeline. All collaborator fields are
// required unless stated otherwise; there is no ambient configuration.
type Config struct {
	Log   *slog.Logger
	Clock clock.Clock // defaults to the real clock

	Verifier  ImageVerifier
	Bridge    ProxyBridge
	Channels  []proxy.ChannelConfig
	Metadata  CredentialSource
	Unwrapper KeyUnwrapper
	Artifacts ArtifactStoreBuilder
	Runner    InferenceRunner
	Prober    ReadinessProber

	// StagingDir holds the downloaded ciphertexts and decrypted weights.
	// Must live on enclave-local ephemeral storage.
	StagingDir string

	// MinModelSize is the plausibility floor for the decrypted primary
	// artifact. Defaults to envelope.MinPlaintextSize.
	MinModelSize int64

	// WithProjector enables the optional auxiliary projection weights.
	// Their decryption failure degrades the feature set, never the launch.
	WithProjector bool

	// ScrubPlaintext removes the decrypted weights during teardown.
	ScrubPlaintext bool

	// StartupGrace is how long the inference process must stay alive before
	// readiness probing starts. Defaults to 2s.
	StartupGrace time.Duration

	// StageTimeout bounds each network-bound stage. Defaults to 5m; the
	// model download dominates it.
	StageTimeout time.Duration

	// TeardownTimeout bounds the whole teardown sequence. Defaults to 30s.
	TeardownTimeout time.Duration

	// MetricsPrefix defaults to the package-wide prefix.
	MetricsPrefix string
}

func (cfg *Config) validate() error {
	switch {
	case cfg.Log == nil:
		return errors.New("supervisor requires a logger")
	case cfg.Verifier == nil:
		return errors.New("supervisor requires an image verifier")
	case cfg.Bridge == nil:
		return errors.New("supervisor requires a proxy bridge")
	case len(cfg.Channels) == 0:
		return errors.New("supervisor requires at least one channel")
	case cfg.Metadata == nil:
		return errors.New("supervisor requires a credential source")
	case cfg.Unwrapper == nil:
		return errors.New("supervisor requires a key unwrapper")
	case cfg.Artifacts == nil:
		return errors.New("supervisor requires an artifact store builder")
	case cfg.Runner == nil:
		return errors.New("supervisor requires an inference runner")
	case cfg.Prober == nil:
		return errors.New("supervisor requires a readiness prober")
	case cfg.StagingDir == "":
		return errors.New("supervisor requires a staging directory")
	}
	return nil
}

func (cfg *Config) applyDefaults() {
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.MinModelSize == 0 {
		cfg.MinModelSize = envelope.MinPlaintextSize
	}
	if cfg.StartupGrace == 0 {
		cfg.StartupGrace = 2 * time.Second
	}
	if cfg.StageTimeout == 0 {
		cfg.StageTimeout = 5 * time.Minute
	}
	if cfg.TeardownTimeout == 0 {
		cfg.TeardownTimeout = 30 * time.Second
	}
	if cfg.MetricsPrefix == "" {
		cfg.MetricsPrefix = common.PackageName
	}
}

// Supervisor runs the bootstrap pipeline exactly once.
type Supervisor struct {
	cfg Config
	log *slog.Logger

	state   atomic.Int32
	outcome atomic.Int32
	ready   atomic.Bool

	mu         sync.Mutex
	material   *envelope.Material
	process    InferenceProcess
	plaintexts []string

	teardownOnce sync.Once
	torndown     chan struct{}
}

// New creates a supervisor.
func New(cfg Config) (*Supervisor, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	cfg.applyDefaults()

	return &Supervisor{
		cfg:      cfg,
		log:      cfg.Log,
		torndown: make(chan struct{}),
	}, nil
}

// State returns the current pipeline state.
func (s *Supervisor) State() State { return State(s.state.Load()) }

// Outcome returns the recorded terminal outcome, OutcomePending before one
// exists.
func (s *Supervisor) Outcome() LaunchOutcome { return LaunchOutcome(s.outcome.Load()) }

// Ready reports whether the inference endpoint has passed its readiness
// probe and the pipeline is monitoring.
func (s *Supervisor) Ready() bool { return s.ready.Load() }

// Status returns the state and outcome names for the status endpoint.
func (s *Supervisor) Status() (state, outcome string) {
	return s.State().String(), s.Outcome().String()
}

// Run executes the pipeline from Init through Terminated and returns the
// terminal outcome. The error carries the proximate cause for every outcome
// but OutcomeSuccess. Cancelling ctx requests shutdown and is the only
// non-failure way out of the monitoring state.
func (s *Supervisor) Run(ctx context.Context) (LaunchOutcome, error) {
	defer s.teardown()

	if err := os.MkdirAll(s.cfg.StagingDir, 0o700); err != nil {
		return s.fail(OutcomeDecryptionFailure, fmt.Errorf("failed to create staging directory: %w", err))
	}

	// AttestationCheck gates everything: no proxy channel opens before the
	// image measurement is verified.
	s.enterState(StateAttestationCheck)
	if err := s.runStage(ctx, func(ctx context.Context) error {
		return s.cfg.Verifier.Verify(ctx)
	}); err != nil {
		return s.fail(OutcomeAttestationMismatch, err)
	}

	s.enterState(StateProxiesStarting)
	for _, chCfg := range s.cfg.Channels {
		if _, err := s.cfg.Bridge.Open(chCfg); err != nil {
			return s.fail(OutcomeProxyStartFailure, err)
		}
	}

	s.enterState(StateCredentialFetch)
	instanceCtx, creds, err := s.fetchCredentials(ctx)
	if err != nil {
		return s.fail(OutcomeCredentialFailure, err)
	}

	s.enterState(StateKeyUnwrap)
	store, material, err := s.unwrapKey(ctx, instanceCtx, creds)
	if err != nil {
		return s.fail(OutcomeUnwrapFailure, err)
	}
	s.setMaterial(material)

	s.enterState(StateModelDecrypt)
	modelPath, projectorPath, err := s.decryptArtifacts(ctx, store, material)
	// The data key is not needed past this point, whatever the result.
	s.zeroMaterial()
	if err != nil {
		return s.fail(OutcomeDecryptionFailure, err)
	}

	s.enterState(StateInferenceStarting)
	proc, err := s.startInference(ctx, modelPath, projectorPath)
	if err != nil {
		return s.fail(OutcomeInferenceStartFailure, err)
	}

	s.enterState(StateInferenceReady)
	s.ready.Store(true)
	s.log.Info("Inference endpoint ready")

	s.enterState(StateMonitoring)
	return s.monitor(ctx, proc)
}

// Shutdown triggers teardown from outside the pipeline, typically a signal
// handler. Safe to call from any state, concurrently with Run.
func (s *Supervisor) Shutdown() {
	s.teardown()
}

func (s *Supervisor) enterState(next State) {
	s.state.Store(int32(next))
	s.log.Info("Bootstrap stage", "stage", next.String())
	metrics.IncStage(s.cfg.MetricsPrefix, next.String())
}

// runStage bounds one stage with the stage timeout.
func (s *Supervisor) runStage(ctx context.Context, fn func(context.Context) error) error {
	start := time.Now()
	stageCtx, cancel := context.WithTimeout(ctx, s.cfg.StageTimeout)
	defer cancel()

	err := fn(stageCtx)
	metrics.ObserveStageDuration(s.cfg.MetricsPrefix, s.State().String(), start)
	return err
}

func (s *Supervisor) fail(outcome LaunchOutcome, err error) (LaunchOutcome, error) {
	// Channel start failures carry their channel name through the error.
	var startErr *proxy.StartError
	if errors.As(err, &startErr) {
		s.log.Error("Bootstrap failed",
			"stage", s.State().String(),
			"outcome", outcome.String(),
			"channel", startErr.Channel,
			"err", err)
	} else {
		s.log.Error("Bootstrap failed",
			"stage", s.State().String(),
			"outcome", outcome.String(),
			"err", err)
	}

	s.outcome.Store(int32(outcome))
	metrics.IncOutcome(s.cfg.MetricsPrefix, outcome.String())
	return outcome, err
}

func (s *Supervisor) succeed() (LaunchOutcome, error) {
	s.outcome.Store(int32(OutcomeSuccess))
	metrics.IncOutcome(s.cfg.MetricsPrefix, OutcomeSuccess.String())
	return OutcomeSuccess, nil
}

func (s *Supervisor) fetchCredentials(ctx context.Context) (ictx imds.InstanceContext, creds imds.Credentials, err error) {
	err = s.runStage(ctx, func(ctx context.Context) error {
		var err error
		ictx, err = s.cfg.Metadata.FetchInstanceContext(ctx)
		if err != nil {
			return err
		}
		creds, err = s.cfg.Metadata.FetchCredentials(ctx)
		return err
	})
	return ictx, creds, err
}

func (s *Supervisor) unwrapKey(ctx context.Context, ictx imds.InstanceContext, creds imds.Credentials) (interfaces.ArtifactStorage, envelope.Material, error) {
	var store interfaces.ArtifactStorage
	var material envelope.Material

	err := s.runStage(ctx, func(ctx context.Context) error {
		var err error
		store, err = s.cfg.Artifacts(ictx, creds)
		if err != nil {
			return fmt.Errorf("failed to build artifact store: %w", err)
		}

		wrappedRaw, err := store.Fetch(ctx, interfaces.WrappedModelKey)
		if err != nil {
			return fmt.Errorf("failed to fetch wrapped key: %w", err)
		}
		ivRaw, err := store.Fetch(ctx, interfaces.ModelIV)
		if err != nil {
			return fmt.Errorf("failed to fetch IV: %w", err)
		}
		iv, err := envelope.ParseIV(ivRaw)
		if err != nil {
			return err
		}

		key, err := s.cfg.Unwrapper.Unwrap(ctx, kms.UnwrapRequest{
			Ciphertext:  kms.ParseWrappedKey(wrappedRaw),
			Region:      ictx.Region,
			Credentials: creds,
		})
		if err != nil {
			return err
		}
		material, err = envelope.NewMaterial(key, iv)
		zeroBytes(key)
		return err
	})
	return store, material, err
}

func (s *Supervisor) decryptArtifacts(ctx context.Context, store interfaces.ArtifactStorage, material envelope.Material) (modelPath, projectorPath string, err error) {
	err = s.runStage(ctx, func(ctx context.Context) error {
		modelPath, err = s.decryptOne(ctx, store, interfaces.ModelCiphertext, "model.bin", material, s.cfg.MinModelSize)
		if err != nil {
			return err
		}

		if s.cfg.WithProjector {
			projectorPath, err = s.decryptOne(ctx, store, interfaces.ProjectorCiphertext, "projector.bin", material, s.cfg.MinModelSize)
			if err != nil {
				// Secondary artifact: degrade to text-only, keep going.
				s.log.Warn("Auxiliary projector artifact unavailable, continuing without multimodal support", "err", err)
				projectorPath = ""
			}
		}
		return nil
	})
	return modelPath, projectorPath, err
}

// decryptOne downloads one ciphertext artifact into staging and decrypts it
// in place, removing the ciphertext afterwards.
func (s *Supervisor) decryptOne(ctx context.Context, store interfaces.ArtifactStorage, name interfaces.ArtifactName, plainName string, material envelope.Material, minSize int64) (string, error) {
	cipherPath := filepath.Join(s.cfg.StagingDir, name.String())
	plainPath := filepath.Join(s.cfg.StagingDir, plainName)

	f, err := os.Create(cipherPath)
	if err != nil {
		return "", fmt.Errorf("failed to create ciphertext staging file: %w", err)
	}
	n, err := store.FetchTo(ctx, name, f)
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(cipherPath) //nolint:errcheck
		return "", fmt.Errorf("failed to fetch %s: %w", name, err)
	}
	s.log.Info("Fetched ciphertext artifact", "artifact", name.String(), "bytes", n)

	written, err := envelope.DecryptFile(plainPath, cipherPath, material, minSize)
	os.Remove(cipherPath) //nolint:errcheck
	if err != nil {
		return "", err
	}
	s.log.Info("Decrypted artifact", "artifact", name.String(), "bytes", written)

	s.mu.Lock()
	s.plaintexts = append(s.plaintexts, plainPath)
	s.mu.Unlock()
	return plainPath, nil
}

func (s *Supervisor) startInference(ctx context.Context, modelPath, projectorPath string) (InferenceProcess, error) {
	proc, err := s.cfg.Runner.Start(ctx, modelPath, projectorPath)
	if err != nil {
		return nil, err
	}
	s.setProcess(proc)

	// Grace period: a process that dies right away never gets probed.
	graceTimer := s.cfg.Clock.Timer(s.cfg.StartupGrace)
	defer graceTimer.Stop()
	select {
	case <-proc.Done():
		return nil, fmt.Errorf("inference process exited during startup: %v", proc.ExitErr())
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-graceTimer.C:
	}

	// The probe budget is bounded by the prober itself; the watchdog only
	// cuts it short if the process dies mid-probe.
	probeCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-proc.Done():
			cancel()
		case <-probeCtx.Done():
		}
	}()

	if err := s.cfg.Prober.WaitReady(probeCtx); err != nil {
		select {
		case <-proc.Done():
			return nil, fmt.Errorf("inference process exited before becoming ready: %v", proc.ExitErr())
		default:
		}
		return nil, err
	}
	return proc, nil
}

func (s *Supervisor) monitor(ctx context.Context, proc InferenceProcess) (LaunchOutcome, error) {
	select {
	case <-proc.Done():
		if exitErr := proc.ExitErr(); exitErr != nil {
			return s.fail(OutcomeInferenceCrashed, fmt.Errorf("inference process crashed: %w", exitErr))
		}
		// A clean exit after serving ends the enclave's reason to exist.
		s.log.Info("Inference process exited normally")
		return s.succeed()

	case <-ctx.Done():
		s.log.Info("Shutdown requested")
		return s.succeed()
	}
}

// teardown releases every resource the pipeline allocated, in reverse
// acquisition order. It runs exactly once; later invocations (error path,
// signal path, deferred path) wait for the first to finish.
func (s *Supervisor) teardown() {
	s.teardownOnce.Do(func() {
		defer close(s.torndown)

		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.TeardownTimeout)
		defer cancel()

		s.ready.Store(false)
		s.log.Info("Tearing down")

		s.mu.Lock()
		proc := s.process
		material := s.material
		s.material = nil
		plaintexts := append([]string(nil), s.plaintexts...)
		s.mu.Unlock()

		if proc != nil {
			if err := proc.Stop(ctx); err != nil {
				s.log.Error("Failed to stop inference process", "err", err)
			}
		}

		if material != nil {
			material.Zero()
		}

		if s.cfg.ScrubPlaintext {
			for _, path := range plaintexts {
				if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
					s.log.Warn("Failed to scrub plaintext artifact", "path", path, "err", err)
				}
			}
		}

		if err := s.cfg.Bridge.Close(ctx); err != nil {
			s.log.Error("Failed to close proxy bridge", "err", err)
		}

		s.state.Store(int32(StateTerminated))
		s.log.Info("Teardown complete")
	})

	<-s.torndown
}

func (s *Supervisor) setMaterial(m envelope.Material) {
	s.mu.Lock()
	s.material = &m
	s.mu.Unlock()
}

func (s *Supervisor) zeroMaterial() {
	s.mu.Lock()
	if s.material != nil {
		s.material.Zero()
		s.material = nil
	}
	s.mu.Unlock()
}

func (s *Supervisor) setProcess(proc InferenceProcess) {
	s.mu.Lock()
	s.process = proc
	s.mu.Unlock()
}

func zeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
