package inference

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"
)

// DefaultGraceTimeout bounds how long Stop waits after SIGTERM before the
// process is killed.
const DefaultGraceTimeout = 10 * time.Second

// ProcessConfig describes the inference server subprocess.
type ProcessConfig struct {
	// Command is the full argv. Required.
	Command []string

	// Dir is the working directory. Empty inherits the parent's.
	Dir string

	// Env entries appended to the parent environment.
	Env []string

	// GraceTimeout bounds the SIGTERM-to-SIGKILL window during Stop.
	// Defaults to DefaultGraceTimeout.
	GraceTimeout time.Duration

	// Log receives the subprocess output line by line. Required.
	Log *slog.Logger
}

// Process is a running inference server subprocess. It is owned by whoever
// started it; Stop releases it on every exit path and is idempotent.
type Process struct {
	cmd   *exec.Cmd
	log   *slog.Logger
	grace time.Duration

	done    chan struct{}
	exitErr error

	stopOnce sync.Once
}

// StartProcess launches the inference server and begins piping its output
// into the logger.
func StartProcess(cfg ProcessConfig) (*Process, error) {
	if len(cfg.Command) == 0 {
		return nil, errors.New("inference process has no command")
	}
	if cfg.Log == nil {
		return nil, errors.New("inference process requires a logger")
	}
	if cfg.GraceTimeout == 0 {
		cfg.GraceTimeout = DefaultGraceTimeout
	}

	cmd := exec.Command(cfg.Command[0], cfg.Command[1:]...)
	cmd.Dir = cfg.Dir
	cmd.Env = append(os.Environ(), cfg.Env...)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to pipe inference stdout: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to pipe inference stderr: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start inference process: %w", err)
	}

	p := &Process{
		cmd:   cmd,
		log:   cfg.Log.With("pid", cmd.Process.Pid),
		grace: cfg.GraceTimeout,
		done:  make(chan struct{}),
	}
	p.log.Info("Inference process started", "command", cfg.Command[0])

	go p.pipeOutput("stdout", stdout)
	go p.pipeOutput("stderr", stderr)
	go func() {
		p.exitErr = cmd.Wait()
		close(p.done)
	}()

	return p, nil
}

func (p *Process) pipeOutput(stream string, r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 256*1024)
	for scanner.Scan() {
		p.log.Debug("inference: "+scanner.Text(), "stream", stream)
	}
}

// Done is closed once the process has exited.
func (p *Process) Done() <-chan struct{} {
	return p.done
}

// ExitErr returns the exit error after Done is closed. A nil value means
// the process exited with status zero.
func (p *Process) ExitErr() error {
	select {
	case <-p.done:
		return p.exitErr
	default:
		return errors.New("inference process is still running")
	}
}

// Stop terminates the process: SIGTERM, then a bounded wait, then SIGKILL.
// Idempotent and a no-op for a process that already exited. The context
// further bounds the wait.
func (p *Process) Stop(ctx context.Context) error {
	p.stopOnce.Do(func() {
		select {
		case <-p.done:
			return
		default:
		}

		p.log.Info("Stopping inference process")
		if err := p.cmd.Process.Signal(syscall.SIGTERM); err != nil && !errors.Is(err, os.ErrProcessDone) {
			p.log.Warn("Failed to signal inference process", "err", err)
		}

		timer := time.NewTimer(p.grace)
		defer timer.Stop()

		select {
		case <-p.done:
		case <-timer.C:
			p.log.Warn("Inference process did not exit in time, killing")
			p.kill()
		case <-ctx.Done():
			p.kill()
		}
	})

	// Wait for exit regardless of which invocation performed the stop.
	select {
	case <-p.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Process) kill() {
	if err := p.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		p.log.Error("Failed to kill inference process", "err", err)
	}
}
