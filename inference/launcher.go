package inference

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// LauncherConfig describes how to assemble the inference server argv once
// the plaintext weight paths are known.
type LauncherConfig struct {
	// Command is the server argv prefix, e.g. the llama.cpp server binary
	// and its fixed flags. Required.
	Command []string

	// ModelFlag is appended before the primary weights path. Defaults to
	// "--model".
	ModelFlag string

	// ProjectorFlag is appended before the auxiliary projection weights
	// path when one was decrypted. Defaults to "--mmproj".
	ProjectorFlag string

	// Dir and Env are passed through to the process.
	Dir string
	Env []string

	// GraceTimeout is passed through to the process.
	GraceTimeout time.Duration

	// Log receives process output. Required.
	Log *slog.Logger
}

// Launcher starts the inference server bound to decrypted weight files.
type Launcher struct {
	cfg LauncherConfig
}

// NewLauncher creates a launcher.
func NewLauncher(cfg LauncherConfig) (*Launcher, error) {
	if len(cfg.Command) == 0 {
		return nil, errors.New("launcher requires a command")
	}
	if cfg.Log == nil {
		return nil, errors.New("launcher requires a logger")
	}
	if cfg.ModelFlag == "" {
		cfg.ModelFlag = "--model"
	}
	if cfg.ProjectorFlag == "" {
		cfg.ProjectorFlag = "--mmproj"
	}
	return &Launcher{cfg: cfg}, nil
}

// Start launches the server with the weight paths appended to the argv. An
// empty projectorPath omits the projector flag, degrading the server to
// text-only operation.
func (l *Launcher) Start(ctx context.Context, modelPath, projectorPath string) (*Process, error) {
	if modelPath == "" {
		return nil, errors.New("launcher requires a model path")
	}

	argv := append([]string{}, l.cfg.Command...)
	argv = append(argv, l.cfg.ModelFlag, modelPath)
	if projectorPath != "" {
		argv = append(argv, l.cfg.ProjectorFlag, projectorPath)
	}

	return StartProcess(ProcessConfig{
		Command:      argv,
		Dir:          l.cfg.Dir,
		Env:          l.cfg.Env,
		GraceTimeout: l.cfg.GraceTimeout,
		Log:          l.cfg.Log,
	})
}
