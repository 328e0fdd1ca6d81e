package supervisor

import (
	"context"

	"github.com/enclavekit/inference-bootstrap/inference"
)

// NewLauncherRunner adapts an inference.Launcher to the InferenceRunner
// interface.
func NewLauncherRunner(l *inference.Launcher) InferenceRunner {
	return launcherRunner{launcher: l}
}

type launcherRunner struct {
	launcher *inference.Launcher
}

func (r launcherRunner) Start(ctx context.Context, modelPath, projectorPath string) (InferenceProcess, error) {
	proc, err := r.launcher.Start(ctx, modelPath, projectorPath)
	if err != nil {
		return nil, err
	}
	return proc, nil
}
