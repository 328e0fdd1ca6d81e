package supervisor

import (
	"context"

	"github.com/enclavekit/inference-bootstrap/imds"
	"github.com/enclavekit/inference-bootstrap/interfaces"
	"github.com/enclavekit/inference-bootstrap/kms"
	"github.com/enclavekit/inference-bootstrap/proxy"
)

// ImageVerifier gates the launch on the enclave image measurement. A nil
// return is the only pass condition; any error is terminal with no retry
// and no override.
type ImageVerifier interface {
	Verify(ctx context.Context) error
}

// ProxyBridge is the slice of the relay bridge the supervisor drives. The
// returned channel handle is owned by the bridge; the supervisor never uses
// it beyond existence.
type ProxyBridge interface {
	Open(cfg proxy.ChannelConfig) (*proxy.Channel, error)
	Close(ctx context.Context) error
}

// CredentialSource retrieves the instance context and role credentials over
// the metadata channel.
type CredentialSource interface {
	FetchInstanceContext(ctx context.Context) (imds.InstanceContext, error)
	FetchCredentials(ctx context.Context) (imds.Credentials, error)
}

// KeyUnwrapper turns the wrapped data key into plaintext key material
// through the KMS channel.
type KeyUnwrapper interface {
	Unwrap(ctx context.Context, req kms.UnwrapRequest) ([]byte, error)
}

// ArtifactStoreBuilder binds an artifact storage backend to the credentials
// fetched at runtime. Called once, after the credential stage.
type ArtifactStoreBuilder func(ictx imds.InstanceContext, creds imds.Credentials) (interfaces.ArtifactStorage, error)

// InferenceProcess is a running inference server as seen by the supervisor.
type InferenceProcess interface {
	Done() <-chan struct{}
	ExitErr() error
	Stop(ctx context.Context) error
}

// InferenceRunner launches the inference server bound to decrypted weight
// paths.
type InferenceRunner interface {
	Start(ctx context.Context, modelPath, projectorPath string) (InferenceProcess, error)
}

// ReadinessProber waits for the inference endpoint to answer its health
// probe within a bounded poll budget.
type ReadinessProber interface {
	WaitReady(ctx context.Context) error
}
