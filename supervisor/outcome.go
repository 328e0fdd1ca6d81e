package supervisor

// State is one stop of the bootstrap state machine. States advance strictly
// in order; any failure jumps to StateTerminated after teardown.
type State int32

const (
	StateInit State = iota
	StateAttestationCheck
	StateProxiesStarting
	StateCredentialFetch
	StateKeyUnwrap
	StateModelDecrypt
	StateInferenceStarting
	StateInferenceReady
	StateMonitoring
	StateTerminated
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateAttestationCheck:
		return "attestation_check"
	case StateProxiesStarting:
		return "proxies_starting"
	case StateCredentialFetch:
		return "credential_fetch"
	case StateKeyUnwrap:
		return "key_unwrap"
	case StateModelDecrypt:
		return "model_decrypt"
	case StateInferenceStarting:
		return "inference_starting"
	case StateInferenceReady:
		return "inference_ready"
	case StateMonitoring:
		return "monitoring"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// LaunchOutcome is the terminal state of one bootstrap attempt.
type LaunchOutcome int32

const (
	// OutcomePending means the bootstrap has not reached a terminal state.
	OutcomePending LaunchOutcome = iota

	// OutcomeSuccess means the inference endpoint became ready and the run
	// ended through the inference process serving to completion or an
	// external shutdown request.
	OutcomeSuccess

	// OutcomeAttestationMismatch means the observed image measurement did
	// not match the published trust anchor.
	OutcomeAttestationMismatch

	// OutcomeProxyStartFailure means a relay channel could not be started.
	OutcomeProxyStartFailure

	// OutcomeCredentialFailure means the instance context or role
	// credentials could not be fetched.
	OutcomeCredentialFailure

	// OutcomeUnwrapFailure means the KMS refused or failed to unwrap the
	// model data key.
	OutcomeUnwrapFailure

	// OutcomeDecryptionFailure means the primary model artifact could not
	// be fetched or decrypted to a plausible plaintext.
	OutcomeDecryptionFailure

	// OutcomeInferenceStartFailure means the inference process died during
	// startup or never answered its readiness probe.
	OutcomeInferenceStartFailure

	// OutcomeInferenceCrashed means the inference process exited abnormally
	// after having become ready.
	OutcomeInferenceCrashed
)

// String returns the outcome name.
func (o LaunchOutcome) String() string {
	switch o {
	case OutcomePending:
		return "pending"
	case OutcomeSuccess:
		return "success"
	case OutcomeAttestationMismatch:
		return "attestation_mismatch"
	case OutcomeProxyStartFailure:
		return "proxy_start_failure"
	case OutcomeCredentialFailure:
		return "credential_failure"
	case OutcomeUnwrapFailure:
		return "unwrap_failure"
	case OutcomeDecryptionFailure:
		return "decryption_failure"
	case OutcomeInferenceStartFailure:
		return "inference_start_failure"
	case OutcomeInferenceCrashed:
		return "inference_crashed"
	default:
		return "unknown"
	}
}

// ExitCode maps the outcome onto the bootstrap process exit code. Success is
// zero; every failure is a distinct nonzero code so operators can tell an
// attestation problem from a credential or decryption problem without logs.
func (o LaunchOutcome) ExitCode() int {
	switch o {
	case OutcomeSuccess:
		return 0
	case OutcomeAttestationMismatch:
		return 10
	case OutcomeProxyStartFailure:
		return 11
	case OutcomeCredentialFailure:
		return 12
	case OutcomeUnwrapFailure:
		return 13
	case OutcomeDecryptionFailure:
		return 14
	case OutcomeInferenceStartFailure:
		return 15
	case OutcomeInferenceCrashed:
		return 16
	default:
		return 1
	}
}
