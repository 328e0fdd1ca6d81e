// Package supervisor sequences the confidential bootstrap pipeline: verify
// the enclave image measurement, start the relay channels, fetch the
// instance credentials, unwrap the model data key, decrypt the weights,
// launch the inference server, and monitor it until it exits or shutdown is
// requested.
//
// The supervisor owns every resource the pipeline allocates. Teardown runs
// exactly once on every exit path, in reverse acquisition order: inference
// process, key material, plaintext staging, relay channels. Any stage
// failure maps to one terminal LaunchOutcome; there is no partial success.
package supervisor
