// Package inference runs and talks to the in-enclave inference server.
//
// The server itself is an external black box: a llama.cpp style HTTP
// service launched as a subprocess once the plaintext model weights are
// staged. This package owns starting and stopping that process, waiting
// for its health endpoint to come up within a bounded poll budget, and the
// minimal chat completion client the operator tooling uses.
package inference
