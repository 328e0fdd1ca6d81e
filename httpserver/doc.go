// Package httpserver serves the enclave status surface: liveness and
// readiness probes gated on the bootstrap pipeline, drain control, the
// pipeline state report, and fresh attestation documents for relying
// parties. It is diagnostics only; inference traffic flows through the
// ingress relay channel, not through this server.
package httpserver
