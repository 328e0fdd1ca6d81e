// Package proxy implements the allowlist proxy bridge between an isolated
// enclave and its host.
//
// A Bridge owns a set of relay channels, each a long-lived byte relay bound
// to exactly one logical destination. Egress channels give the enclave
// selective reachability to the instance metadata service, the object store,
// and the key management endpoint; the single ingress channel exposes the
// enclave's inference HTTP port to the host. Destinations are fixed by an
// immutable Allowlist derived from the verified region context before any
// channel opens; a connection to anything else is never routed.
//
// Channels have handle semantics. Open is idempotent per logical name, bind
// failures are retried a bounded number of times with a fixed backoff, and
// Stop waits a bounded time for in-flight relays before forcing connections
// closed. The same code runs on both sides of the vsock boundary: inside the
// enclave the bridge relays tcp listeners into vsock dials toward the
// parent, and the host relay daemon runs the mirror image, with
// PinnedResolver fixing the external destinations to addresses resolved once
// at startup.
package proxy
