package proxy

import (
	"fmt"
	"sort"
	"strings"
)

// Allowlist is the fixed set of destinations a bridge may relay to. It is
// derived once from the verified region context before any channel opens and
// never changes while channels are open.
type Allowlist struct {
	entries map[string]Endpoint
}

// NewAllowlist builds an allowlist from its entries. The result holds its own
// copy; later changes to the slice do not affect it.
func NewAllowlist(entries ...Endpoint) *Allowlist {
	set := make(map[string]Endpoint, len(entries))
	for _, ep := range entries {
		set[ep.Key()] = ep
	}
	return &Allowlist{entries: set}
}

// Contains reports whether the endpoint is an allowed destination.
func (a *Allowlist) Contains(ep Endpoint) bool {
	if a == nil {
		return false
	}
	_, ok := a.entries[ep.Key()]
	return ok
}

// Len returns the number of allowed destinations.
func (a *Allowlist) Len() int {
	if a == nil {
		return 0
	}
	return len(a.entries)
}

// String lists the allowed destinations in stable order.
func (a *Allowlist) String() string {
	if a == nil {
		return "(empty)"
	}
	keys := make([]string, 0, len(a.entries))
	for k := range a.entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return strings.Join(keys, ",")
}

// Instance metadata service address. Link-local, reachable from the host only.
const MetadataServiceHost = "169.254.169.254"

// HostAllowlist derives the host-side destinations for the given region: the
// instance metadata service, the regional object store, the regional key
// management endpoint, and the enclave's ingress target for inference
// traffic. This is the complete set of places the host relay may dial.
func HostAllowlist(region string, enclaveIngress Endpoint) (*Allowlist, error) {
	if region == "" {
		return nil, fmt.Errorf("cannot derive an allowlist without a region")
	}

	entries := []Endpoint{
		TCPEndpoint(MetadataServiceHost, 80),
		TCPEndpoint(fmt.Sprintf("s3.%s.amazonaws.com", region), 443),
		TCPEndpoint(fmt.Sprintf("kms.%s.amazonaws.com", region), 443),
	}
	if !enclaveIngress.IsZero() {
		entries = append(entries, enclaveIngress)
	}
	return NewAllowlist(entries...), nil
}

// EnclaveAllowlist is the enclave-side counterpart: egress channels may only
// dial the parent instance on the bridge's fixed vsock ports, and the ingress
// channel may only dial the local inference endpoint.
func EnclaveAllowlist(inferenceDial Endpoint) *Allowlist {
	entries := []Endpoint{
		VSockEndpoint(ParentCID, MetadataVsockPort),
		VSockEndpoint(ParentCID, ObjectStoreVsockPort),
		VSockEndpoint(ParentCID, KMSVsockPort),
	}
	if !inferenceDial.IsZero() {
		entries = append(entries, inferenceDial)
	}
	return NewAllowlist(entries...)
}
