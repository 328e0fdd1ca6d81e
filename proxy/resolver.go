package proxy

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"

	"github.com/miekg/dns"
)

// DefaultResolverAddr is the local stub resolver.
const DefaultResolverAddr = "127.0.0.53:53"

// PinnedResolver resolves allowlisted hostnames once and pins the answers,
// so a destination cannot re-resolve to a different address between the
// allowlist decision and the dial. Used by the host relay; IP literals pass
// through untouched.
type PinnedResolver struct {
	server string
	log    *slog.Logger

	mu   sync.RWMutex
	pins map[string][]string
}

// NewPinnedResolver creates a resolver that queries server (host:port).
// An empty server selects the local stub resolver.
func NewPinnedResolver(server string, log *slog.Logger) *PinnedResolver {
	if server == "" {
		server = DefaultResolverAddr
	}
	return &PinnedResolver{
		server: server,
		log:    log,
		pins:   make(map[string][]string),
	}
}

// Pin resolves and pins each hostname. Hostnames that parse as IP literals
// are skipped. Fails if any hostname yields no addresses.
func (r *PinnedResolver) Pin(hosts ...string) error {
	for _, host := range hosts {
		if net.ParseIP(host) != nil {
			continue
		}

		addrs, err := r.resolveA(host)
		if err != nil {
			return fmt.Errorf("failed to resolve %s: %w", host, err)
		}
		if len(addrs) == 0 {
			return fmt.Errorf("no addresses for %s", host)
		}

		r.mu.Lock()
		r.pins[host] = addrs
		r.mu.Unlock()
		r.log.Info("Pinned destination addresses", "host", host, "addrs", addrs)
	}
	return nil
}

// Pinned returns the pinned addresses for host.
func (r *PinnedResolver) Pinned(host string) ([]string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	addrs, ok := r.pins[host]
	return addrs, ok
}

func (r *PinnedResolver) resolveA(host string) ([]string, error) {
	m := new(dns.Msg)
	m.Id = dns.Id()
	m.RecursionDesired = true
	m.Question = []dns.Question{{Name: dns.Fqdn(host), Qtype: dns.TypeA, Qclass: dns.ClassINET}}

	c := new(dns.Client)
	in, _, err := c.Exchange(m, r.server)
	if err != nil {
		return nil, err
	}

	addrs := make([]string, 0, len(in.Answer))
	for _, ans := range in.Answer {
		if a, ok := ans.(*dns.A); ok {
			addrs = append(addrs, a.A.String())
		}
	}
	return addrs, nil
}

// DialContext dials a tcp endpoint through its pinned addresses, trying each
// in order. Unpinned hosts and vsock endpoints fall back to the plain dialer.
func (r *PinnedResolver) DialContext(ctx context.Context, ep Endpoint) (net.Conn, error) {
	if ep.Scheme != SchemeTCP {
		return ep.Dial(ctx)
	}

	addrs, ok := r.Pinned(ep.Host)
	if !ok {
		return ep.Dial(ctx)
	}

	var d net.Dialer
	var lastErr error
	port := strconv.FormatUint(uint64(ep.Port), 10)
	for _, addr := range addrs {
		conn, err := d.DialContext(ctx, "tcp", net.JoinHostPort(addr, port))
		if err == nil {
			return conn, nil
		}
		lastErr = err
	}
	return nil, fmt.Errorf("all pinned addresses for %s failed: %w", ep.Host, lastErr)
}
