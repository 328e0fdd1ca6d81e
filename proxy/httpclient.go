package proxy

import (
	"context"
	"net"
	"net/http"
	"time"
)

// NewChannelHTTPClient builds an HTTP client whose every connection goes to
// the channel's local listen endpoint, regardless of the requested host.
// This is how in-enclave clients reach TLS services: the request URL keeps
// the real hostname (so SNI and certificate verification still bind to the
// destination), while the bytes ride the relay.
func NewChannelHTTPClient(listen Endpoint, timeout time.Duration) *http.Client {
	dial := func(ctx context.Context, network, addr string) (net.Conn, error) {
		return listen.Dial(ctx)
	}

	return &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			DialContext:         dial,
			MaxIdleConns:        8,
			IdleConnTimeout:     30 * time.Second,
			TLSHandshakeTimeout: 10 * time.Second,
		},
	}
}
