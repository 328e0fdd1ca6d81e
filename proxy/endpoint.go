package proxy

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"strconv"

	"github.com/mdlayher/vsock"
)

// Scheme selects the transport of an endpoint.
type Scheme string

const (
	// SchemeTCP is an ordinary TCP endpoint, addressed as tcp://host:port.
	SchemeTCP Scheme = "tcp"

	// SchemeVSock is a vsock endpoint, addressed as vsock://cid:port. The
	// cid may be a number, "parent" for the parent instance, or empty/"any"
	// for listeners, which always bind the local context ID.
	SchemeVSock Scheme = "vsock"
)

// ParentCID is the context ID of the parent instance as seen from an enclave.
const ParentCID = 3

// AnyCID marks a vsock endpoint used only for listening.
const AnyCID = 0

// Default vsock port assignments for the bridge channels. The attestation
// document server keeps the port the original provisioning stack used.
const (
	MetadataVsockPort    = 8001
	ObjectStoreVsockPort = 8002
	KMSVsockPort         = 8003
	InferenceVsockPort   = 8004
	AttestationDocPort   = 5000
)

// Endpoint is one side of a relay: a place to listen on or dial to.
type Endpoint struct {
	Scheme Scheme
	Host   string // tcp only
	CID    uint32 // vsock only
	Port   uint32
}

// ParseEndpoint parses tcp://host:port and vsock://cid:port URIs.
func ParseEndpoint(uri string) (Endpoint, error) {
	parsed, err := url.Parse(uri)
	if err != nil {
		return Endpoint{}, fmt.Errorf("invalid endpoint URI %q: %w", uri, err)
	}

	host, portStr, err := net.SplitHostPort(parsed.Host)
	if err != nil {
		return Endpoint{}, fmt.Errorf("invalid endpoint address %q: %w", parsed.Host, err)
	}
	port, err := strconv.ParseUint(portStr, 10, 32)
	if err != nil || port == 0 {
		return Endpoint{}, fmt.Errorf("invalid endpoint port %q", portStr)
	}

	switch Scheme(parsed.Scheme) {
	case SchemeTCP:
		if host == "" {
			return Endpoint{}, fmt.Errorf("tcp endpoint %q has no host", uri)
		}
		return Endpoint{Scheme: SchemeTCP, Host: host, Port: uint32(port)}, nil

	case SchemeVSock:
		var cid uint64
		switch host {
		case "", "any":
			cid = AnyCID
		case "parent":
			cid = ParentCID
		default:
			cid, err = strconv.ParseUint(host, 10, 32)
			if err != nil {
				return Endpoint{}, fmt.Errorf("invalid vsock context ID %q", host)
			}
		}
		return Endpoint{Scheme: SchemeVSock, CID: uint32(cid), Port: uint32(port)}, nil

	default:
		return Endpoint{}, fmt.Errorf("unsupported endpoint scheme %q", parsed.Scheme)
	}
}

// MustParseEndpoint parses a URI known to be valid at compile time.
func MustParseEndpoint(uri string) Endpoint {
	ep, err := ParseEndpoint(uri)
	if err != nil {
		panic(err)
	}
	return ep
}

// TCPEndpoint builds a tcp endpoint.
func TCPEndpoint(host string, port uint32) Endpoint {
	return Endpoint{Scheme: SchemeTCP, Host: host, Port: port}
}

// VSockEndpoint builds a vsock endpoint.
func VSockEndpoint(cid, port uint32) Endpoint {
	return Endpoint{Scheme: SchemeVSock, CID: cid, Port: port}
}

// String renders the endpoint back into URI form.
func (ep Endpoint) String() string {
	switch ep.Scheme {
	case SchemeVSock:
		return fmt.Sprintf("vsock://%d:%d", ep.CID, ep.Port)
	default:
		return fmt.Sprintf("tcp://%s", net.JoinHostPort(ep.Host, strconv.FormatUint(uint64(ep.Port), 10)))
	}
}

// Key is the normalized allowlist membership key of the endpoint.
func (ep Endpoint) Key() string {
	return ep.String()
}

// IsZero reports whether the endpoint is unset.
func (ep Endpoint) IsZero() bool {
	return ep == Endpoint{}
}

// Listen opens a listener on the endpoint. A vsock listener always binds the
// local context ID; the CID field is ignored.
func (ep Endpoint) Listen() (net.Listener, error) {
	switch ep.Scheme {
	case SchemeTCP:
		return net.Listen("tcp", net.JoinHostPort(ep.Host, strconv.FormatUint(uint64(ep.Port), 10)))
	case SchemeVSock:
		return vsock.Listen(ep.Port, nil)
	default:
		return nil, fmt.Errorf("cannot listen on endpoint scheme %q", ep.Scheme)
	}
}

// Dial connects to the endpoint. The vsock transport has no context-aware
// dialer; cancellation applies to tcp endpoints only.
func (ep Endpoint) Dial(ctx context.Context) (net.Conn, error) {
	switch ep.Scheme {
	case SchemeTCP:
		var d net.Dialer
		return d.DialContext(ctx, "tcp", net.JoinHostPort(ep.Host, strconv.FormatUint(uint64(ep.Port), 10)))
	case SchemeVSock:
		if ep.CID == AnyCID {
			return nil, fmt.Errorf("vsock endpoint %s has no dialable context ID", ep)
		}
		return vsock.Dial(ep.CID, ep.Port, nil)
	default:
		return nil, fmt.Errorf("cannot dial endpoint scheme %q", ep.Scheme)
	}
}
