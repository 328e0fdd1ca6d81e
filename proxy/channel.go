package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"go.uber.org/atomic"

	"github.com/enclavekit/inference-bootstrap/metrics"
)

// Direction distinguishes who initiates traffic over a channel.
type Direction string

const (
	// DirectionEgress relays enclave-initiated connections out to a single
	// external destination.
	DirectionEgress Direction = "egress"

	// DirectionIngress relays host-initiated connections into the enclave's
	// internal service port.
	DirectionIngress Direction = "ingress"
)

// ChannelState is the lifecycle state of a relay channel.
type ChannelState int32

const (
	StateStarting ChannelState = iota
	StateRunning
	StateFailed
	StateStopped
)

// String returns the state name.
func (s ChannelState) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateFailed:
		return "failed"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// ChannelConfig describes one relay channel.
type ChannelConfig struct {
	// Name is the stable logical name, e.g. "metadata" or "kms".
	Name string

	// Direction of the relay.
	Direction Direction

	// Listen is the local endpoint connections arrive on.
	Listen Endpoint

	// Dial is the single remote destination bytes are relayed to. It must be
	// present in the bridge allowlist.
	Dial Endpoint
}

// Validate checks the configuration is complete.
func (cfg ChannelConfig) Validate() error {
	if cfg.Name == "" {
		return errors.New("channel has no name")
	}
	if cfg.Direction != DirectionEgress && cfg.Direction != DirectionIngress {
		return fmt.Errorf("channel %s has invalid direction %q", cfg.Name, cfg.Direction)
	}
	if cfg.Listen.IsZero() {
		return fmt.Errorf("channel %s has no listen endpoint", cfg.Name)
	}
	if cfg.Dial.IsZero() {
		return fmt.Errorf("channel %s has no dial endpoint", cfg.Name)
	}
	return nil
}

// Channel is a running relay bound to one logical destination. It is created
// by a Bridge and owned by whoever owns the bridge; Stop releases it on every
// exit path.
type Channel struct {
	cfg       ChannelConfig
	log       *slog.Logger
	allowlist *Allowlist
	dial      DialFunc
	dialTO    time.Duration
	prefix    string

	state atomic.Int32
	ln    net.Listener
	quit  chan struct{}

	mu    sync.Mutex
	conns map[net.Conn]struct{}
	wg    sync.WaitGroup

	stopOnce sync.Once
}

// Name returns the logical channel name.
func (c *Channel) Name() string { return c.cfg.Name }

// Direction returns the relay direction.
func (c *Channel) Direction() Direction { return c.cfg.Direction }

// State returns the current lifecycle state.
func (c *Channel) State() ChannelState { return ChannelState(c.state.Load()) }

// LocalAddr returns the bound listener address.
func (c *Channel) LocalAddr() net.Addr { return c.ln.Addr() }

// transition moves from one state to another, refusing to leave a terminal
// state.
func (c *Channel) transition(from, to ChannelState) bool {
	return c.state.CompareAndSwap(int32(from), int32(to))
}

func (c *Channel) acceptLoop() {
	for {
		conn, err := c.ln.Accept()
		if err != nil {
			select {
			case <-c.quit:
				return
			default:
			}
			// Listener died underneath a live channel.
			c.transition(StateStarting, StateFailed)
			c.transition(StateRunning, StateFailed)
			c.log.Error("Channel listener failed", "channel", c.cfg.Name, "err", err)
			return
		}

		metrics.IncRelayConns(c.prefix, c.cfg.Name)
		c.wg.Add(1)
		go c.handleConn(conn)
	}
}

func (c *Channel) handleConn(local net.Conn) {
	defer c.wg.Done()

	c.track(local)
	defer func() {
		c.untrack(local)
		local.Close()
	}()

	// The destination is fixed per channel, but membership is still checked
	// on every relayed connection.
	if !c.allowlist.Contains(c.cfg.Dial) {
		metrics.IncRelayDenied(c.prefix, c.cfg.Name)
		c.log.Error("Refusing relay to destination outside allowlist",
			"channel", c.cfg.Name, "destination", c.cfg.Dial.String())
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.dialTO)
	go func() {
		select {
		case <-c.quit:
			cancel()
		case <-ctx.Done():
		}
	}()
	remote, err := c.dial(ctx, c.cfg.Dial)
	cancel()
	if err != nil {
		c.log.Warn("Failed to dial channel destination",
			"channel", c.cfg.Name, "destination", c.cfg.Dial.String(), "err", err)
		return
	}

	c.track(remote)
	defer func() {
		c.untrack(remote)
		remote.Close()
	}()

	c.relay(local, remote)
}

type halfCloser interface {
	CloseWrite() error
}

// relay shuttles bytes in both directions until both sides reach EOF or a
// side is closed. EOF on one direction half-closes the other so graceful
// protocol shutdowns propagate.
func (c *Channel) relay(local, remote net.Conn) {
	var wg sync.WaitGroup
	wg.Add(2)

	copyDirection := func(dst, src net.Conn) {
		defer wg.Done()
		n, _ := io.Copy(dst, src)
		metrics.AddRelayedBytes(c.prefix, c.cfg.Name, n)
		if hc, ok := dst.(halfCloser); ok {
			hc.CloseWrite()
		} else {
			dst.Close()
		}
	}

	go copyDirection(remote, local)
	go copyDirection(local, remote)
	wg.Wait()
}

func (c *Channel) track(conn net.Conn) {
	c.mu.Lock()
	c.conns[conn] = struct{}{}
	c.mu.Unlock()
}

func (c *Channel) untrack(conn net.Conn) {
	c.mu.Lock()
	delete(c.conns, conn)
	c.mu.Unlock()
}

func (c *Channel) closeConns() {
	c.mu.Lock()
	for conn := range c.conns {
		conn.Close()
	}
	c.mu.Unlock()
}

// Stop terminates the channel: it signals the relay, waits for in-flight
// handlers bounded by ctx, and force-closes the remaining connections when
// the bound is exceeded. Safe to call multiple times and from concurrent
// paths.
func (c *Channel) Stop(ctx context.Context) error {
	c.stopOnce.Do(func() {
		close(c.quit)
		c.ln.Close()
	})

	waited := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(waited)
	}()

	select {
	case <-waited:
	case <-ctx.Done():
		c.log.Warn("Channel did not drain in time, forcing connections closed", "channel", c.cfg.Name)
		c.closeConns()
		<-waited
	}

	c.transition(StateStarting, StateStopped)
	c.transition(StateRunning, StateStopped)
	c.transition(StateFailed, StateStopped)
	return nil
}
