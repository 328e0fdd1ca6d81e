package proxy

import (
	"context"
	"io"
	"log/slog"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// startEchoBackend runs a tcp echo server for the lifetime of the test and
// returns its endpoint.
func startEchoBackend(t *testing.T) Endpoint {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				io.Copy(c, c) //nolint:errcheck
			}(conn)
		}
	}()

	port := uint32(ln.Addr().(*net.TCPAddr).Port)
	return TCPEndpoint("127.0.0.1", port)
}

func newTestBridge(t *testing.T, cfg BridgeConfig) *Bridge {
	t.Helper()

	if cfg.Log == nil {
		cfg.Log = testLogger()
	}
	bridge, err := NewBridge(cfg)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		bridge.Close(ctx) //nolint:errcheck
	})
	return bridge
}

func TestBridgeRelaysToAllowlistedDestination(t *testing.T) {
	backend := startEchoBackend(t)
	bridge := newTestBridge(t, BridgeConfig{
		Allowlist: NewAllowlist(backend),
	})

	ch, err := bridge.Open(ChannelConfig{
		Name:      "object-store",
		Direction: DirectionEgress,
		Listen:    TCPEndpoint("127.0.0.1", 0),
		Dial:      backend,
	})
	require.NoError(t, err)

	conn, err := net.Dial("tcp", ch.LocalAddr().String())
	require.NoError(t, err)
	defer conn.Close()

	payload := []byte("GET /artifact HTTP/1.1\r\n\r\n")
	_, err = conn.Write(payload)
	require.NoError(t, err)

	got := make([]byte, len(payload))
	_, err = io.ReadFull(conn, got)
	require.NoError(t, err)
	assert.Equal(t, payload, got)

	// Half-close propagates through the relay and drains cleanly.
	require.NoError(t, conn.(*net.TCPConn).CloseWrite())
	_, err = conn.Read(make([]byte, 1))
	assert.ErrorIs(t, err, io.EOF)
}

func TestBridgeRejectsDestinationOutsideAllowlist(t *testing.T) {
	backend := startEchoBackend(t)
	bridge := newTestBridge(t, BridgeConfig{
		Allowlist: NewAllowlist(backend),
	})

	_, err := bridge.Open(ChannelConfig{
		Name:      "exfil",
		Direction: DirectionEgress,
		Listen:    TCPEndpoint("127.0.0.1", 0),
		Dial:      TCPEndpoint("203.0.113.1", 9999),
	})
	require.ErrorIs(t, err, ErrNotAllowlisted)

	var startErr *StartError
	require.ErrorAs(t, err, &startErr)
	assert.Equal(t, "exfil", startErr.Channel)

	_, ok := bridge.Channel("exfil")
	assert.False(t, ok)
}

func TestBridgeOpenIsIdempotent(t *testing.T) {
	backend := startEchoBackend(t)
	bridge := newTestBridge(t, BridgeConfig{
		Allowlist: NewAllowlist(backend),
	})

	cfg := ChannelConfig{
		Name:      "kms",
		Direction: DirectionEgress,
		Listen:    TCPEndpoint("127.0.0.1", 0),
		Dial:      backend,
	}

	first, err := bridge.Open(cfg)
	require.NoError(t, err)
	second, err := bridge.Open(cfg)
	require.NoError(t, err)
	assert.Same(t, first, second)
}

func TestBridgeReplacesStoppedChannel(t *testing.T) {
	backend := startEchoBackend(t)
	bridge := newTestBridge(t, BridgeConfig{
		Allowlist: NewAllowlist(backend),
	})

	cfg := ChannelConfig{
		Name:      "metadata",
		Direction: DirectionEgress,
		Listen:    TCPEndpoint("127.0.0.1", 0),
		Dial:      backend,
	}

	first, err := bridge.Open(cfg)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, first.Stop(ctx))
	assert.Equal(t, StateStopped, first.State())

	second, err := bridge.Open(cfg)
	require.NoError(t, err)
	assert.NotSame(t, first, second)
	assert.NotEqual(t, StateStopped, second.State())
}

func TestBridgeBindRetryExhaustion(t *testing.T) {
	backend := startEchoBackend(t)

	// Occupy the port the channel wants.
	occupied, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer occupied.Close()
	port := uint32(occupied.Addr().(*net.TCPAddr).Port)

	bridge := newTestBridge(t, BridgeConfig{
		Allowlist:    NewAllowlist(backend),
		BindAttempts: 2,
		BindBackoff:  time.Millisecond,
	})

	_, err = bridge.Open(ChannelConfig{
		Name:      "inference",
		Direction: DirectionIngress,
		Listen:    TCPEndpoint("127.0.0.1", port),
		Dial:      backend,
	})
	require.ErrorIs(t, err, ErrBindFailed)

	var startErr *StartError
	require.ErrorAs(t, err, &startErr)
	assert.Equal(t, "inference", startErr.Channel)
}

func TestChannelSettlesToRunning(t *testing.T) {
	backend := startEchoBackend(t)
	clk := clock.NewMock()
	bridge := newTestBridge(t, BridgeConfig{
		Allowlist:   NewAllowlist(backend),
		Clock:       clk,
		SettleDelay: 500 * time.Millisecond,
	})

	ch, err := bridge.Open(ChannelConfig{
		Name:      "metadata",
		Direction: DirectionEgress,
		Listen:    TCPEndpoint("127.0.0.1", 0),
		Dial:      backend,
	})
	require.NoError(t, err)
	assert.Equal(t, StateStarting, ch.State())

	clk.Add(500 * time.Millisecond)
	require.Eventually(t, func() bool {
		return ch.State() == StateRunning
	}, time.Second, 10*time.Millisecond)
}

func TestChannelStopIsIdempotent(t *testing.T) {
	backend := startEchoBackend(t)
	bridge := newTestBridge(t, BridgeConfig{
		Allowlist: NewAllowlist(backend),
	})

	ch, err := bridge.Open(ChannelConfig{
		Name:      "kms",
		Direction: DirectionEgress,
		Listen:    TCPEndpoint("127.0.0.1", 0),
		Dial:      backend,
	})
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			assert.NoError(t, ch.Stop(ctx))
		}()
	}
	wg.Wait()
	assert.Equal(t, StateStopped, ch.State())
}

func TestChannelStopForcesLingeringConnections(t *testing.T) {
	// A backend that accepts and then sits on the connection, so the relay
	// never drains on its own.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			defer conn.Close()
		}
	}()
	backend := TCPEndpoint("127.0.0.1", uint32(ln.Addr().(*net.TCPAddr).Port))

	bridge := newTestBridge(t, BridgeConfig{
		Allowlist: NewAllowlist(backend),
	})
	ch, err := bridge.Open(ChannelConfig{
		Name:      "stuck",
		Direction: DirectionEgress,
		Listen:    TCPEndpoint("127.0.0.1", 0),
		Dial:      backend,
	})
	require.NoError(t, err)

	conn, err := net.Dial("tcp", ch.LocalAddr().String())
	require.NoError(t, err)
	defer conn.Close()
	_, err = conn.Write([]byte("stalled"))
	require.NoError(t, err)

	// Expired bound: Stop must fall through to force-close and still return.
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	require.NoError(t, ch.Stop(ctx))
	assert.Equal(t, StateStopped, ch.State())
}

func TestBridgeCloseStopsEverything(t *testing.T) {
	backend := startEchoBackend(t)
	bridge := newTestBridge(t, BridgeConfig{
		Allowlist: NewAllowlist(backend),
	})

	for _, name := range []string{"metadata", "object-store", "kms"} {
		_, err := bridge.Open(ChannelConfig{
			Name:      name,
			Direction: DirectionEgress,
			Listen:    TCPEndpoint("127.0.0.1", 0),
			Dial:      backend,
		})
		require.NoError(t, err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			assert.NoError(t, bridge.Close(ctx))
		}()
	}
	wg.Wait()

	for _, ch := range bridge.Channels() {
		assert.Equal(t, StateStopped, ch.State())
	}

	_, err := bridge.Open(ChannelConfig{
		Name:      "late",
		Direction: DirectionEgress,
		Listen:    TCPEndpoint("127.0.0.1", 0),
		Dial:      backend,
	})
	assert.ErrorIs(t, err, ErrBridgeClosed)
}
