package attestation

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"
)

// Frame size bounds for the document protocol. The request frame carries an
// optional client nonce; the response frame carries one CBOR document.
const (
	maxRequestFrame  = 1024
	maxResponseFrame = 1 << 20

	connDeadline = 10 * time.Second
)

// Server issues attestation documents over a length-prefixed stream protocol.
// Each connection carries exactly one request: a u32 big-endian length
// followed by the nonce (length may be zero), answered by a u32 big-endian
// length followed by the document.
type Server struct {
	provider Provider
	log      *slog.Logger

	mu   sync.Mutex
	ln   net.Listener
	quit chan struct{}
	done chan struct{}
}

// NewServer creates a document server backed by provider.
func NewServer(provider Provider, log *slog.Logger) *Server {
	return &Server{
		provider: provider,
		log:      log,
		quit:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// RunInBackground starts accepting connections on ln in a separate goroutine.
func (s *Server) RunInBackground(ln net.Listener) {
	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()

	go func() {
		defer close(s.done)
		s.log.Info("Attestation document server listening", "addr", ln.Addr().String())
		for {
			conn, err := ln.Accept()
			if err != nil {
				select {
				case <-s.quit:
					return
				default:
				}
				s.log.Error("Attestation server accept failed", "err", err)
				return
			}
			go s.handleConn(conn)
		}
	}()
}

// Shutdown stops accepting connections and waits for the accept loop to exit.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	select {
	case <-s.quit:
	default:
		close(s.quit)
		if s.ln != nil {
			s.ln.Close()
		}
	}
	s.mu.Unlock()

	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(connDeadline))

	nonce, err := readFrame(conn, maxRequestFrame)
	if err != nil {
		s.log.Debug("Rejected attestation request", "err", err, "remote", conn.RemoteAddr().String())
		return
	}

	doc, err := s.provider.Attest(AttestArgs{Nonce: nonce})
	if err != nil {
		s.log.Error("Failed to issue attestation document", "err", err)
		return
	}

	if err := writeFrame(conn, doc, maxResponseFrame); err != nil {
		s.log.Debug("Failed to send attestation document", "err", err)
		return
	}

	s.log.Info("Served attestation document", "remote", conn.RemoteAddr().String(), "doc_size", len(doc))
}

// readFrame reads one u32 big-endian length-prefixed frame. A zero-length
// frame is valid and yields a nil payload.
func readFrame(r io.Reader, maxSize uint32) ([]byte, error) {
	var length uint32
	if err := binary.Read(r, binary.BigEndian, &length); err != nil {
		return nil, fmt.Errorf("failed to read frame length: %w", err)
	}
	if length > maxSize {
		return nil, fmt.Errorf("frame too large: %d bytes (maximum %d)", length, maxSize)
	}
	if length == 0 {
		return nil, nil
	}

	data := make([]byte, length)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, fmt.Errorf("failed to read frame body: %w", err)
	}
	return data, nil
}

// writeFrame writes one u32 big-endian length-prefixed frame.
func writeFrame(w io.Writer, data []byte, maxSize uint32) error {
	if uint32(len(data)) > maxSize {
		return errors.New("frame exceeds maximum size")
	}
	if err := binary.Write(w, binary.BigEndian, uint32(len(data))); err != nil {
		return fmt.Errorf("failed to write frame length: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("failed to write frame body: %w", err)
	}
	return nil
}

// FetchDocument retrieves a document from a server reachable over conn,
// binding nonce when non-empty. The caller owns the connection.
func FetchDocument(conn net.Conn, nonce []byte) ([]byte, error) {
	conn.SetDeadline(time.Now().Add(connDeadline))

	if err := writeFrame(conn, nonce, maxRequestFrame); err != nil {
		return nil, err
	}

	doc, err := readFrame(conn, maxResponseFrame)
	if err != nil {
		return nil, err
	}
	if len(doc) == 0 {
		return nil, errors.New("server returned an empty document")
	}
	return doc, nil
}
