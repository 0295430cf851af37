// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"github.com/bureau-foundation/session/lib/codec"
)

// Signal protocol actions. Every request carries one of these in its
// "action" field.
const (
	actionPublishOffer  = "publish-offer"
	actionPublishAnswer = "publish-answer"
	actionPollOffers    = "poll-offers"
	actionPollAnswers   = "poll-answers"
)

// signalReadTimeout is how long the server waits for a client to send
// its request. A well-behaved client sends the request immediately
// after connecting.
const signalReadTimeout = 10 * time.Second

// signalWriteTimeout is how long the server waits for a response write
// to complete.
const signalWriteTimeout = 10 * time.Second

// maxSignalRequestSize bounds a single CBOR request. An SDP with all
// candidates embedded is a few kilobytes; 256 KB leaves ample headroom
// while preventing a misbehaving client from exhausting memory.
const maxSignalRequestSize = 256 * 1024

// signalRequest is the wire envelope for all signal protocol requests.
// From is always the localpart of the endpoint making the request; To
// is the recipient for publish actions and unused for polls.
type signalRequest struct {
	Action string `cbor:"action"`
	From   string `cbor:"from"`
	To     string `cbor:"to,omitempty"`
	SDP    string `cbor:"sdp,omitempty"`
}

// signalResponse is the wire envelope for all signal protocol
// responses. Signals is populated for poll actions only.
type signalResponse struct {
	OK      bool            `cbor:"ok"`
	Error   string          `cbor:"error,omitempty"`
	Signals []SignalMessage `cbor:"signals,omitempty"`
}

// SignalServer serves the signal protocol on a Unix socket, acting as
// the rendezvous point for endpoints that cannot share a process. Each
// connection handles exactly one request-response cycle: the client
// writes a CBOR [signalRequest], the server applies it to its store
// and writes a CBOR [signalResponse], then the connection closes.
//
// The store is a [MemorySignaler], so offer/answer overwrite and
// per-consumer last-seen filtering behave identically whether
// endpoints signal in-process or through the socket.
type SignalServer struct {
	socketPath string
	store      *MemorySignaler
	logger     *slog.Logger

	// ready is closed when Serve is about to accept connections.
	// Callers can wait on Ready() before dialing.
	ready     chan struct{}
	readyOnce sync.Once

	// activeConnections tracks in-flight request handlers for graceful
	// shutdown. Serve waits for all active connections to complete
	// before returning.
	activeConnections sync.WaitGroup
}

// NewSignalServer creates a server that will listen on socketPath. The
// logger must be non-nil; a nil logger falls back to slog.Default().
func NewSignalServer(socketPath string, logger *slog.Logger) *SignalServer {
	if logger == nil {
		logger = slog.Default()
	}
	return &SignalServer{
		socketPath: socketPath,
		store:      NewMemorySignaler(),
		logger:     logger,
		ready:      make(chan struct{}),
	}
}

// Ready returns a channel that is closed once Serve is accepting
// connections. This enables callers to synchronize without polling
// the socket path.
func (s *SignalServer) Ready() <-chan struct{} {
	return s.ready
}

// Serve starts accepting connections on the Unix socket and applies
// signal requests to the store. Blocks until ctx is cancelled, then
// stops accepting new connections and waits for active handlers to
// complete.
//
// Any existing socket file at the configured path is removed before
// listening. The socket file is removed on return.
func (s *SignalServer) Serve(ctx context.Context) error {
	if err := os.Remove(s.socketPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing stale socket %s: %w", s.socketPath, err)
	}

	listener, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.socketPath, err)
	}
	defer func() {
		listener.Close()
		os.Remove(s.socketPath)
	}()

	// Unblock Accept when the context is cancelled.
	go func() {
		<-ctx.Done()
		listener.Close()
	}()

	s.logger.Info("signal server listening", "path", s.socketPath)
	s.readyOnce.Do(func() { close(s.ready) })

	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			if errors.Is(err, net.ErrClosed) {
				break
			}
			s.logger.Error("accept failed", "error", err)
			continue
		}

		s.activeConnections.Add(1)
		go func() {
			defer s.activeConnections.Done()
			s.handleConnection(ctx, conn)
		}()
	}

	s.activeConnections.Wait()
	return nil
}

// handleConnection processes one request-response cycle.
func (s *SignalServer) handleConnection(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(signalReadTimeout))

	// Decode one CBOR value from the connection. CBOR is self-
	// delimiting so no framing protocol is needed. LimitReader
	// prevents a malicious client from exhausting memory.
	var request signalRequest
	if err := codec.NewDecoder(io.LimitReader(conn, maxSignalRequestSize)).Decode(&request); err != nil {
		if errors.Is(err, io.EOF) {
			// Client connected but sent nothing.
			return
		}
		s.writeResponse(conn, signalResponse{Error: fmt.Sprintf("invalid request: %v", err)})
		return
	}

	response := s.apply(ctx, request)
	if response.Error != "" {
		s.logger.Debug("signal request failed",
			"action", request.Action,
			"from", request.From,
			"error", response.Error,
		)
	}
	s.writeResponse(conn, response)
}

// apply validates a request and dispatches it to the store.
func (s *SignalServer) apply(ctx context.Context, request signalRequest) signalResponse {
	if request.Action == "" {
		return signalResponse{Error: "missing required field: action"}
	}
	if request.From == "" {
		return signalResponse{Error: "missing required field: from"}
	}

	switch request.Action {
	case actionPublishOffer, actionPublishAnswer:
		if request.To == "" {
			return signalResponse{Error: "missing required field: to"}
		}
		if request.SDP == "" {
			return signalResponse{Error: "missing required field: sdp"}
		}
	}

	var signals []SignalMessage
	var err error

	switch request.Action {
	case actionPublishOffer:
		err = s.store.PublishOffer(ctx, request.From, request.To, request.SDP)
	case actionPublishAnswer:
		// The store keys answers by the offer they respond to, so the
		// recipient (the offerer) comes first.
		err = s.store.PublishAnswer(ctx, request.To, request.From, request.SDP)
	case actionPollOffers:
		signals, err = s.store.PollOffers(ctx, request.From)
	case actionPollAnswers:
		signals, err = s.store.PollAnswers(ctx, request.From)
	default:
		return signalResponse{Error: fmt.Sprintf("unknown action %q", request.Action)}
	}

	if err != nil {
		return signalResponse{Error: err.Error()}
	}
	return signalResponse{OK: true, Signals: signals}
}

// writeResponse encodes a response onto the connection. Write failures
// are logged at debug level: the connection is closing regardless, and
// the client will observe the broken pipe on its side.
func (s *SignalServer) writeResponse(conn net.Conn, response signalResponse) {
	conn.SetWriteDeadline(time.Now().Add(signalWriteTimeout))
	if err := codec.NewEncoder(conn).Encode(response); err != nil {
		s.logger.Debug("failed to write signal response", "error", err)
	}
}
