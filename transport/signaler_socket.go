// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/bureau-foundation/session/lib/codec"
)

// signalDialTimeout is the maximum time to wait for a connection to
// the signal server socket. This is separate from the server's
// read/write timeouts; it covers only the connect phase.
const signalDialTimeout = 5 * time.Second

// signalResponseTimeout is how long the client waits for the server to
// send a response after writing the request.
const signalResponseTimeout = 15 * time.Second

// maxSignalResponseSize bounds a single CBOR response. A poll response
// can carry several SDPs, so this is larger than the request bound.
const maxSignalResponseSize = 1024 * 1024

// Compile-time interface check.
var _ Signaler = (*SocketSignaler)(nil)

// SocketSignaler implements [Signaler] against a [SignalServer]
// socket. Each operation opens a new connection (matching the server's
// one-request-per-connection model), sends the request, reads the
// response, and closes the connection. The client holds no state; all
// last-seen filtering happens server-side.
type SocketSignaler struct {
	socketPath string
}

// NewSocketSignaler creates a client for the signal server listening
// on socketPath.
func NewSocketSignaler(socketPath string) *SocketSignaler {
	return &SocketSignaler{socketPath: socketPath}
}

// PublishOffer sends the offer to the signal server.
func (s *SocketSignaler) PublishOffer(ctx context.Context, localpart, targetLocalpart, sdp string) error {
	_, err := s.call(ctx, signalRequest{
		Action: actionPublishOffer,
		From:   localpart,
		To:     targetLocalpart,
		SDP:    sdp,
	})
	return err
}

// PublishAnswer sends the answer to the signal server. The From field
// is the answerer; the server re-derives the offer key from To.
func (s *SocketSignaler) PublishAnswer(ctx context.Context, offererLocalpart, localpart, sdp string) error {
	_, err := s.call(ctx, signalRequest{
		Action: actionPublishAnswer,
		From:   localpart,
		To:     offererLocalpart,
		SDP:    sdp,
	})
	return err
}

// PollOffers fetches unseen offers directed at localpart.
func (s *SocketSignaler) PollOffers(ctx context.Context, localpart string) ([]SignalMessage, error) {
	return s.call(ctx, signalRequest{
		Action: actionPollOffers,
		From:   localpart,
	})
}

// PollAnswers fetches unseen answers to offers from localpart.
func (s *SocketSignaler) PollAnswers(ctx context.Context, localpart string) ([]SignalMessage, error) {
	return s.call(ctx, signalRequest{
		Action: actionPollAnswers,
		From:   localpart,
	})
}

// call connects to the socket, writes the request, and reads the
// response. Each call creates a new connection.
func (s *SocketSignaler) call(ctx context.Context, request signalRequest) ([]SignalMessage, error) {
	dialer := net.Dialer{Timeout: signalDialTimeout}
	conn, err := dialer.DialContext(ctx, "unix", s.socketPath)
	if err != nil {
		return nil, fmt.Errorf("connecting to signal server %s: %w", s.socketPath, err)
	}
	defer conn.Close()

	if err := codec.NewEncoder(conn).Encode(request); err != nil {
		return nil, fmt.Errorf("writing %s request: %w", request.Action, err)
	}

	// Half-close the write side. CBOR is self-delimiting so this
	// isn't strictly necessary, but it lets the server's read side
	// see EOF cleanly.
	if unixConn, ok := conn.(*net.UnixConn); ok {
		unixConn.CloseWrite()
	}

	conn.SetReadDeadline(time.Now().Add(signalResponseTimeout))
	var response signalResponse
	if err := codec.NewDecoder(io.LimitReader(conn, maxSignalResponseSize)).Decode(&response); err != nil {
		return nil, fmt.Errorf("reading %s response: %w", request.Action, err)
	}

	if !response.OK {
		return nil, fmt.Errorf("signal server rejected %s: %s", request.Action, response.Error)
	}
	return response.Signals, nil
}
