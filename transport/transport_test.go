// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"crypto/ed25519"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/bureau-foundation/session/lib/clock"
	"github.com/bureau-foundation/session/lib/testutil"
)

// newTransportPair builds two PeerTransports for session/alpha and
// session/beta sharing a signaler. Authenticators may be nil. Both
// transports are closed when the test finishes.
func newTransportPair(t *testing.T, signaler Signaler, authAlpha, authBeta PeerAuthenticator) (*PeerTransport, *PeerTransport) {
	t.Helper()

	alpha, err := NewPeerTransport(PeerTransportConfig{
		Name:          "audio",
		Localpart:     "session/alpha",
		PeerLocalpart: "session/beta",
		Signaler:      signaler,
		Authenticator: authAlpha,
		Logger:        testLogger(),
	})
	if err != nil {
		t.Fatalf("creating alpha transport: %v", err)
	}
	t.Cleanup(func() { alpha.Close() })

	beta, err := NewPeerTransport(PeerTransportConfig{
		Name:          "audio",
		Localpart:     "session/beta",
		PeerLocalpart: "session/alpha",
		Signaler:      signaler,
		Authenticator: authBeta,
		Logger:        testLogger(),
	})
	if err != nil {
		t.Fatalf("creating beta transport: %v", err)
	}
	t.Cleanup(func() { beta.Close() })

	return alpha, beta
}

// pollForOffer polls the signaler as the given endpoint until an offer
// arrives, the way a negotiation driver would.
func pollForOffer(t *testing.T, ctx context.Context, signaler Signaler, localpart string) SignalMessage {
	t.Helper()

	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		offers, err := signaler.PollOffers(ctx, localpart)
		if err != nil {
			t.Fatalf("PollOffers failed: %v", err)
		}
		if len(offers) > 0 {
			return offers[0]
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatal("timed out waiting for an offer")
	panic("unreachable")
}

// establishPair drives alpha as offerer and beta as answerer and fails
// the test unless both sides report establishment.
func establishPair(t *testing.T, ctx context.Context, signaler Signaler, alpha, beta *PeerTransport) {
	t.Helper()

	offerDone := make(chan error, 1)
	go func() { offerDone <- alpha.Offer(ctx) }()

	offer := pollForOffer(t, ctx, signaler, "session/beta")

	answerDone := make(chan error, 1)
	go func() { answerDone <- beta.Answer(ctx, offer) }()

	if err := testutil.RequireReceive(t, offerDone, 30*time.Second, "offerer establishment"); err != nil {
		t.Fatalf("Offer failed: %v", err)
	}
	if err := testutil.RequireReceive(t, answerDone, 30*time.Second, "answerer establishment"); err != nil {
		t.Fatalf("Answer failed: %v", err)
	}
}

// exchangeOverChannel opens a labeled channel from opener, accepts it
// on acceptor, and verifies a payload round-trip in both directions.
func exchangeOverChannel(t *testing.T, ctx context.Context, opener, acceptor *PeerTransport, label string) {
	t.Helper()

	openerConn, err := opener.OpenChannel(ctx, label)
	if err != nil {
		t.Fatalf("OpenChannel failed: %v", err)
	}
	defer openerConn.Close()

	acceptorConn, err := acceptor.AcceptChannel(ctx)
	if err != nil {
		t.Fatalf("AcceptChannel failed: %v", err)
	}
	defer acceptorConn.Close()

	if _, err := openerConn.Write([]byte("ping-payload")); err != nil {
		t.Fatalf("writing ping: %v", err)
	}
	buffer := make([]byte, 256)
	bytesRead, err := acceptorConn.Read(buffer)
	if err != nil {
		t.Fatalf("reading ping: %v", err)
	}
	if string(buffer[:bytesRead]) != "ping-payload" {
		t.Errorf("ping = %q, want %q", string(buffer[:bytesRead]), "ping-payload")
	}

	if _, err := acceptorConn.Write([]byte("pong-payload")); err != nil {
		t.Fatalf("writing pong: %v", err)
	}
	bytesRead, err = openerConn.Read(buffer)
	if err != nil {
		t.Fatalf("reading pong: %v", err)
	}
	if string(buffer[:bytesRead]) != "pong-payload" {
		t.Errorf("pong = %q, want %q", string(buffer[:bytesRead]), "pong-payload")
	}
}

// TestPeerTransport_EstablishAndExchange negotiates a loopback
// connection through a MemorySignaler and round-trips data over a
// channel in each direction.
func TestPeerTransport_EstablishAndExchange(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	signaler := NewMemorySignaler()
	alpha, beta := newTransportPair(t, signaler, nil, nil)

	establishPair(t, ctx, signaler, alpha, beta)

	testutil.RequireClosed(t, alpha.Established(), 5*time.Second, "alpha established")
	testutil.RequireClosed(t, beta.Established(), 5*time.Second, "beta established")

	exchangeOverChannel(t, ctx, alpha, beta, "ping")
}

// TestPeerTransport_EstablishOverSocketSignaler negotiates through a
// SignalServer socket, the full out-of-process signaling path.
func TestPeerTransport_EstablishOverSocketSignaler(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	socketPath := startSignalServer(t)
	alphaSignaler := NewSocketSignaler(socketPath)
	betaSignaler := NewSocketSignaler(socketPath)

	alpha, err := NewPeerTransport(PeerTransportConfig{
		Name:          "audio",
		Localpart:     "session/alpha",
		PeerLocalpart: "session/beta",
		Signaler:      alphaSignaler,
		Logger:        testLogger(),
	})
	if err != nil {
		t.Fatalf("creating alpha transport: %v", err)
	}
	defer alpha.Close()

	beta, err := NewPeerTransport(PeerTransportConfig{
		Name:          "audio",
		Localpart:     "session/beta",
		PeerLocalpart: "session/alpha",
		Signaler:      betaSignaler,
		Logger:        testLogger(),
	})
	if err != nil {
		t.Fatalf("creating beta transport: %v", err)
	}
	defer beta.Close()

	offerDone := make(chan error, 1)
	go func() { offerDone <- alpha.Offer(ctx) }()

	offer := pollForOffer(t, ctx, betaSignaler, "session/beta")

	answerDone := make(chan error, 1)
	go func() { answerDone <- beta.Answer(ctx, offer) }()

	if err := testutil.RequireReceive(t, offerDone, 30*time.Second, "offerer establishment"); err != nil {
		t.Fatalf("Offer failed: %v", err)
	}
	if err := testutil.RequireReceive(t, answerDone, 30*time.Second, "answerer establishment"); err != nil {
		t.Fatalf("Answer failed: %v", err)
	}

	exchangeOverChannel(t, ctx, alpha, beta, "check")
}

// TestPeerTransport_WithAuthentication verifies that establishment
// completes the mutual Ed25519 handshake when both sides hold each
// other's public keys.
func TestPeerTransport_WithAuthentication(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	publicKeyAlpha, privateKeyAlpha := newTestKeypair(t)
	publicKeyBeta, privateKeyBeta := newTestKeypair(t)

	authAlpha := &testAuthenticator{
		privateKey: privateKeyAlpha,
		peerKeys:   map[string]ed25519.PublicKey{"session/beta": publicKeyBeta},
	}
	authBeta := &testAuthenticator{
		privateKey: privateKeyBeta,
		peerKeys:   map[string]ed25519.PublicKey{"session/alpha": publicKeyAlpha},
	}

	signaler := NewMemorySignaler()
	alpha, beta := newTransportPair(t, signaler, authAlpha, authBeta)

	establishPair(t, ctx, signaler, alpha, beta)

	exchangeOverChannel(t, ctx, alpha, beta, "authed")
}

// TestPeerTransport_AuthenticationFailure verifies that establishment
// fails and the connection is torn down when the answerer holds the
// wrong public key for the offerer.
func TestPeerTransport_AuthenticationFailure(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	_, privateKeyAlpha := newTestKeypair(t)
	publicKeyBeta, privateKeyBeta := newTestKeypair(t)
	rogueKey, _ := newTestKeypair(t)

	authAlpha := &testAuthenticator{
		privateKey: privateKeyAlpha,
		peerKeys:   map[string]ed25519.PublicKey{"session/beta": publicKeyBeta},
	}
	// Beta expects the rogue key for alpha, so alpha's signature will
	// not verify.
	authBeta := &testAuthenticator{
		privateKey: privateKeyBeta,
		peerKeys:   map[string]ed25519.PublicKey{"session/alpha": rogueKey},
	}

	signaler := NewMemorySignaler()
	alpha, beta := newTransportPair(t, signaler, authAlpha, authBeta)

	offerDone := make(chan error, 1)
	go func() { offerDone <- alpha.Offer(ctx) }()

	offer := pollForOffer(t, ctx, signaler, "session/beta")

	answerDone := make(chan error, 1)
	go func() { answerDone <- beta.Answer(ctx, offer) }()

	offerErr := testutil.RequireReceive(t, offerDone, 30*time.Second, "offerer result")
	answerErr := testutil.RequireReceive(t, answerDone, 30*time.Second, "answerer result")

	// Beta must reject alpha's signature. Alpha may fail with either a
	// verification error or a read error once beta tears down.
	if answerErr == nil {
		t.Error("expected Answer to fail against the wrong key, got nil")
	}
	if offerErr == nil && answerErr == nil {
		t.Fatal("expected at least one side to fail authentication")
	}
}

// TestPeerTransport_AnswerTimeout verifies that an offerer gives up
// when no answer arrives, using a fake clock to trigger the timeout
// deterministically.
func TestPeerTransport_AnswerTimeout(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	fakeClock := clock.Fake(time.Now())
	transport, err := NewPeerTransport(PeerTransportConfig{
		Name:          "audio",
		Localpart:     "session/alpha",
		PeerLocalpart: "session/beta",
		Signaler:      NewMemorySignaler(),
		Clock:         fakeClock,
		Logger:        testLogger(),
	})
	if err != nil {
		t.Fatalf("creating transport: %v", err)
	}
	defer transport.Close()

	offerDone := make(chan error, 1)
	go func() { offerDone <- transport.Offer(ctx) }()

	// Offer registers three waiters on its way to polling for the
	// answer: the gather timeout, the answer deadline, and the poll
	// ticker. Once all three exist the offerer is parked in its poll
	// loop, and advancing past the answer deadline must fail it.
	fakeClock.WaitForTimers(3)
	fakeClock.Advance(answerTimeout)

	err = testutil.RequireReceive(t, offerDone, 10*time.Second, "offer timeout")
	if err == nil {
		t.Fatal("expected Offer to fail with a timeout, got nil")
	}
	if !strings.Contains(err.Error(), "timed out") {
		t.Errorf("error = %q, want it to mention a timeout", err)
	}
}

// TestPeerTransport_AnswerFromWrongPeer verifies that an offer from an
// unexpected endpoint is rejected before any SDP processing.
func TestPeerTransport_AnswerFromWrongPeer(t *testing.T) {
	transport, err := NewPeerTransport(PeerTransportConfig{
		Name:          "audio",
		Localpart:     "session/beta",
		PeerLocalpart: "session/alpha",
		Signaler:      NewMemorySignaler(),
		Logger:        testLogger(),
	})
	if err != nil {
		t.Fatalf("creating transport: %v", err)
	}
	defer transport.Close()

	err = transport.Answer(context.Background(), SignalMessage{
		PeerLocalpart: "session/mallory",
		SDP:           "v=0",
	})
	if err == nil {
		t.Fatal("expected error for offer from unexpected peer, got nil")
	}
	if !strings.Contains(err.Error(), "does not match configured peer") {
		t.Errorf("error = %q, want peer mismatch", err)
	}
}

// TestPeerTransport_OpenChannelValidation verifies label validation
// independent of establishment.
func TestPeerTransport_OpenChannelValidation(t *testing.T) {
	transport, err := NewPeerTransport(PeerTransportConfig{
		Name:          "audio",
		Localpart:     "session/alpha",
		PeerLocalpart: "session/beta",
		Signaler:      NewMemorySignaler(),
		Logger:        testLogger(),
	})
	if err != nil {
		t.Fatalf("creating transport: %v", err)
	}
	defer transport.Close()

	ctx := context.Background()

	if _, err := transport.OpenChannel(ctx, ""); err == nil {
		t.Error("expected error for empty label, got nil")
	}
	for _, label := range []string{"init", "auth"} {
		if _, err := transport.OpenChannel(ctx, label); err == nil {
			t.Errorf("expected error for reserved label %q, got nil", label)
		}
	}
}

// TestPeerTransport_ConfigValidation checks that required config
// fields are enforced.
func TestPeerTransport_ConfigValidation(t *testing.T) {
	valid := func() PeerTransportConfig {
		return PeerTransportConfig{
			Name:          "audio",
			Localpart:     "session/alpha",
			PeerLocalpart: "session/beta",
			Signaler:      NewMemorySignaler(),
			Logger:        testLogger(),
		}
	}

	tests := []struct {
		name   string
		mutate func(*PeerTransportConfig)
	}{
		{name: "missing Name", mutate: func(c *PeerTransportConfig) { c.Name = "" }},
		{name: "missing Localpart", mutate: func(c *PeerTransportConfig) { c.Localpart = "" }},
		{name: "missing PeerLocalpart", mutate: func(c *PeerTransportConfig) { c.PeerLocalpart = "" }},
		{name: "missing Signaler", mutate: func(c *PeerTransportConfig) { c.Signaler = nil }},
		{name: "missing Logger", mutate: func(c *PeerTransportConfig) { c.Logger = nil }},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			config := valid()
			test.mutate(&config)
			transport, err := NewPeerTransport(config)
			if err == nil {
				transport.Close()
				t.Fatal("expected config error, got nil")
			}
		})
	}
}

// TestPeerTransport_CloseIdempotent verifies Close can be called
// multiple times and that operations after Close fail with
// net.ErrClosed.
func TestPeerTransport_CloseIdempotent(t *testing.T) {
	transport, err := NewPeerTransport(PeerTransportConfig{
		Name:          "audio",
		Localpart:     "session/alpha",
		PeerLocalpart: "session/beta",
		Signaler:      NewMemorySignaler(),
		Logger:        testLogger(),
	})
	if err != nil {
		t.Fatalf("creating transport: %v", err)
	}

	if err := transport.Close(); err != nil {
		t.Fatalf("first Close: %v", err)
	}
	if err := transport.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}

	if err := transport.Offer(context.Background()); err != net.ErrClosed {
		t.Errorf("Offer after Close = %v, want net.ErrClosed", err)
	}
	if _, err := transport.AcceptChannel(context.Background()); err != net.ErrClosed {
		t.Errorf("AcceptChannel after Close = %v, want net.ErrClosed", err)
	}
}

// TestPeerTransport_Name verifies the registry name accessor.
func TestPeerTransport_Name(t *testing.T) {
	transport, err := NewPeerTransport(PeerTransportConfig{
		Name:          "audio",
		Localpart:     "session/alpha",
		PeerLocalpart: "session/beta",
		Signaler:      NewMemorySignaler(),
		Logger:        testLogger(),
	})
	if err != nil {
		t.Fatalf("creating transport: %v", err)
	}
	defer transport.Close()

	if got := transport.Name(); got != "audio" {
		t.Errorf("Name() = %q, want %q", got, "audio")
	}
}

// TestIsCanonicalOfferer verifies the deterministic role assignment.
func TestIsCanonicalOfferer(t *testing.T) {
	if !IsCanonicalOfferer("session/alpha", "session/beta") {
		t.Error("alpha should offer to beta")
	}
	if IsCanonicalOfferer("session/beta", "session/alpha") {
		t.Error("beta should not offer to alpha")
	}
}
