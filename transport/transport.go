// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/bureau-foundation/session/lib/clock"
	"github.com/bureau-foundation/session/negotiation"
)

// Compile-time interface check: a PeerTransport is what the
// negotiation registry owns.
var _ negotiation.Transport = (*PeerTransport)(nil)

// initChannelLabel is the trigger data channel created by the offerer
// to force pion to include a data channel section in the SDP. Neither
// side sends data on it.
const initChannelLabel = "init"

// iceGatherTimeout is the maximum time to wait for ICE candidate
// gathering to complete before publishing the SDP.
const iceGatherTimeout = 15 * time.Second

// answerPollInterval is how often the offerer polls for an SDP answer
// after publishing an offer.
const answerPollInterval = 500 * time.Millisecond

// answerTimeout is the maximum time to wait for an SDP answer before
// giving up.
const answerTimeout = 30 * time.Second

// iceConnectTimeout is the maximum time to wait for the connection to
// reach the Connected state after the description exchange.
const iceConnectTimeout = 30 * time.Second

// channelOpenTimeout is the maximum time to wait for a data channel to
// transition to the open state on an established connection.
const channelOpenTimeout = 10 * time.Second

// IsCanonicalOfferer reports whether localpart should take the offerer
// role against peerLocalpart when either endpoint could initiate. The
// lexicographically smaller localpart offers, which gives concurrent
// initiators a deterministic way to avoid duplicate connections.
func IsCanonicalOfferer(localpart, peerLocalpart string) bool {
	return localpart < peerLocalpart
}

// PeerTransportConfig configures a [PeerTransport].
type PeerTransportConfig struct {
	// Name is the transport's registry name. By convention this is the
	// first mid negotiated onto the transport.
	Name string

	// Localpart identifies this endpoint in signaling
	// (e.g., "session/alpha").
	Localpart string

	// PeerLocalpart identifies the remote endpoint.
	PeerLocalpart string

	// Signaler exchanges session descriptions with the peer.
	Signaler Signaler

	// ICE is the ICE server configuration. The zero value yields host
	// candidates only.
	ICE ICEConfig

	// Authenticator, when non-nil, gates establishment on a mutual
	// challenge-response handshake. Offer and Answer fail and tear the
	// connection down if the peer cannot prove its identity.
	Authenticator PeerAuthenticator

	// Clock drives timeouts and signaling polls. Defaults to
	// clock.Real().
	Clock clock.Clock

	// Logger receives structured establishment and channel events.
	// Required.
	Logger *slog.Logger
}

// PeerTransport is one negotiated unit of connectivity between this
// endpoint and a single peer, backed by a pion PeerConnection with
// SCTP-multiplexed data channels. It is the concrete object a
// [negotiation.TransportRegistry] owns: mids map onto it, and the
// registry closes it when no mid references it anymore.
//
// A PeerTransport performs a single negotiation. The driver assigns
// roles: one endpoint calls Offer, the other polls its signaler and
// calls Answer with the received offer ([IsCanonicalOfferer] breaks
// ties when either side could initiate). After establishment, both
// sides exchange streams with OpenChannel and AcceptChannel.
//
// Signaling uses vanilla ICE: all candidates are gathered before the
// SDP is published, so establishment needs exactly one signaling
// round-trip.
type PeerTransport struct {
	name          string
	localpart     string
	peerLocalpart string
	signaler      Signaler
	authenticator PeerAuthenticator
	clock         clock.Clock
	logger        *slog.Logger

	connection *webrtc.PeerConnection

	// established is closed when ICE reaches Connected or Completed.
	established     chan struct{}
	establishedOnce sync.Once

	// inboundChannels queues data channels opened by the peer until
	// AcceptChannel collects them. authChannels carries the dedicated
	// authentication channel to the answerer's handshake.
	inboundChannels chan net.Conn
	authChannels    chan net.Conn

	closed    chan struct{}
	closeOnce sync.Once
}

// NewPeerTransport creates the transport and its underlying
// PeerConnection. No signaling happens until Offer or Answer is
// called.
func NewPeerTransport(config PeerTransportConfig) (*PeerTransport, error) {
	if config.Name == "" {
		return nil, fmt.Errorf("peer transport config: Name is required")
	}
	if config.Localpart == "" {
		return nil, fmt.Errorf("peer transport config: Localpart is required")
	}
	if config.PeerLocalpart == "" {
		return nil, fmt.Errorf("peer transport config: PeerLocalpart is required")
	}
	if config.Signaler == nil {
		return nil, fmt.Errorf("peer transport config: Signaler is required")
	}
	if config.Logger == nil {
		return nil, fmt.Errorf("peer transport config: Logger is required")
	}
	if config.Clock == nil {
		config.Clock = clock.Real()
	}

	connection, err := newPeerConnection(config.ICE)
	if err != nil {
		return nil, fmt.Errorf("creating PeerConnection: %w", err)
	}

	t := &PeerTransport{
		name:            config.Name,
		localpart:       config.Localpart,
		peerLocalpart:   config.PeerLocalpart,
		signaler:        config.Signaler,
		authenticator:   config.Authenticator,
		clock:           config.Clock,
		logger:          config.Logger,
		connection:      connection,
		established:     make(chan struct{}),
		inboundChannels: make(chan net.Conn, 16),
		authChannels:    make(chan net.Conn, 1),
		closed:          make(chan struct{}),
	}

	connection.OnDataChannel(t.handleInboundChannel)
	connection.OnICEConnectionStateChange(t.handleICEStateChange)

	return t, nil
}

// Name returns the transport's registry name.
func (t *PeerTransport) Name() string {
	return t.name
}

// Established returns a channel that is closed once ICE reaches the
// Connected or Completed state.
func (t *PeerTransport) Established() <-chan struct{} {
	return t.established
}

// Offer runs the offerer role: publish a complete SDP offer, poll for
// the peer's answer, and wait for ICE to connect. When an
// authenticator is configured, Offer also runs the mutual handshake
// before returning.
func (t *PeerTransport) Offer(ctx context.Context) error {
	select {
	case <-t.closed:
		return net.ErrClosed
	default:
	}

	// The trigger channel forces pion to include a data channel
	// section in the SDP offer. The remote side discards it.
	if _, err := t.connection.CreateDataChannel(initChannelLabel, nil); err != nil {
		return fmt.Errorf("creating init data channel: %w", err)
	}

	offer, err := t.connection.CreateOffer(nil)
	if err != nil {
		return fmt.Errorf("creating SDP offer: %w", err)
	}

	gatherComplete := webrtc.GatheringCompletePromise(t.connection)
	if err := t.connection.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("setting local description: %w", err)
	}
	if err := t.waitForGathering(ctx, gatherComplete); err != nil {
		return err
	}

	completeSDP := t.connection.LocalDescription().SDP
	if err := t.signaler.PublishOffer(ctx, t.localpart, t.peerLocalpart, completeSDP); err != nil {
		return fmt.Errorf("publishing SDP offer: %w", err)
	}
	t.logger.Info("offer published", "name", t.name, "peer", t.peerLocalpart)

	answerSDP, err := t.waitForAnswer(ctx)
	if err != nil {
		return fmt.Errorf("waiting for SDP answer from %s: %w", t.peerLocalpart, err)
	}

	answer := webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer,
		SDP:  answerSDP,
	}
	if err := t.connection.SetRemoteDescription(answer); err != nil {
		return fmt.Errorf("setting remote description: %w", err)
	}

	if err := t.waitForEstablishment(ctx); err != nil {
		return err
	}
	if err := t.authenticate(ctx, true); err != nil {
		return err
	}

	t.logger.Info("transport established",
		"name", t.name,
		"peer", t.peerLocalpart,
		"role", "offerer",
	)
	return nil
}

// Answer runs the answerer role against a received offer: publish a
// complete SDP answer and wait for ICE to connect. When an
// authenticator is configured, Answer also runs the mutual handshake
// before returning.
//
// The offer must originate from the configured peer; the caller is
// responsible for routing polled offers to the right transport.
func (t *PeerTransport) Answer(ctx context.Context, offer SignalMessage) error {
	select {
	case <-t.closed:
		return net.ErrClosed
	default:
	}

	if offer.PeerLocalpart != t.peerLocalpart {
		return fmt.Errorf("offer from %s does not match configured peer %s",
			offer.PeerLocalpart, t.peerLocalpart)
	}

	remoteOffer := webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer,
		SDP:  offer.SDP,
	}
	if err := t.connection.SetRemoteDescription(remoteOffer); err != nil {
		return fmt.Errorf("setting remote description: %w", err)
	}

	answer, err := t.connection.CreateAnswer(nil)
	if err != nil {
		return fmt.Errorf("creating SDP answer: %w", err)
	}

	gatherComplete := webrtc.GatheringCompletePromise(t.connection)
	if err := t.connection.SetLocalDescription(answer); err != nil {
		return fmt.Errorf("setting local description: %w", err)
	}
	if err := t.waitForGathering(ctx, gatherComplete); err != nil {
		return err
	}

	completeSDP := t.connection.LocalDescription().SDP
	if err := t.signaler.PublishAnswer(ctx, t.peerLocalpart, t.localpart, completeSDP); err != nil {
		return fmt.Errorf("publishing SDP answer: %w", err)
	}
	t.logger.Info("answer published", "name", t.name, "peer", t.peerLocalpart)

	if err := t.waitForEstablishment(ctx); err != nil {
		return err
	}
	if err := t.authenticate(ctx, false); err != nil {
		return err
	}

	t.logger.Info("transport established",
		"name", t.name,
		"peer", t.peerLocalpart,
		"role", "answerer",
	)
	return nil
}

// OpenChannel opens an ordered, reliable data channel with the given
// label and returns it as a net.Conn. Blocks until the transport is
// established. The "init" and "auth" labels are reserved.
func (t *PeerTransport) OpenChannel(ctx context.Context, label string) (net.Conn, error) {
	if label == "" {
		return nil, fmt.Errorf("channel label must not be empty")
	}
	if label == initChannelLabel || label == authChannelLabel {
		return nil, fmt.Errorf("channel label %q is reserved", label)
	}

	select {
	case <-t.established:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-t.closed:
		return nil, net.ErrClosed
	}

	return t.openDetachedChannel(ctx, label)
}

// AcceptChannel returns the next data channel opened by the peer,
// wrapped as a net.Conn. Blocks until a channel arrives, ctx is
// cancelled, or the transport closes.
func (t *PeerTransport) AcceptChannel(ctx context.Context) (net.Conn, error) {
	select {
	case conn := <-t.inboundChannels:
		return conn, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-t.closed:
		return nil, net.ErrClosed
	}
}

// Close shuts down the PeerConnection and all its data channels. Safe
// to call multiple times; calls after the first return nil.
func (t *PeerTransport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		close(t.closed)
		err = t.connection.Close()
		t.logger.Debug("transport closed", "name", t.name, "peer", t.peerLocalpart)
	})
	return err
}

// waitForGathering blocks until ICE candidate gathering completes, so
// the published SDP carries every candidate (vanilla ICE).
func (t *PeerTransport) waitForGathering(ctx context.Context, gatherComplete <-chan struct{}) error {
	select {
	case <-gatherComplete:
		return nil
	case <-t.clock.After(iceGatherTimeout):
		return fmt.Errorf("ICE gathering timed out after %s", iceGatherTimeout)
	case <-ctx.Done():
		return ctx.Err()
	case <-t.closed:
		return net.ErrClosed
	}
}

// waitForAnswer polls the signaler until the peer's answer arrives.
func (t *PeerTransport) waitForAnswer(ctx context.Context) (string, error) {
	deadline := t.clock.After(answerTimeout)
	ticker := t.clock.NewTicker(answerPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-deadline:
			return "", fmt.Errorf("timed out after %s", answerTimeout)
		case <-ctx.Done():
			return "", ctx.Err()
		case <-t.closed:
			return "", net.ErrClosed
		case <-ticker.C:
			answers, err := t.signaler.PollAnswers(ctx, t.localpart)
			if err != nil {
				t.logger.Warn("polling for SDP answer failed", "error", err)
				continue
			}
			for _, answer := range answers {
				if answer.PeerLocalpart == t.peerLocalpart {
					return answer.SDP, nil
				}
			}
		}
	}
}

// waitForEstablishment blocks until ICE reaches a connected state.
func (t *PeerTransport) waitForEstablishment(ctx context.Context) error {
	select {
	case <-t.established:
		return nil
	case <-t.clock.After(iceConnectTimeout):
		return fmt.Errorf("ICE did not connect within %s", iceConnectTimeout)
	case <-ctx.Done():
		return ctx.Err()
	case <-t.closed:
		return net.ErrClosed
	}
}

// authenticate runs the mutual handshake when an authenticator is
// configured. The offerer opens the auth channel; the answerer waits
// for it to arrive. Any failure tears the connection down: an
// unauthenticated peer must not keep a half-usable transport.
func (t *PeerTransport) authenticate(ctx context.Context, initiator bool) error {
	if t.authenticator == nil {
		return nil
	}

	var conn net.Conn
	var err error
	if initiator {
		conn, err = t.openDetachedChannel(ctx, authChannelLabel)
	} else {
		conn, err = t.waitForAuthChannel(ctx)
	}
	if err != nil {
		t.Close()
		return fmt.Errorf("setting up auth channel: %w", err)
	}
	defer conn.Close()

	// Run the handshake under a timeout. On expiry the connection is
	// closed, which unblocks the handshake's pending reads.
	authDone := make(chan error, 1)
	go func() {
		authDone <- runPeerAuth(conn, t.authenticator, t.localpart, t.peerLocalpart)
	}()

	select {
	case err = <-authDone:
	case <-t.clock.After(authTimeout):
		err = fmt.Errorf("authentication did not complete within %s", authTimeout)
	case <-ctx.Done():
		err = ctx.Err()
	}
	if err != nil {
		t.Close()
		return err
	}

	t.logger.Info("peer authenticated", "name", t.name, "peer", t.peerLocalpart)
	return nil
}

// waitForAuthChannel waits for the offerer's auth channel to arrive.
func (t *PeerTransport) waitForAuthChannel(ctx context.Context) (net.Conn, error) {
	select {
	case conn := <-t.authChannels:
		return conn, nil
	case <-t.clock.After(authTimeout):
		return nil, fmt.Errorf("auth channel did not arrive within %s", authTimeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-t.closed:
		return nil, net.ErrClosed
	}
}

// openDetachedChannel creates an ordered, reliable data channel, waits
// for it to open, and detaches it into a net.Conn.
func (t *PeerTransport) openDetachedChannel(ctx context.Context, label string) (net.Conn, error) {
	t.logger.Debug("opening data channel", "label", label, "peer", t.peerLocalpart)

	ordered := true
	channel, err := t.connection.CreateDataChannel(label, &webrtc.DataChannelInit{
		Ordered: &ordered,
	})
	if err != nil {
		return nil, fmt.Errorf("creating data channel %s: %w", label, err)
	}

	opened := make(chan struct{})
	channel.OnOpen(func() { close(opened) })

	select {
	case <-opened:
	case <-t.clock.After(channelOpenTimeout):
		channel.Close()
		return nil, fmt.Errorf("data channel %s did not open within %s", label, channelOpenTimeout)
	case <-ctx.Done():
		channel.Close()
		return nil, ctx.Err()
	case <-t.closed:
		channel.Close()
		return nil, net.ErrClosed
	}

	stream, err := channel.Detach()
	if err != nil {
		channel.Close()
		return nil, fmt.Errorf("detaching data channel %s: %w", label, err)
	}

	t.logger.Debug("data channel opened", "label", label, "peer", t.peerLocalpart)
	return NewDataChannelConn(stream, t.localpart+"/"+label, t.peerLocalpart+"/"+label), nil
}

// handleInboundChannel routes a data channel opened by the peer. The
// init trigger channel is discarded on open: accepting it would waste
// a goroutine blocked reading forever, and pion's SCTP implementation
// can exhibit internal lock contention when multiple streams on the
// same association have concurrent blocked reads. The auth channel is
// routed to the authentication handshake. Everything else queues for
// AcceptChannel.
func (t *PeerTransport) handleInboundChannel(channel *webrtc.DataChannel) {
	label := channel.Label()
	if label == initChannelLabel {
		channel.OnOpen(func() { channel.Close() })
		return
	}

	t.logger.Debug("inbound data channel received", "peer", t.peerLocalpart, "label", label)
	channel.OnOpen(func() {
		stream, err := channel.Detach()
		if err != nil {
			t.logger.Error("detaching inbound data channel failed",
				"peer", t.peerLocalpart,
				"label", label,
				"error", err,
			)
			return
		}

		conn := NewDataChannelConn(stream, t.localpart+"/"+label, t.peerLocalpart+"/"+label)

		queue := t.inboundChannels
		if label == authChannelLabel {
			queue = t.authChannels
		}
		select {
		case queue <- conn:
		case <-t.closed:
			conn.Close()
		}
	})
}

// handleICEStateChange closes the established gate once ICE reaches a
// connected state.
func (t *PeerTransport) handleICEStateChange(state webrtc.ICEConnectionState) {
	t.logger.Info("ICE state change", "peer", t.peerLocalpart, "state", state.String())

	switch state {
	case webrtc.ICEConnectionStateConnected, webrtc.ICEConnectionStateCompleted:
		t.establishedOnce.Do(func() { close(t.established) })
	case webrtc.ICEConnectionStateFailed:
		t.logger.Warn("ICE connection failed", "peer", t.peerLocalpart)
	}
}

// newPeerConnection creates a pion PeerConnection with data channel
// detach enabled (required for stream-oriented ReadWriteCloser access)
// and loopback ICE candidates included (required for same-machine
// peers and test environments where loopback is the only interface).
func newPeerConnection(config ICEConfig) (*webrtc.PeerConnection, error) {
	settingEngine := webrtc.SettingEngine{}
	settingEngine.DetachDataChannels()
	settingEngine.SetIncludeLoopbackCandidate(true)

	api := webrtc.NewAPI(webrtc.WithSettingEngine(settingEngine))
	return api.NewPeerConnection(webrtc.Configuration{ICEServers: config.Servers})
}
