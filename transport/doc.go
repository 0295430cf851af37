// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package transport provides the concrete connectivity units that the
// negotiation engine manages.
//
// [PeerTransport] is one negotiated connection between two endpoints,
// backed by a pion/webrtc PeerConnection with SCTP-multiplexed data
// channels. It satisfies [negotiation.Transport], so a
// TransportRegistry can own it, map mids onto it, and close it when
// no mid references it anymore. The driver assigns roles explicitly:
// one endpoint calls Offer, the other calls Answer with the offer it
// polled; [IsCanonicalOfferer] (lexicographically smaller localpart
// offers) resolves the role deterministically when either side could
// initiate. Channels opened on an established transport are detached
// pion data channels wrapped as net.Conn by [DataChannelConn].
//
// Signaling is abstracted behind the [Signaler] interface, which
// publishes and polls SDP offers and answers keyed by
// "offerer|target" localpart pairs. [MemorySignaler] is the
// in-process implementation for tests and same-process peers.
// [SignalServer] exposes the same store over a Unix socket speaking
// deterministic CBOR, with [SocketSignaler] as its client, so
// endpoints in different processes can rendezvous. [SignalMessage]
// carries the SDP payload in vanilla ICE mode: all candidates are
// gathered before publishing, so establishment needs exactly one
// signaling round-trip.
//
// When a [PeerAuthenticator] is configured, establishment completes
// only after a mutual Ed25519 challenge-response handshake over a
// dedicated "auth" data channel. This binds the connection to the
// endpoints' cryptographic identities, preventing impersonation by
// rogue peers that gain access to the signaling channel.
//
// [ICEConfig] holds STUN/TURN server configuration, built directly,
// from time-limited TURN credentials ([ICEConfigFromTURN]), or from a
// YAML file ([LoadICEConfig]). An empty config gathers host
// candidates only, sufficient for same-machine and same-LAN peers.
package transport
