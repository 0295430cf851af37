// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import "context"

// signalingSeparator separates the offerer and target endpoint
// localparts in a signal store key. The pipe character is not valid in
// endpoint localparts (allowed: a-z, 0-9, ., _, =, -, /) so it provides
// an unambiguous boundary.
const signalingSeparator = "|"

// Signaler abstracts the mechanism for exchanging session descriptions
// between endpoints. The production implementation talks to a
// [SignalServer] over a Unix socket; tests use [MemorySignaler].
//
// The signaling model is vanilla ICE: all ICE candidates are gathered
// before the SDP is published, so connection establishment requires
// exactly one signaling round-trip (offer then answer).
type Signaler interface {
	// PublishOffer publishes a complete SDP offer directed at a target
	// endpoint. localpart is the offerer's localpart, targetLocalpart
	// is the intended recipient. The implementation stores the SDP
	// under the key "<localpart>|<targetLocalpart>" where the target
	// can find it.
	PublishOffer(ctx context.Context, localpart, targetLocalpart, sdp string) error

	// PublishAnswer publishes a complete SDP answer in response to a
	// previously received offer. The store key matches the offer:
	// "<offererLocalpart>|<localpart>".
	PublishAnswer(ctx context.Context, offererLocalpart, localpart, sdp string) error

	// PollOffers returns all pending offers directed at this endpoint.
	// The implementation filters for offers where the target matches
	// localpart and the timestamp is newer than what was last
	// processed.
	PollOffers(ctx context.Context, localpart string) ([]SignalMessage, error)

	// PollAnswers returns all pending answers to offers originated by
	// this endpoint. The implementation filters for answers where the
	// offerer matches localpart and the timestamp is newer than what
	// was last processed.
	PollAnswers(ctx context.Context, localpart string) ([]SignalMessage, error)
}

// SignalMessage is one signaling message (offer or answer). The struct
// doubles as the wire representation in [SignalServer] poll responses,
// hence the cbor tags.
type SignalMessage struct {
	// PeerLocalpart is the localpart of the other party. For received
	// offers, this is the offerer. For received answers, this is the
	// answerer (target).
	PeerLocalpart string `cbor:"peer"`

	// SDP is the complete Session Description Protocol string with all
	// ICE candidates embedded.
	SDP string `cbor:"sdp"`

	// Timestamp is the RFC 3339 creation time of the signal, used for
	// last-seen filtering on the poll side.
	Timestamp string `cbor:"timestamp"`
}
