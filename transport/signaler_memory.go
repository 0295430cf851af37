// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"strings"
	"sync"
	"time"
)

// Compile-time interface check.
var _ Signaler = (*MemorySignaler)(nil)

// MemorySignaler is an in-process Signaler backed by plain maps. Two
// [PeerTransport] instances sharing the same MemorySignaler can
// establish connections without any network signaling, which makes it
// the signaler of choice for tests and same-process peers. It also
// serves as the store behind [SignalServer], which exposes the same
// semantics over a Unix socket.
//
// Safe for concurrent use.
type MemorySignaler struct {
	mu       sync.Mutex
	offers   map[string]SignalMessage // key: "offerer|target"
	answers  map[string]SignalMessage // key: "offerer|target"
	lastSeen map[string]time.Time     // per-consumer high-water marks
}

// NewMemorySignaler creates an empty in-process signaler.
func NewMemorySignaler() *MemorySignaler {
	return &MemorySignaler{
		offers:   make(map[string]SignalMessage),
		answers:  make(map[string]SignalMessage),
		lastSeen: make(map[string]time.Time),
	}
}

// PublishOffer stores an offer under "<localpart>|<targetLocalpart>".
// Publishing again to the same target overwrites the previous offer
// with a fresh timestamp, so the target sees it as new.
func (s *MemorySignaler) PublishOffer(_ context.Context, localpart, targetLocalpart, sdp string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := localpart + signalingSeparator + targetLocalpart
	s.offers[key] = SignalMessage{
		PeerLocalpart: localpart,
		SDP:           sdp,
		Timestamp:     time.Now().UTC().Format(time.RFC3339Nano),
	}
	return nil
}

// PublishAnswer stores an answer under "<offererLocalpart>|<localpart>",
// matching the key of the offer it responds to.
func (s *MemorySignaler) PublishAnswer(_ context.Context, offererLocalpart, localpart, sdp string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := offererLocalpart + signalingSeparator + localpart
	s.answers[key] = SignalMessage{
		PeerLocalpart: localpart,
		SDP:           sdp,
		Timestamp:     time.Now().UTC().Format(time.RFC3339Nano),
	}
	return nil
}

// PollOffers returns offers directed at localpart that have not been
// returned to it before.
func (s *MemorySignaler) PollOffers(_ context.Context, localpart string) ([]SignalMessage, error) {
	return s.pollSignals(localpart, s.offers, "offers", matchOfferKey)
}

// PollAnswers returns answers to offers from localpart that have not
// been returned to it before.
func (s *MemorySignaler) PollAnswers(_ context.Context, localpart string) ([]SignalMessage, error) {
	return s.pollSignals(localpart, s.answers, "answers", matchAnswerKey)
}

// pollSignals iterates a signal store and returns messages whose keys
// match the given matcher, filtering out already-seen timestamps. The
// seen state is tracked per consumer localpart so that distinct
// endpoints polling the same store do not shadow each other.
func (s *MemorySignaler) pollSignals(localpart string, store map[string]SignalMessage, storeLabel string, match signalKeyMatcher) ([]SignalMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var messages []SignalMessage

	for key, message := range store {
		if !match(key, localpart) {
			continue
		}

		timestamp, err := time.Parse(time.RFC3339Nano, message.Timestamp)
		if err != nil {
			continue
		}

		seenKey := storeLabel + ":" + localpart + ":" + key
		if last, ok := s.lastSeen[seenKey]; ok && !timestamp.After(last) {
			continue
		}
		s.lastSeen[seenKey] = timestamp

		messages = append(messages, message)
	}

	return messages, nil
}

// signalKeyMatcher reports whether a store key "<offerer>|<target>"
// concerns the given consumer localpart.
type signalKeyMatcher func(key, localpart string) bool

// matchOfferKey matches offers directed at localpart: the key's target
// half equals localpart and the offerer half is non-empty.
func matchOfferKey(key, localpart string) bool {
	suffix := signalingSeparator + localpart
	return strings.HasSuffix(key, suffix) && strings.TrimSuffix(key, suffix) != ""
}

// matchAnswerKey matches answers to offers from localpart: the key's
// offerer half equals localpart and the target half is non-empty.
func matchAnswerKey(key, localpart string) bool {
	prefix := localpart + signalingSeparator
	return strings.HasPrefix(key, prefix) && strings.TrimPrefix(key, prefix) != ""
}
