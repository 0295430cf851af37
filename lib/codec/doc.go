// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec provides the standard CBOR encoding configuration for
// session wire protocols.
//
// Everything that crosses a socket in this module is CBOR: the signal
// server's request and response frames and the signaling envelopes
// they carry. The only non-CBOR format is the human-edited ICE server
// configuration, which is YAML.
//
// This package holds the shared encoding and decoding modes so every
// package encodes identically without duplicating configuration. The
// encoder uses Core Deterministic Encoding (RFC 8949 §4.2): sorted map
// keys, smallest integer encoding, no indefinite-length items. Same
// logical data always produces identical bytes, so frames are
// reproducible across endpoints and versions.
//
// For buffer-oriented operations:
//
//	data, err := codec.Marshal(value)
//	err = codec.Unmarshal(data, &value)
//
// For stream-oriented operations (sockets):
//
//	encoder := codec.NewEncoder(conn)
//	decoder := codec.NewDecoder(conn)
//
// Wire types in this module carry `cbor` struct tags: they are never
// marshaled to JSON, and the tag documents that contract.
package codec
