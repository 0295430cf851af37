// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"io"
	"net"
	"sync"
	"time"
)

// Compile-time interface check.
var _ net.Conn = (*DataChannelConn)(nil)

// DataChannelConn wraps a detached pion data channel ReadWriteCloser
// as a net.Conn. The underlying ReadWriteCloser is stream-oriented
// (SCTP handles message fragmentation and reassembly), so this behaves
// like a TCP connection from the perspective of stream protocols.
//
// Deadline support uses timer-based cancellation: when a deadline
// fires, the underlying stream is closed, causing any blocked Read or
// Write to return an error. Once a deadline has fired the connection
// is permanently broken. This matches the pattern used by net.Pipe.
type DataChannelConn struct {
	stream io.ReadWriteCloser
	local  string
	remote string

	mu         sync.Mutex
	readTimer  *time.Timer
	writeTimer *time.Timer
	expired    bool
}

// NewDataChannelConn wraps a detached pion data channel as a net.Conn.
// local and remote label the two endpoints for addressing and logging,
// typically "<localpart>/<channel label>".
func NewDataChannelConn(stream io.ReadWriteCloser, local, remote string) *DataChannelConn {
	return &DataChannelConn{
		stream: stream,
		local:  local,
		remote: remote,
	}
}

func (c *DataChannelConn) Read(buffer []byte) (int, error) {
	return c.stream.Read(buffer)
}

func (c *DataChannelConn) Write(buffer []byte) (int, error) {
	return c.stream.Write(buffer)
}

func (c *DataChannelConn) Close() error {
	c.mu.Lock()
	if c.readTimer != nil {
		c.readTimer.Stop()
		c.readTimer = nil
	}
	if c.writeTimer != nil {
		c.writeTimer.Stop()
		c.writeTimer = nil
	}
	c.mu.Unlock()
	return c.stream.Close()
}

// LocalAddr returns a synthetic address identifying the local data
// channel endpoint.
func (c *DataChannelConn) LocalAddr() net.Addr {
	return &dataChannelAddr{label: c.local}
}

// RemoteAddr returns a synthetic address identifying the remote data
// channel endpoint.
func (c *DataChannelConn) RemoteAddr() net.Addr {
	return &dataChannelAddr{label: c.remote}
}

// SetDeadline sets both read and write deadlines. A zero value clears
// the deadlines.
func (c *DataChannelConn) SetDeadline(deadline time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.readTimer = c.armLocked(c.readTimer, deadline)
	c.writeTimer = c.armLocked(c.writeTimer, deadline)
	return nil
}

// SetReadDeadline sets the read deadline. When it fires, pending and
// future reads return an error. A zero value clears the deadline.
func (c *DataChannelConn) SetReadDeadline(deadline time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.readTimer = c.armLocked(c.readTimer, deadline)
	return nil
}

// SetWriteDeadline sets the write deadline. When it fires, pending and
// future writes return an error. A zero value clears the deadline.
func (c *DataChannelConn) SetWriteDeadline(deadline time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writeTimer = c.armLocked(c.writeTimer, deadline)
	return nil
}

// armLocked replaces one deadline timer. A zero deadline leaves the
// side unarmed; a deadline in the past expires the connection
// immediately. Must be called with c.mu held.
func (c *DataChannelConn) armLocked(timer *time.Timer, deadline time.Time) *time.Timer {
	if timer != nil {
		timer.Stop()
	}
	if deadline.IsZero() || c.expired {
		return nil
	}
	remaining := time.Until(deadline)
	if remaining <= 0 {
		c.expireLocked()
		return nil
	}
	return time.AfterFunc(remaining, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.expireLocked()
	})
}

// expireLocked closes the underlying stream to unblock pending I/O.
// Must be called with c.mu held.
func (c *DataChannelConn) expireLocked() {
	if c.expired {
		return
	}
	c.expired = true
	c.stream.Close()
}

// dataChannelAddr is a synthetic net.Addr for data channel
// connections.
type dataChannelAddr struct {
	label string
}

func (a *dataChannelAddr) Network() string { return "webrtc" }
func (a *dataChannelAddr) String() string  { return a.label }
