// Package transport defines the transport façade: an opaque bidirectional
// byte-stream to a remote aggregator. The core never blocks on it and
// requires only the operations and callbacks named below.
//
// The concrete implementation, TCPChannel, is client-side only: it dials
// once under sync.Once and runs a background loop that drives the
// callbacks, carrying a raw framed stream rather than request/reply: full
// RPC semantics and encrypted transport are both out of scope, so this
// package implements only the boundary the core consumes, not a real
// upgrade handshake.
package transport

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"
)

// Channel is the interface the core requires from a transport
// collaborator.
type Channel interface {
	Connect() error
	SendText(text string) error
	SendBinary(data []byte) error
	Close() error

	OnOpen(func())
	OnMessage(func(data []byte, isBinary bool))
	OnClose(func(code int, reason string))
}

// frameKind distinguishes text from binary payloads on the wire; this is
// local framing for the stub implementation below, not part of a real
// upgrade-framed protocol.
type frameKind uint8

const (
	frameText   frameKind = 1
	frameBinary frameKind = 2
)

// TCPChannel is a minimal, unencrypted stand-in for a real upgrade-framed
// transport. It exists to let the core exercise the Channel boundary in
// tests without depending on a real aggregator.
type TCPChannel struct {
	Addr string

	mu       sync.Mutex
	conn     net.Conn
	closed   bool
	connOnce sync.Once

	onOpen    func()
	onMessage func(data []byte, isBinary bool)
	onClose   func(code int, reason string)
}

// OnOpen registers the connected callback.
func (c *TCPChannel) OnOpen(fn func()) { c.onOpen = fn }

// OnMessage registers the inbound-message callback. Ordering within this
// channel is FIFO; there is no cross-channel ordering guarantee.
func (c *TCPChannel) OnMessage(fn func(data []byte, isBinary bool)) { c.onMessage = fn }

// OnClose registers the disconnect callback.
func (c *TCPChannel) OnClose(fn func(code int, reason string)) { c.onClose = fn }

// Connect dials the remote endpoint and starts the receive loop.
func (c *TCPChannel) Connect() error {
	var err error
	c.connOnce.Do(func() {
		var conn net.Conn
		conn, err = net.Dial("tcp", c.Addr)
		if err != nil {
			return
		}
		c.mu.Lock()
		c.conn = conn
		c.mu.Unlock()
		if c.onOpen != nil {
			c.onOpen()
		}
		go c.receiveLoop(conn)
	})
	return err
}

func (c *TCPChannel) receiveLoop(conn net.Conn) {
	header := make([]byte, 5)
	for {
		if _, err := io.ReadFull(conn, header); err != nil {
			c.handleClose(err)
			return
		}
		kind := frameKind(header[0])
		n := binary.LittleEndian.Uint32(header[1:5])
		body := make([]byte, n)
		if _, err := io.ReadFull(conn, body); err != nil {
			c.handleClose(err)
			return
		}
		if c.onMessage != nil {
			c.onMessage(body, kind == frameBinary)
		}
	}
}

func (c *TCPChannel) handleClose(err error) {
	c.mu.Lock()
	already := c.closed
	c.closed = true
	c.mu.Unlock()
	if already {
		return
	}
	if c.onClose != nil {
		code := 1000
		reason := "closed"
		if err != nil && err != io.EOF {
			code = 1006
			reason = err.Error()
		}
		c.onClose(code, reason)
	}
}

func (c *TCPChannel) write(kind frameKind, data []byte) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("transport: not connected")
	}
	header := make([]byte, 5)
	header[0] = byte(kind)
	binary.LittleEndian.PutUint32(header[1:5], uint32(len(data)))
	if _, err := conn.Write(header); err != nil {
		return err
	}
	_, err := conn.Write(data)
	return err
}

// SendText sends a UTF-8 text frame.
func (c *TCPChannel) SendText(text string) error {
	return c.write(frameText, []byte(text))
}

// SendBinary sends a binary frame.
func (c *TCPChannel) SendBinary(data []byte) error {
	return c.write(frameBinary, data)
}

// Close terminates the connection and fires OnClose once.
func (c *TCPChannel) Close() error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return nil
	}
	err := conn.Close()
	c.handleClose(nil)
	return err
}
