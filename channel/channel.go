// Copyright (C) 2026 The wsrpc Authors. All Rights Reserved.

// Package channel provides an in-memory implementation of the
// wsrpc.Channel interface, suitable for wiring peers together in tests
// and tools without a network transport.
package channel

import (
	"net"
	"sync"

	"github.com/wattbus/wsrpc"
)

// Direct constructs a connected pair of in-memory channels that pass
// messages directly without a transport. Messages sent to A are received
// by B and vice versa. Both endpoints support transport-level ping/pong
// and the close handshake, so a Direct pair exercises the same peer
// machinery as a WebSocket connection.
func Direct() (A, B *DirectChannel) {
	a2b := make(chan dmsg)
	b2a := make(chan dmsg)
	A = &DirectChannel{out: a2b, in: b2a}
	B = &DirectChannel{out: b2a, in: a2b}
	return
}

type dmsg struct {
	kind   int // kindData, kindPing, kindPong, kindClose
	data   []byte
	code   int
	reason string
}

const (
	kindData = iota
	kindPing
	kindPong
	kindClose
)

// A DirectChannel is one endpoint of an in-memory connection.
type DirectChannel struct {
	out chan<- dmsg
	in  <-chan dmsg

	μ         sync.Mutex
	onPong    func([]byte)
	closeSent bool
}

// Send implements a method of the [wsrpc.Channel] interface.
func (d *DirectChannel) Send(data []byte) (err error) {
	defer safeClose(&err)
	d.out <- dmsg{kind: kindData, data: data}
	return nil
}

// Recv implements a method of the [wsrpc.Channel] interface. Transport
// pings are answered automatically, matching WebSocket semantics.
func (d *DirectChannel) Recv() ([]byte, error) {
	for {
		msg, ok := <-d.in
		if !ok {
			return nil, net.ErrClosed
		}
		switch msg.kind {
		case kindData:
			return msg.data, nil

		case kindPing:
			d.sendControl(dmsg{kind: kindPong, data: msg.data})

		case kindPong:
			d.μ.Lock()
			f := d.onPong
			d.μ.Unlock()
			if f != nil {
				f(msg.data)
			}

		case kindClose:
			// Echo the close once, as a WebSocket endpoint would.
			d.μ.Lock()
			echo := !d.closeSent
			d.closeSent = true
			d.μ.Unlock()
			if echo {
				d.sendControl(dmsg{kind: kindClose, code: msg.code, reason: msg.reason})
			}
			return nil, &wsrpc.CloseError{Code: msg.code, Reason: msg.reason}
		}
	}
}

func (d *DirectChannel) sendControl(msg dmsg) {
	defer func() { recover() }() // the endpoint may already be gone
	d.out <- msg
}

// Ping implements a method of the [wsrpc.Pinger] interface.
func (d *DirectChannel) Ping(payload []byte) (err error) {
	defer safeClose(&err)
	d.out <- dmsg{kind: kindPing, data: payload}
	return nil
}

// SetPongHandler implements a method of the [wsrpc.Pinger] interface.
func (d *DirectChannel) SetPongHandler(f func(payload []byte)) {
	d.μ.Lock()
	defer d.μ.Unlock()
	d.onPong = f
}

// CloseStatus implements a method of the [wsrpc.StatusCloser] interface.
func (d *DirectChannel) CloseStatus(code int, reason string) (err error) {
	d.μ.Lock()
	if d.closeSent {
		d.μ.Unlock()
		return nil
	}
	d.closeSent = true
	d.μ.Unlock()

	defer safeClose(&err)
	d.out <- dmsg{kind: kindClose, code: code, reason: reason}
	return nil
}

// Close implements a method of the [wsrpc.Channel] interface.
func (d *DirectChannel) Close() (err error) {
	defer safeClose(&err)
	close(d.out)
	return nil
}

func safeClose(err *error) {
	if x := recover(); x != nil && *err == nil {
		*err = net.ErrClosed
	}
}

var (
	_ wsrpc.Channel      = (*DirectChannel)(nil)
	_ wsrpc.Pinger       = (*DirectChannel)(nil)
	_ wsrpc.StatusCloser = (*DirectChannel)(nil)
)
