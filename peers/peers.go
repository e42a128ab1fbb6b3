// Copyright (C) 2026 The wsrpc Authors. All Rights Reserved.

// Package peers provides support code for managing and testing peers.
package peers

import (
	"context"
	"errors"
	"net"

	"github.com/creachadair/taskgroup"
	"github.com/wattbus/wsrpc"
	"github.com/wattbus/wsrpc/channel"
)

// Local is a pair of in-memory connected peers, suitable for testing.
type Local struct {
	A *wsrpc.Peer
	B *wsrpc.Peer
}

// Stop shuts down both the peers and blocks until both have exited.
func (p *Local) Stop() error {
	aerr := p.A.Stop()
	berr := p.B.Stop()
	if aerr != nil {
		return aerr
	}
	return berr
}

// NewLocal creates a pair of in-memory connected peers with default
// options, communicating over a direct channel.
func NewLocal() *Local { return NewLocalOpts(nil, nil) }

// NewLocalOpts creates a pair of in-memory connected peers with the
// given options for each side.
func NewLocalOpts(aOpts, bOpts *wsrpc.Options) *Local {
	a2b, b2a := channel.Direct()
	return &Local{
		A: wsrpc.NewPeer(aOpts).Start(a2b),
		B: wsrpc.NewPeer(bOpts).Start(b2a),
	}
}

// An Accepter produces channels for inbound connections.
type Accepter interface {
	Accept(context.Context) (wsrpc.Channel, error)
}

// Loop accepts connections from acc and starts a peer for each one in a
// goroutine. Loop continues until acc closes or ctx ends.
//
// When ctx terminates, all running peers are stopped. When acc closes,
// the loop waits for running peers to exit before returning.
func Loop(ctx context.Context, acc Accepter, newPeer func() *wsrpc.Peer) error {
	g := taskgroup.New(nil)
	for {
		ch, err := acc.Accept(ctx)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				err = nil
			}
			g.Wait()
			return err
		}

		g.Go(func() error {
			sctx, cancel := context.WithCancel(ctx)
			defer cancel()

			peer := newPeer().Start(ch)
			go func() { <-sctx.Done(); peer.Stop() }()
			return peer.Wait()
		})
	}
}
