// Copyright (C) 2026 The wsrpc Authors. All Rights Reserved.

package peers_test

import (
	"context"
	"net"
	"testing"

	"github.com/creachadair/taskgroup"
	"github.com/fortytw2/leaktest"
	"github.com/wattbus/wsrpc"
	"github.com/wattbus/wsrpc/channel"
	"github.com/wattbus/wsrpc/peers"
)

func TestLocal(t *testing.T) {
	defer leaktest.Check(t)()

	loc := peers.NewLocal()
	loc.A.Handle("Echo", func(ctx context.Context, req *wsrpc.Request) (any, error) {
		return req.Params, nil
	})

	res, err := loc.B.Call(context.Background(), "Echo", map[string]string{"k": "v"})
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if want := `{"k":"v"}`; string(res) != want {
		t.Errorf("Result: got %s, want %s", res, want)
	}

	if err := loc.Stop(); err != nil {
		t.Errorf("Stop: %v", err)
	}
}

// chanAccepter yields channels from a Go channel until it closes.
type chanAccepter chan wsrpc.Channel

func (c chanAccepter) Accept(ctx context.Context) (wsrpc.Channel, error) {
	select {
	case ch, ok := <-c:
		if !ok {
			return nil, net.ErrClosed
		}
		return ch, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func TestLoop(t *testing.T) {
	defer leaktest.Check(t)()

	acc := make(chanAccepter)
	loop := taskgroup.Go(func() error {
		return peers.Loop(context.Background(), acc, func() *wsrpc.Peer {
			p := wsrpc.NewPeer(nil)
			p.Handle("Hello", func(ctx context.Context, req *wsrpc.Request) (any, error) {
				return map[string]string{"hello": "world"}, nil
			})
			return p
		})
	})

	// Feed one connection through the accepter and call over it.
	sch, cch := channel.Direct()
	acc <- sch
	cli := wsrpc.NewPeer(nil).Start(cch)

	res, err := cli.Call(context.Background(), "Hello", nil)
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if want := `{"hello":"world"}`; string(res) != want {
		t.Errorf("Result: got %s, want %s", res, want)
	}

	cli.Stop()
	close(acc)
	if err := loop.Wait(); err != nil {
		t.Errorf("Loop: %v", err)
	}
}
