// Copyright (C) 2026 The wsrpc Authors. All Rights Reserved.

package wsrpc_test

import (
	"context"
	"testing"
	"time"

	"github.com/fortytw2/leaktest"
	"github.com/juju/clock/testclock"
	"github.com/wattbus/wsrpc"
	"github.com/wattbus/wsrpc/channel"
	"github.com/wattbus/wsrpc/peers"
)

func TestKeepalivePingPong(t *testing.T) {
	defer leaktest.Check(t)()

	clk := testclock.NewClock(time.Now())
	loc := peers.NewLocalOpts(&wsrpc.Options{
		PingInterval: 30 * time.Second,
		Clock:        clk,
	}, nil)
	defer loc.Stop()

	pings := make(chan struct{}, 1)
	loc.A.OnPing(func() { pings <- struct{}{} })
	pongs := make(chan time.Duration, 1)
	loc.A.OnPong(func(rtt time.Duration) { pongs <- rtt })

	// Fire the keepalive timer; the other endpoint answers the ping at
	// the transport level.
	if err := clk.WaitAdvance(30*time.Second, 5*time.Second, 1); err != nil {
		t.Fatalf("WaitAdvance: %v", err)
	}

	select {
	case <-pings:
	case <-time.After(5 * time.Second):
		t.Fatal("No ping observed")
	}
	select {
	case rtt := <-pongs:
		t.Logf("Pong RTT: %v", rtt)
	case <-time.After(5 * time.Second):
		t.Fatal("No pong observed")
	}
}

// mutePing swallows outgoing pings so the remote endpoint never pongs.
type mutePing struct {
	*channel.DirectChannel
}

func (mutePing) Ping([]byte) error { return nil }

func TestKeepalivePingTimeout(t *testing.T) {
	defer leaktest.Check(t)()

	clk := testclock.NewClock(time.Now())
	ca, cb := channel.Direct()

	a := wsrpc.NewPeer(&wsrpc.Options{
		PingInterval: 30 * time.Second,
		Clock:        clk,
	})
	b := wsrpc.NewPeer(nil)

	closed := make(chan [2]any, 1)
	a.OnClose(func(code int, reason string) { closed <- [2]any{code, reason} })

	b.Start(cb)
	a.Start(mutePing{ca})

	// First fire sends a ping that never arrives; the second finds the
	// pong still outstanding and tears the connection down.
	if err := clk.WaitAdvance(30*time.Second, 5*time.Second, 1); err != nil {
		t.Fatalf("WaitAdvance: %v", err)
	}
	if err := clk.WaitAdvance(30*time.Second, 5*time.Second, 1); err != nil {
		t.Fatalf("WaitAdvance: %v", err)
	}

	select {
	case got := <-closed:
		if got[0] != wsrpc.CloseProtocolError || got[1] != "Ping timeout" {
			t.Errorf("Close: got %v, want [1002 Ping timeout]", got)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Peer did not close on ping timeout")
	}

	a.Wait()
	b.Stop()
}

func TestKeepaliveDeferredByActivity(t *testing.T) {
	defer leaktest.Check(t)()

	clk := testclock.NewClock(time.Now())
	loc := peers.NewLocalOpts(&wsrpc.Options{
		PingInterval:         30 * time.Second,
		DeferPingsOnActivity: true,
		Clock:                clk,
	}, nil)
	defer loc.Stop()

	pongs := make(chan time.Duration, 2)
	loc.A.OnPong(func(rtt time.Duration) { pongs <- rtt })
	loc.B.Handle("Echo", func(ctx context.Context, req *wsrpc.Request) (any, error) {
		return req.Params, nil
	})

	// Traffic at the 15s mark pushes the next ping out to the 45s mark.
	if err := clk.WaitAdvance(15*time.Second, 5*time.Second, 1); err != nil {
		t.Fatalf("WaitAdvance: %v", err)
	}
	if _, err := loc.A.CallWith(context.Background(), "Echo", nil, &wsrpc.CallOptions{Timeout: time.Hour}); err != nil {
		t.Fatalf("Call: %v", err)
	}

	// The timer fires at the 30s mark but finds the deadline deferred.
	if err := clk.WaitAdvance(15*time.Second, 5*time.Second, 1); err != nil {
		t.Fatalf("WaitAdvance: %v", err)
	}
	select {
	case <-pongs:
		t.Fatal("Ping was sent despite recent activity")
	case <-time.After(100 * time.Millisecond):
	}

	// At the 45s mark the deferred ping goes out.
	if err := clk.WaitAdvance(15*time.Second, 5*time.Second, 1); err != nil {
		t.Fatalf("WaitAdvance: %v", err)
	}
	select {
	case <-pongs:
	case <-time.After(5 * time.Second):
		t.Fatal("Deferred ping was never sent")
	}
}
