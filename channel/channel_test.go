// Copyright (C) 2026 The wsrpc Authors. All Rights Reserved.

package channel_test

import (
	"errors"
	"testing"
	"time"

	"github.com/creachadair/taskgroup"
	"github.com/wattbus/wsrpc"
	"github.com/wattbus/wsrpc/channel"
)

func TestDirect(t *testing.T) {
	c, s := channel.Direct()

	g := taskgroup.New(nil)
	g.Go(func() error {
		msg := []byte(`[2,"id","Ping",{}]`)
		if err := c.Send(msg); err != nil {
			t.Errorf("A Send: %v", err)
		}
		got, err := c.Recv()
		if err != nil {
			t.Errorf("A Recv: %v", err)
		}
		if string(got) != string(msg) {
			t.Errorf("Message: got %s, want %s", got, msg)
		}
		return nil
	})
	g.Go(func() error {
		msg, err := s.Recv()
		if err != nil {
			t.Errorf("B Recv: %v", err)
		}
		if err := s.Send(msg); err != nil {
			t.Errorf("B Send: %v", err)
		}
		return nil
	})
	g.Wait()

	if err := c.Close(); err != nil {
		t.Errorf("c.Close: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Errorf("s.Close: %v", err)
	}

	if err := c.Send(nil); err == nil {
		t.Error("c.Send after close did not report an error")
	}
	if err := s.Send(nil); err == nil {
		t.Error("s.Send after close did not report an error")
	}
	if msg, err := c.Recv(); err == nil {
		t.Errorf("c.Recv after close: got %q", msg)
	} else {
		t.Logf("Error OK: %v", err)
	}
	if msg, err := s.Recv(); err == nil {
		t.Errorf("s.Recv after close: got %q", msg)
	} else {
		t.Logf("Error OK: %v", err)
	}
}

func TestDirectPingPong(t *testing.T) {
	c, s := channel.Direct()

	pongs := make(chan []byte, 1)
	c.SetPongHandler(func(payload []byte) { pongs <- payload })

	// The remote endpoint answers pings while it is receiving.
	g := taskgroup.Go(func() error {
		s.Recv() // blocks servicing control traffic until close
		return nil
	})
	// Recv must be pumping on our side too for the pong to be seen.
	g2 := taskgroup.Go(func() error {
		c.Recv()
		return nil
	})

	if err := c.Ping([]byte("mark")); err != nil {
		t.Fatalf("Ping: %v", err)
	}
	select {
	case payload := <-pongs:
		if string(payload) != "mark" {
			t.Errorf("Pong payload: got %q, want %q", payload, "mark")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("No pong received")
	}

	c.Close()
	s.Close()
	g.Wait()
	g2.Wait()
}

func TestDirectCloseStatus(t *testing.T) {
	c, s := channel.Direct()

	recvErr := make(chan error, 1)
	g := taskgroup.Go(func() error {
		_, err := s.Recv()
		recvErr <- err
		return nil
	})
	// The initiator's receive loop must observe the echoed close.
	g2 := taskgroup.Go(func() error {
		_, err := c.Recv()
		recvErr <- err
		return nil
	})

	if err := c.CloseStatus(1001, "Going away"); err != nil {
		t.Fatalf("CloseStatus: %v", err)
	}

	for range 2 {
		var ce *wsrpc.CloseError
		err := <-recvErr
		if !errors.As(err, &ce) {
			t.Fatalf("Recv: got error %[1]T (%[1]v), want *CloseError", err)
		}
		if ce.Code != 1001 || ce.Reason != "Going away" {
			t.Errorf("CloseError: got (%d, %q), want (1001, Going away)", ce.Code, ce.Reason)
		}
	}

	c.Close()
	s.Close()
	g.Wait()
	g2.Wait()
}
