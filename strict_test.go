// Copyright (C) 2026 The wsrpc Authors. All Rights Reserved.

package wsrpc

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fortytw2/leaktest"
	"github.com/wattbus/wsrpc/schema"
)

// pipeChannel is a minimal in-memory Channel for in-package tests. It
// has no transport-level ping support, so keepalive stays out of the
// way.
type pipeChannel struct {
	out chan<- []byte
	in  <-chan []byte
}

func pipePair() (a, b *pipeChannel) {
	a2b := make(chan []byte)
	b2a := make(chan []byte)
	return &pipeChannel{out: a2b, in: b2a}, &pipeChannel{out: b2a, in: a2b}
}

func (p *pipeChannel) Send(data []byte) (err error) {
	defer func() {
		if recover() != nil && err == nil {
			err = net.ErrClosed
		}
	}()
	p.out <- data
	return nil
}

func (p *pipeChannel) Recv() ([]byte, error) {
	data, ok := <-p.in
	if !ok {
		return nil, net.ErrClosed
	}
	return data, nil
}

func (p *pipeChannel) Close() (err error) {
	defer func() {
		if recover() != nil && err == nil {
			err = net.ErrClosed
		}
	}()
	close(p.out)
	return nil
}

const bootNotificationRequest = `{
	"type": "object",
	"properties": {
		"chargePointVendor": {"type": "string", "maxLength": 20},
		"chargePointModel": {"type": "string", "maxLength": 20}
	},
	"required": ["chargePointVendor", "chargePointModel"],
	"additionalProperties": false
}`

const bootNotificationResponse = `{
	"type": "object",
	"properties": {
		"status": {"type": "string"},
		"currentTime": {"type": "string"},
		"interval": {"type": "number"}
	},
	"required": ["status", "currentTime", "interval"],
	"additionalProperties": false
}`

func strictRegistry(t *testing.T) *schema.Registry {
	t.Helper()
	v, err := schema.NewValidator(schema.OCPP16, map[string]schema.MethodSchema{
		"BootNotification": {
			Request:  json.RawMessage(bootNotificationRequest),
			Response: json.RawMessage(bootNotificationResponse),
		},
	})
	if err != nil {
		t.Fatalf("NewValidator: %v", err)
	}
	reg, err := schema.NewRegistry(v)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	return reg
}

// strictPair wires two peers with the ocpp1.6 subprotocol bound and
// strict validation from reg enabled on both sides.
func strictPair(t *testing.T, reg *schema.Registry) (a, b *Peer) {
	t.Helper()
	opts := &Options{
		Protocols:  []string{schema.OCPP16},
		StrictMode: true,
		Schemas:    reg,
	}
	ca, cb := pipePair()
	a = NewPeer(opts)
	a.bind("a", schema.OCPP16, nil)
	b = NewPeer(opts)
	b.bind("b", schema.OCPP16, nil)
	a.Start(ca)
	b.Start(cb)
	return a, b
}

func TestStrictInboundCall(t *testing.T) {
	defer leaktest.Check(t)()

	a, b := strictPair(t, strictRegistry(t))
	defer a.Stop()
	defer b.Stop()

	var handled atomic.Int32
	b.Handle("BootNotification", func(ctx context.Context, req *Request) (any, error) {
		handled.Add(1)
		return map[string]any{
			"status":      "Accepted",
			"currentTime": "2024-01-01T00:00:00Z",
			"interval":    300,
		}, nil
	})

	tests := []struct {
		name     string
		params   any
		wantCode ErrorCode // "" for success
	}{
		{"valid", map[string]string{
			"chargePointVendor": "VendorX",
			"chargePointModel":  "ModelY",
		}, ""},
		{"missing-required", map[string]string{
			"chargePointVendor": "VendorX",
		}, OccurenceConstraintViolation},
		{"wrong-type", map[string]any{
			"chargePointVendor": 12,
			"chargePointModel":  "ModelY",
		}, TypeConstraintViolation},
		{"extra-property", map[string]string{
			"chargePointVendor": "VendorX",
			"chargePointModel":  "ModelY",
			"bogus":             "nope",
		}, PropertyConstraintViolation},
		{"too-long", map[string]string{
			"chargePointVendor": "an unreasonably long vendor name",
			"chargePointModel":  "ModelY",
		}, FormatViolation},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			before := handled.Load()
			_, err := a.Call(context.Background(), "BootNotification", tc.params)
			if tc.wantCode == "" {
				if err != nil {
					t.Fatalf("Call: unexpected error: %v", err)
				}
				if handled.Load() != before+1 {
					t.Error("Handler was not invoked for a valid call")
				}
				return
			}
			var rpcErr *RPCError
			if !errors.As(err, &rpcErr) {
				t.Fatalf("Call: got error %[1]T (%[1]v), want *RPCError", err)
			}
			if rpcErr.Code != tc.wantCode {
				t.Errorf("Error code: got %v, want %v", rpcErr.Code, tc.wantCode)
			}
			if handled.Load() != before {
				t.Error("Handler was invoked despite an invalid request")
			}
		})
	}
}

func TestStrictInboundResult(t *testing.T) {
	defer leaktest.Check(t)()

	a, b := strictPair(t, strictRegistry(t))
	defer a.Stop()
	defer b.Stop()

	// The handler's reply is missing required response fields; the
	// caller must see a validation failure, never the bad payload, and
	// the message counts against the sender's bad-message budget.
	b.Handle("BootNotification", func(ctx context.Context, req *Request) (any, error) {
		return map[string]string{"status": "Accepted"}, nil
	})

	bad := make(chan BadMessage, 1)
	a.OnBadMessage(func(m BadMessage) { bad <- m })

	_, err := a.Call(context.Background(), "BootNotification", map[string]string{
		"chargePointVendor": "VendorX",
		"chargePointModel":  "ModelY",
	})
	var rpcErr *RPCError
	if !errors.As(err, &rpcErr) {
		t.Fatalf("Call: got error %[1]T (%[1]v), want *RPCError", err)
	}
	if rpcErr.Code != OccurenceConstraintViolation {
		t.Errorf("Error code: got %v, want %v", rpcErr.Code, OccurenceConstraintViolation)
	}

	select {
	case m := <-bad:
		t.Logf("Bad message cause: %v", m.Cause)
	case <-time.After(5 * time.Second):
		t.Error("Invalid result did not count as a bad message")
	}
}

func TestStrictUnknownMethod(t *testing.T) {
	defer leaktest.Check(t)()

	a, b := strictPair(t, strictRegistry(t))
	defer a.Stop()
	defer b.Stop()

	b.Handle(Wildcard, func(ctx context.Context, req *Request) (any, error) {
		t.Error("Handler invoked for a method unknown to the subprotocol")
		return nil, nil
	})

	_, err := a.Call(context.Background(), "NoSuchMethod", nil)
	var rpcErr *RPCError
	if !errors.As(err, &rpcErr) {
		t.Fatalf("Call: got error %[1]T (%[1]v), want *RPCError", err)
	}
	if rpcErr.Code != NotImplemented {
		t.Errorf("Error code: got %v, want %v", rpcErr.Code, NotImplemented)
	}
}

func TestStrictConfigureFailure(t *testing.T) {
	opts := &Options{
		Protocols:  []string{"ocpp1.6", "proprietary0.1"},
		StrictMode: true,
		Schemas:    nil, // no validators registered at all
	}
	if _, err := NewServer(opts); err == nil {
		t.Error("NewServer: strict mode without validators unexpectedly accepted")
	}
	if _, err := NewClient(&ClientOptions{
		Options:  *opts,
		Endpoint: "ws://localhost:9999",
		Identity: "x",
	}); err == nil {
		t.Error("NewClient: strict mode without validators unexpectedly accepted")
	}
}

func TestStrictProtocolSubset(t *testing.T) {
	// Only the listed subprotocols require validation; others run
	// unvalidated even when a validator is absent.
	reg := strictRegistry(t)
	opts := &Options{
		Protocols:       []string{schema.OCPP16, "telemetry0.1"},
		StrictProtocols: []string{schema.OCPP16},
		Schemas:         reg,
	}
	if err := opts.checkStrict(); err != nil {
		t.Errorf("checkStrict: %v", err)
	}
	if v := opts.strictValidator("telemetry0.1"); v != nil {
		t.Error("strictValidator(telemetry0.1): got validator, want nil")
	}
	if v := opts.strictValidator(schema.OCPP16); v == nil {
		t.Error("strictValidator(ocpp1.6): got nil, want validator")
	}
}
