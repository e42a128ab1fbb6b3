// Copyright (C) 2026 The wsrpc Authors. All Rights Reserved.

package handler_test

import (
	"context"
	"errors"
	"testing"

	"github.com/fortytw2/leaktest"
	"github.com/wattbus/wsrpc"
	"github.com/wattbus/wsrpc/handler"
	"github.com/wattbus/wsrpc/peers"
)

type bootReq struct {
	Vendor string `json:"chargePointVendor"`
	Model  string `json:"chargePointModel"`
}

type bootRes struct {
	Status   string `json:"status"`
	Interval int    `json:"interval"`
}

func TestParamResultError(t *testing.T) {
	defer leaktest.Check(t)()

	loc := peers.NewLocal()
	defer loc.Stop()

	loc.A.Handle("BootNotification", handler.ParamResultError(
		func(ctx context.Context, req bootReq) (bootRes, error) {
			if req.Vendor == "" {
				return bootRes{}, &wsrpc.RPCError{Code: wsrpc.GenericError, Description: "vendor required"}
			}
			if r := handler.ContextRequest(ctx); r == nil || r.Method != "BootNotification" {
				return bootRes{}, errors.New("context request missing")
			}
			return bootRes{Status: "Accepted", Interval: 300}, nil
		}))

	res, err := handler.Call[bootReq, bootRes](context.Background(), loc.B, "BootNotification", bootReq{
		Vendor: "VendorX",
		Model:  "ModelY",
	})
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if res.Status != "Accepted" || res.Interval != 300 {
		t.Errorf("Result: got %+v", res)
	}

	_, err = handler.Call[bootReq, bootRes](context.Background(), loc.B, "BootNotification", bootReq{})
	var rpcErr *wsrpc.RPCError
	if !errors.As(err, &rpcErr) || rpcErr.Description != "vendor required" {
		t.Errorf("Call: got %v, want vendor required", err)
	}
}

func TestParamDecodeFailure(t *testing.T) {
	defer leaktest.Check(t)()

	loc := peers.NewLocal()
	defer loc.Stop()

	type strict struct {
		N int `json:"n"`
	}
	invoked := false
	loc.A.Handle("Sum", handler.ParamResult(func(ctx context.Context, req strict) map[string]int {
		invoked = true
		return map[string]int{"n": req.N}
	}))

	// Params that cannot bind to the declared type are refused before
	// the function runs.
	_, err := loc.B.Call(context.Background(), "Sum", map[string]any{"n": "seventeen"})
	var rpcErr *wsrpc.RPCError
	if !errors.As(err, &rpcErr) {
		t.Fatalf("Call: got error %[1]T (%[1]v), want *RPCError", err)
	}
	if rpcErr.Code != wsrpc.FormationViolation {
		t.Errorf("Code: got %v, want %v", rpcErr.Code, wsrpc.FormationViolation)
	}
	if invoked {
		t.Error("Handler ran despite undecodable params")
	}
}

func TestParamError(t *testing.T) {
	defer leaktest.Check(t)()

	loc := peers.NewLocal()
	defer loc.Stop()

	got := make(chan string, 1)
	loc.A.Handle("Log", handler.ParamError(func(ctx context.Context, req map[string]string) error {
		got <- req["line"]
		return nil
	}))

	res, err := loc.B.Call(context.Background(), "Log", map[string]string{"line": "hello"})
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if string(res) != "{}" {
		t.Errorf("Result: got %s, want {}", res)
	}
	if line := <-got; line != "hello" {
		t.Errorf("Line: got %q, want %q", line, "hello")
	}
}

func TestResultError(t *testing.T) {
	defer leaktest.Check(t)()

	loc := peers.NewLocal()
	defer loc.Stop()

	loc.A.Handle("Heartbeat", handler.ResultError(func(ctx context.Context) (map[string]string, error) {
		return map[string]string{"currentTime": "2024-01-01T00:00:00Z"}, nil
	}))

	res, err := handler.Call[struct{}, map[string]string](context.Background(), loc.B, "Heartbeat", struct{}{})
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if res["currentTime"] != "2024-01-01T00:00:00Z" {
		t.Errorf("Result: got %v", res)
	}
}
