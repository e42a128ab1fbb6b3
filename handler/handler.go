// Copyright (C) 2026 The wsrpc Authors. All Rights Reserved.

// Package handler provides adapters to the wsrpc.Handler type for
// functions with typed parameters and results.
//
// Parameters and results are bound with encoding/json, so any type that
// marshals to a JSON object can be used. A parameter value that fails to
// decode is reported to the caller as a FormationViolation without
// invoking the wrapped function.
package handler

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/wattbus/wsrpc"
)

// reqContextKey is a context key for the request value to a handler.
type reqContextKey struct{}

// ContextRequest returns the original request message passed to the
// handler, or nil if ctx has no associated request. The context passed
// to a function adapted by this package has this value.
func ContextRequest(ctx context.Context) *wsrpc.Request {
	if v := ctx.Value(reqContextKey{}); v != nil {
		return v.(*wsrpc.Request)
	}
	return nil
}

// ParamResultError adapts a function f that accepts parameters of type P
// and returns a result of type R and an error, to a wsrpc.Handler.
func ParamResultError[P, R any](f func(context.Context, P) (R, error)) wsrpc.Handler {
	return func(ctx context.Context, req *wsrpc.Request) (any, error) {
		var p P
		if err := unmarshalParams(req.Params, &p); err != nil {
			return nil, err
		}
		hctx := context.WithValue(ctx, reqContextKey{}, req)
		return f(hctx, p)
	}
}

// ParamResult adapts a function f that accepts parameters of type P and
// returns a result of type R without error, to a wsrpc.Handler.
func ParamResult[P, R any](f func(context.Context, P) R) wsrpc.Handler {
	return func(ctx context.Context, req *wsrpc.Request) (any, error) {
		var p P
		if err := unmarshalParams(req.Params, &p); err != nil {
			return nil, err
		}
		hctx := context.WithValue(ctx, reqContextKey{}, req)
		return f(hctx, p), nil
	}
}

// ParamError adapts a function f that accepts parameters of type P and
// returns an error with no result, to a wsrpc.Handler.
func ParamError[P any](f func(context.Context, P) error) wsrpc.Handler {
	return func(ctx context.Context, req *wsrpc.Request) (any, error) {
		var p P
		if err := unmarshalParams(req.Params, &p); err != nil {
			return nil, err
		}
		hctx := context.WithValue(ctx, reqContextKey{}, req)
		return nil, f(hctx, p)
	}
}

// ResultError adapts a function f that accepts no parameters and returns
// a result of type R and an error, to a wsrpc.Handler.
func ResultError[R any](f func(context.Context) (R, error)) wsrpc.Handler {
	return func(ctx context.Context, req *wsrpc.Request) (any, error) {
		hctx := context.WithValue(ctx, reqContextKey{}, req)
		return f(hctx)
	}
}

// Call invokes method on the remote peer with typed parameters and
// decodes the result into R.
func Call[P, R any](ctx context.Context, peer *wsrpc.Peer, method string, params P) (R, error) {
	var result R
	raw, err := peer.Call(ctx, method, params)
	if err != nil {
		return result, err
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return result, fmt.Errorf("decoding %s result: %w", method, err)
	}
	return result, nil
}

func unmarshalParams(data json.RawMessage, v any) error {
	if len(data) == 0 {
		data = json.RawMessage(`{}`)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return &wsrpc.RPCError{
			Code:        wsrpc.FormationViolation,
			Description: fmt.Sprintf("cannot decode params: %v", err),
		}
	}
	return nil
}
