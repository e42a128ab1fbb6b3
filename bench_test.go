// Copyright (C) 2026 The wsrpc Authors. All Rights Reserved.

package wsrpc_test

import (
	"context"
	"testing"

	"github.com/wattbus/wsrpc"
	"github.com/wattbus/wsrpc/peers"
)

func BenchmarkCall(b *testing.B) {
	loc := peers.NewLocal()
	defer loc.Stop()

	loc.A.Handle("Echo", func(ctx context.Context, req *wsrpc.Request) (any, error) {
		return req.Params, nil
	})
	ctx := context.Background()

	b.ResetTimer()
	for range b.N {
		if _, err := loc.B.Call(ctx, "Echo", nil); err != nil {
			b.Fatalf("Call: %v", err)
		}
	}
}

func BenchmarkCallParallel(b *testing.B) {
	loc := peers.NewLocalOpts(&wsrpc.Options{CallConcurrency: 32}, &wsrpc.Options{CallConcurrency: 32})
	defer loc.Stop()

	loc.A.Handle("Echo", func(ctx context.Context, req *wsrpc.Request) (any, error) {
		return req.Params, nil
	})
	ctx := context.Background()

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			if _, err := loc.B.Call(ctx, "Echo", nil); err != nil {
				b.Fatalf("Call: %v", err)
			}
		}
	})
}
