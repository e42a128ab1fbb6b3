// Copyright (C) 2026 The wsrpc Authors. All Rights Reserved.

// Package wsrpc implements a bidirectional RPC runtime over WebSocket
// using the OCPP-J array framing (CALL, CALLRESULT, CALLERROR).
//
// Peers are symmetric: a [Server] accepts incoming upgrades and a
// [Client] dials out, but once a connection is up both sides behave
// identically. Either side registers method handlers, issues calls,
// enforces per-call timeouts and per-connection concurrency limits,
// sends keepalive pings, and shuts down cleanly.
//
// # Peers
//
// The core type defined by this package is the [Peer]. Peers
// concurrently initiate and service calls with another peer over a
// [Channel].
//
// To create a new, unstarted peer with default options:
//
//	p := wsrpc.NewPeer(nil)
//
// To start the service routines, call Start with a channel connected to
// another peer:
//
//	p.Start(ch)
//
// The peer runs until [Peer.Close] is called, the channel is closed by
// the remote peer, or the transport fails. Call [Peer.Wait] to wait for
// the peer to exit and return its status:
//
//	if err := p.Wait(); err != nil {
//	   log.Fatalf("Peer failed: %v", err)
//	}
//
// Connections established by a Server or Client construct and start
// their peers automatically.
//
// # Calls
//
// A call is an exchange between two peers, consisting of a CALL and a
// corresponding CALLRESULT or CALLERROR. Calls may propagate in either
// direction.
//
// To define method handlers for inbound calls on the peer, use the
// [Peer.Handle] method to register a handler for a method name:
//
//	func heartbeat(ctx context.Context, req *wsrpc.Request) (any, error) {
//	   return map[string]string{"currentTime": time.Now().Format(time.RFC3339)}, nil
//	}
//
//	p.Handle("Heartbeat", heartbeat)
//
// Registering the [Wildcard] method installs a fallback handler invoked
// for any call with no more specific handler.
//
// To issue a call to the remote peer, use the [Peer.Call] method:
//
//	result, err := p.Call(ctx, "Heartbeat", nil)
//	if err != nil {
//	   log.Fatalf("Call failed: %v", err)
//	}
//
// Wire-level failures are reported as [*RPCError]. Calls that time out,
// or whose connection is lost, report synthetic *RPCError values with
// code GenericError.
//
// # Callbacks
//
// A method handler may "call back" to methods of the remote peer. To do
// so, the handler uses [ContextPeer] to obtain the local peer, and
// executes its Call method. This behaves as any other call made by the
// local peer.
//
// # Strict mode
//
// With strict mode configured, inbound call params and call results are
// validated against JSON Schemas selected by the negotiated subprotocol
// before they surface. See the schema subpackage, and the StrictMode,
// StrictProtocols, and Schemas fields of [Options].
//
// # Events
//
// Connection lifecycle is observable through callback registrations on
// the peer (OnOpen, OnClosing, OnClose, OnDisconnect, OnBadMessage,
// OnPing, OnPong), on the server (OnClient, OnUpgradeAborted), and on the
// client (OnConnecting, OnProtocol). Within one connection, OnClosing always
// precedes OnClose, and OnDisconnect precedes OnClose when the
// transport drops unexpectedly.
//
// # Metrics
//
// Peers maintain a collection of metrics while running. Use the
// [Peer.Metrics] method to obtain an expvar.Map containing the metrics
// exported by the peer. Metrics are shared globally among all peers.
//
// The metrics currently exported include:
//
//   - frames_received: counter of messages received
//   - frames_sent: counter of messages sent
//   - frames_bad: counter of messages failing decode or correlation
//   - calls_in: counter of inbound calls received
//   - calls_in_failed: counter of inbound calls resulting in errors
//   - calls_active: gauge of inbound calls currently executing
//   - calls_queued: gauge of inbound calls awaiting a handler slot
//   - calls_out: counter of outbound calls initiated
//   - calls_out_failed: counter of outbound calls resulting in errors
//   - calls_pending: gauge of outbound calls awaiting responses
//   - pings_sent, pongs_received: keepalive counters
//   - reconnects: counter of successful client redials
//
// It is safe for the caller to modify the metrics map to add, update,
// and remove entries.
package wsrpc
