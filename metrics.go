// Copyright (C) 2026 The wsrpc Authors. All Rights Reserved.

package wsrpc

import "expvar"

// peerMetrics record peer activity counters.
type peerMetrics struct {
	frameRecv   expvar.Int
	frameSent   expvar.Int
	frameBad    expvar.Int // messages failing decode or correlation
	callIn      expvar.Int // number of inbound calls received
	callInErr   expvar.Int // number of inbound calls reporting an error
	callOut     expvar.Int // number of outbound calls initiated
	callOutErr  expvar.Int // number of outbound calls reporting an error
	callActive  expvar.Int // inbound, currently executing
	callQueued  expvar.Int // inbound, waiting for a handler slot
	callPending expvar.Int // outbound, awaiting responses
	pingSent    expvar.Int
	pongRecv    expvar.Int
	reconnects  expvar.Int // client redials after unexpected disconnect

	emap *expvar.Map
}

var rootMetrics = newPeerMetrics()

func newPeerMetrics() *peerMetrics {
	pm := &peerMetrics{emap: new(expvar.Map)}
	pm.emap.Set("frames_received", &pm.frameRecv)
	pm.emap.Set("frames_sent", &pm.frameSent)
	pm.emap.Set("frames_bad", &pm.frameBad)
	pm.emap.Set("calls_in", &pm.callIn)
	pm.emap.Set("calls_in_failed", &pm.callInErr)
	pm.emap.Set("calls_out", &pm.callOut)
	pm.emap.Set("calls_out_failed", &pm.callOutErr)
	pm.emap.Set("calls_active", &pm.callActive)
	pm.emap.Set("calls_queued", &pm.callQueued)
	pm.emap.Set("calls_pending", &pm.callPending)
	pm.emap.Set("pings_sent", &pm.pingSent)
	pm.emap.Set("pongs_received", &pm.pongRecv)
	pm.emap.Set("reconnects", &pm.reconnects)
	return pm
}
