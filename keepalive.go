// Copyright (C) 2026 The wsrpc Authors. All Rights Reserved.

package wsrpc

// Keepalive sends transport-level pings on a fixed cadence and tears the
// connection down when a pong goes unanswered for a full interval. With
// DeferPingsOnActivity set, any traffic in either direction pushes the
// next ping out, so an active connection is never pinged; an outstanding
// pong obligation is not forgiven by traffic.

// keepaliveLoop runs until the connection ends. It fires whenever the
// next ping comes due: if the previous ping is still unanswered the
// connection is closed with a protocol error, otherwise a new ping is
// sent and the obligation recorded.
func (p *Peer) keepaliveLoop(pinger Pinger, done <-chan struct{}) error {
	interval := p.opts.PingInterval
	t := p.clk.NewTimer(interval)
	defer t.Stop()

	for {
		select {
		case <-done:
			return nil

		case now := <-t.Chan():
			p.μ.Lock()
			if p.state != StateOpen && p.state != StateClosing {
				p.μ.Unlock()
				return nil
			}
			if due := p.nextPingDue; now.Before(due) {
				p.μ.Unlock()
				t.Reset(due.Sub(now))
				continue
			}
			if p.pendingPong {
				p.μ.Unlock()
				p.log.Warn("ping timeout", "interval", interval)
				go p.Close(&CloseOptions{Code: CloseProtocolError, Reason: "Ping timeout", Force: true})
				return nil
			}
			p.pendingPong = true
			p.lastPingAt = now
			p.nextPingDue = now.Add(interval)
			cb := p.onPing
			p.μ.Unlock()

			if err := pinger.Ping(nil); err != nil {
				p.log.Debug("ping failed", "err", err)
				return nil
			}
			p.metrics.pingSent.Add(1)
			if cb != nil {
				cb()
			}
			t.Reset(interval)
		}
	}
}

// handlePong records a transport-level pong, clearing the outstanding
// obligation and reporting the observed round-trip time.
func (p *Peer) handlePong(payload []byte) {
	p.μ.Lock()
	p.pendingPong = false
	rtt := p.clk.Now().Sub(p.lastPingAt)
	cb := p.onPong
	p.μ.Unlock()

	p.metrics.pongRecv.Add(1)
	if cb != nil {
		cb(rtt)
	}
}
