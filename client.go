// Copyright (C) 2026 The wsrpc Authors. All Rights Reserved.

package wsrpc

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/juju/retry"
)

// Backoff defaults for the reconnect loop.
const (
	DefaultBackoffInitialDelay = 1 * time.Second
	DefaultBackoffMaxDelay     = 10 * time.Second
	DefaultBackoffFactor       = 2.0
)

// BackoffOptions shape the delay schedule between reconnect attempts:
// an exponential ramp from InitialDelay by Factor, capped at MaxDelay,
// with jitter applied when RandomisationFactor is positive.
type BackoffOptions struct {
	InitialDelay        time.Duration
	MaxDelay            time.Duration
	Factor              float64
	RandomisationFactor float64
}

func (b BackoffOptions) withDefaults() BackoffOptions {
	if b.InitialDelay <= 0 {
		b.InitialDelay = DefaultBackoffInitialDelay
	}
	if b.MaxDelay <= 0 {
		b.MaxDelay = DefaultBackoffMaxDelay
	}
	if b.Factor <= 0 {
		b.Factor = DefaultBackoffFactor
	}
	return b
}

// ClientOptions configure a Client. The embedded Options apply to the
// underlying peer connection.
type ClientOptions struct {
	Options

	// Endpoint is the server URL without the identity segment, e.g.
	// "ws://host:8080/ocpp".
	Endpoint string

	// Identity names this client; it becomes the final, URL-encoded path
	// segment of the connection URL.
	Identity string

	// Password, when non-nil, is sent as HTTP Basic credentials of the
	// form identity:password. It is raw bytes; binary passwords are
	// permitted.
	Password []byte

	// Query parameters appended to the connection URL.
	Query url.Values

	// Headers are extra HTTP headers sent with the upgrade request.
	Headers http.Header

	// Reconnect enables automatic redial after an unexpected disconnect.
	Reconnect bool

	// MaxReconnects caps the attempts of one reconnect episode. Zero
	// means unlimited.
	MaxReconnects int

	// Backoff shapes the delays between reconnect attempts.
	Backoff BackoffOptions
}

// Connection errors that make a redial pointless. The reconnect loop
// gives up immediately when a dial attempt reports one of these.
var fatalDialMessages = []string{
	"Maximum redirects exceeded",
	"Server sent no subprotocol",
	"Server sent an invalid subprotocol",
	"Server sent a subprotocol but none was requested",
	"Invalid Sec-WebSocket-Accept header",
}

func isFatalDialError(err error) bool {
	msg := err.Error()
	return slices.ContainsFunc(fatalDialMessages, func(m string) bool {
		return strings.Contains(msg, m)
	})
}

var errClientClosed = errors.New("client is closed")

// A Client dials a server and runs the peer side of the connection. The
// embedded Peer carries the RPC surface: Handle, Call, the event
// callbacks, and Wait all operate on the current connection, and
// registered handlers survive reconnects.
type Client struct {
	*Peer

	opts   ClientOptions
	dialer *websocket.Dialer

	μ            sync.Mutex
	closing      bool
	stopc        chan struct{}
	pinned       []string // protocols pinned after the first connect
	onConnecting func(attempt int)
	onProtocol   func(subprotocol string)
}

// NewClient constructs a client from the given options. It reports an
// error if the endpoint or identity is missing, or if strict mode names
// a subprotocol with no registered validator.
func NewClient(opts *ClientOptions) (*Client, error) {
	if opts == nil || opts.Endpoint == "" {
		return nil, errors.New("no endpoint configured")
	}
	if opts.Identity == "" {
		return nil, errors.New("no identity configured")
	}
	o := *opts
	o.Options = opts.Options // normalized by NewPeer below
	o.Backoff = o.Backoff.withDefaults()
	if err := o.Options.checkStrict(); err != nil {
		return nil, err
	}

	c := &Client{
		Peer: NewPeer(&o.Options),
		opts: o,
		dialer: &websocket.Dialer{
			HandshakeTimeout: 30 * time.Second,
		},
		stopc: make(chan struct{}),
	}
	c.Peer.onConnLost = c.handleConnLost
	return c, nil
}

// OnConnecting registers a callback invoked before each connection
// attempt, with the attempt number of the current episode (0 for the
// initial connect).
func (c *Client) OnConnecting(f func(attempt int)) *Client {
	c.μ.Lock()
	defer c.μ.Unlock()
	c.onConnecting = f
	return c
}

// OnProtocol registers a callback invoked with the negotiated
// subprotocol of each established connection, before OnOpen fires.
func (c *Client) OnProtocol(f func(subprotocol string)) *Client {
	c.μ.Lock()
	defer c.μ.Unlock()
	c.onProtocol = f
	return c
}

// Connect dials the server once and starts the peer. Reconnection, when
// enabled, is triggered only by an unexpected disconnect of an
// established connection, never by a failed Connect.
func (c *Client) Connect(ctx context.Context) error {
	c.μ.Lock()
	if c.closing {
		c.μ.Unlock()
		return errClientClosed
	}
	cb := c.onConnecting
	c.μ.Unlock()

	if cb != nil {
		cb(0)
	}
	return c.dial(ctx)
}

// target constructs the connection URL from the endpoint, the encoded
// identity, and the query.
func (c *Client) target() string {
	t := strings.TrimRight(c.opts.Endpoint, "/") + "/" + url.PathEscape(c.opts.Identity)
	if len(c.opts.Query) > 0 {
		t += "?" + c.opts.Query.Encode()
	}
	return t
}

// header assembles the upgrade request headers, including the Basic
// credentials when a password is configured.
func (c *Client) header() http.Header {
	h := make(http.Header, len(c.opts.Headers)+1)
	for k, vs := range c.opts.Headers {
		h[k] = slices.Clone(vs)
	}
	if c.opts.Password != nil {
		cred := append([]byte(c.opts.Identity+":"), c.opts.Password...)
		h.Set("Authorization", "Basic "+base64.StdEncoding.EncodeToString(cred))
	}
	return h
}

// dial performs one connection attempt and, on success, starts the peer
// on the new transport.
func (c *Client) dial(ctx context.Context) error {
	c.μ.Lock()
	protocols := c.opts.Protocols
	if c.pinned != nil {
		protocols = c.pinned
	}
	c.μ.Unlock()

	c.dialer.Subprotocols = protocols
	conn, resp, err := c.dialer.DialContext(ctx, c.target(), c.header())
	if err != nil {
		if resp != nil {
			return fmt.Errorf("connect: %w (HTTP %d)", err, resp.StatusCode)
		}
		return fmt.Errorf("connect: %w", err)
	}

	// A server may only select a protocol we offered, and must select
	// one when we offered any. Disagreements are fatal; retrying cannot
	// fix them.
	negotiated := conn.Subprotocol()
	switch {
	case len(protocols) > 0 && negotiated == "":
		conn.Close()
		return errors.New("Server sent no subprotocol")
	case len(protocols) == 0 && negotiated != "":
		conn.Close()
		return errors.New("Server sent a subprotocol but none was requested")
	case negotiated != "" && !slices.Contains(protocols, negotiated):
		conn.Close()
		return errors.New("Server sent an invalid subprotocol")
	}

	c.μ.Lock()
	if c.closing {
		c.μ.Unlock()
		conn.Close()
		return errClientClosed
	}
	if c.pinned == nil && negotiated != "" {
		c.pinned = []string{negotiated}
	}
	onProto := c.onProtocol
	c.μ.Unlock()

	if onProto != nil {
		onProto(negotiated)
	}
	c.Peer.bind(c.opts.Identity, negotiated, nil)
	c.Peer.Start(newWSChannel(conn))
	return nil
}

// handleConnLost runs when an established connection drops without a
// local close. It starts the reconnect episode when enabled.
func (c *Client) handleConnLost(cause error) {
	c.μ.Lock()
	reconnect := c.opts.Reconnect && !c.closing
	c.μ.Unlock()
	if !reconnect {
		return
	}
	go c.reconnectLoop(cause)
}

// reconnectLoop redials with exponential backoff until a connection is
// established, a fatal handshake error occurs, the attempt budget is
// spent, or the client is closed. Giving up closes the peer with code
// CloseGoingAway.
func (c *Client) reconnectLoop(cause error) {
	c.Peer.Wait() // reap the lost connection

	c.μ.Lock()
	if c.closing {
		c.μ.Unlock()
		return
	}
	stop := c.stopc
	c.μ.Unlock()

	// Calls issued while disconnected queue until the next transport is
	// up, preserving their order.
	c.Peer.resume()
	c.log.Info("reconnecting", "cause", cause)

	attempts := c.opts.MaxReconnects
	if attempts <= 0 {
		attempts = -1 // retry forever
	}
	b := c.opts.Backoff

	attempt := 0
	err := retry.Call(retry.CallArgs{
		Func: func() error {
			c.μ.Lock()
			if c.closing {
				c.μ.Unlock()
				return errClientClosed
			}
			cb := c.onConnecting
			c.μ.Unlock()

			attempt++
			if cb != nil {
				cb(attempt)
			}
			return c.dial(context.Background())
		},
		IsFatalError: func(err error) bool {
			return errors.Is(err, errClientClosed) || isFatalDialError(err)
		},
		NotifyFunc: func(err error, attempt int) {
			c.log.Warn("reconnect attempt failed", "attempt", attempt, "err", err)
		},
		Attempts:    attempts,
		Delay:       b.InitialDelay,
		MaxDelay:    b.MaxDelay,
		BackoffFunc: retry.ExpBackoff(b.InitialDelay, b.MaxDelay, b.Factor, b.RandomisationFactor > 0),
		Stop:        stop,
		Clock:       c.clk,
	})
	if err == nil {
		c.metrics.reconnects.Add(1)
		return
	}
	c.μ.Lock()
	closing := c.closing
	c.μ.Unlock()
	if closing || errors.Is(err, errClientClosed) {
		return
	}

	c.log.Warn("giving up reconnecting", "err", err)
	c.Peer.Close(&CloseOptions{Code: CloseGoingAway, Reason: "Giving up"})
}

// Close permanently shuts the client down, ending any reconnect episode
// in progress, and closes the current connection with the given options.
func (c *Client) Close(opts *CloseOptions) error {
	c.μ.Lock()
	if !c.closing {
		c.closing = true
		close(c.stopc)
	}
	c.μ.Unlock()
	return c.Peer.Close(opts)
}
