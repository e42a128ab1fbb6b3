// Copyright (C) 2026 The wsrpc Authors. All Rights Reserved.

package wsrpc

import (
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/juju/clock"
	"github.com/wattbus/wsrpc/schema"
)

// Default settings applied where an Options field is zero.
const (
	DefaultCallTimeout     = 1 * time.Minute
	DefaultPingInterval    = 30 * time.Second
	DefaultCallConcurrency = 1

	// closeGracePeriod bounds how long a graceful close waits for the
	// remote peer to acknowledge the close frame.
	closeGracePeriod = 5 * time.Second
)

// Options configure a Peer. The zero value is ready for use with the
// defaults described on each field. The same record configures the peers
// created by a Server or Client, which copy it at construction time.
type Options struct {
	// Protocols are the subprotocols offered (client) or accepted in
	// preference order (server). Empty means no subprotocol negotiation.
	Protocols []string

	// CallTimeout bounds each outbound call unless overridden per call.
	// Zero applies DefaultCallTimeout.
	CallTimeout time.Duration

	// PingInterval is the keepalive period. Zero applies
	// DefaultPingInterval; a negative value disables keepalive.
	PingInterval time.Duration

	// DeferPingsOnActivity postpones the next ping whenever any message
	// is sent or received.
	DeferPingsOnActivity bool

	// RespondWithDetailedErrors includes handler error messages and stack
	// traces in CALLERROR details.
	RespondWithDetailedErrors bool

	// CallConcurrency bounds simultaneous in-flight calls in each
	// direction. Zero applies DefaultCallConcurrency.
	CallConcurrency int

	// MaxBadMessages is the number of undecodable or uncorrelated
	// messages tolerated before the connection is closed with a protocol
	// error. Zero means unlimited.
	MaxBadMessages int

	// StrictMode requires schema validation of inbound call params and
	// call results for every negotiated subprotocol. To require it only
	// for some subprotocols, list them in StrictProtocols instead.
	StrictMode bool

	// StrictProtocols lists the subprotocols requiring validation.
	// Ignored when StrictMode is true.
	StrictProtocols []string

	// Schemas supplies the validators used in strict mode.
	Schemas *schema.Registry

	// Logger receives structured peer activity. Defaults to slog.Default.
	Logger *slog.Logger

	// Clock supplies timers, for tests. Defaults to the wall clock.
	Clock clock.Clock
}

// withDefaults returns a copy of o with zero fields replaced by their
// defaults. A nil receiver yields all defaults.
func (o *Options) withDefaults() Options {
	var out Options
	if o != nil {
		out = *o
		out.Protocols = slices.Clone(o.Protocols)
		out.StrictProtocols = slices.Clone(o.StrictProtocols)
	}
	if out.CallTimeout == 0 {
		out.CallTimeout = DefaultCallTimeout
	}
	if out.PingInterval == 0 {
		out.PingInterval = DefaultPingInterval
	}
	if out.CallConcurrency <= 0 {
		out.CallConcurrency = DefaultCallConcurrency
	}
	if out.Logger == nil {
		out.Logger = slog.Default()
	}
	if out.Clock == nil {
		out.Clock = clock.WallClock
	}
	return out
}

// strictSet reports the subprotocols that require validation.
func (o *Options) strictSet() []string {
	if o.StrictMode {
		return o.Protocols
	}
	return o.StrictProtocols
}

// checkStrict verifies that every subprotocol requiring validation has a
// validator registered. It is called at Server and Client construction so
// a misconfigured strict mode fails before any connection is attempted.
func (o *Options) checkStrict() error {
	for _, proto := range o.strictSet() {
		if _, ok := o.Schemas.Lookup(proto); !ok {
			return fmt.Errorf("strict mode: no validator for subprotocol %q", proto)
		}
	}
	return nil
}

// strictValidator returns the validator to apply for the negotiated
// subprotocol, or nil if validation is not required for it.
func (o *Options) strictValidator(subprotocol string) *schema.Validator {
	if subprotocol == "" || !slices.Contains(o.strictSet(), subprotocol) {
		return nil
	}
	v, _ := o.Schemas.Lookup(subprotocol)
	return v
}
