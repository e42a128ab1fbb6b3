// Copyright (C) 2026 The wsrpc Authors. All Rights Reserved.

package wsrpc

import (
	"context"
	"encoding/json"
	"errors"
	"expvar"
	"fmt"
	"io"
	"log/slog"
	"net"
	"runtime/debug"
	"sync"
	"time"

	"github.com/creachadair/taskgroup"
	"github.com/juju/clock"
	"github.com/oklog/ulid/v2"
	"github.com/wattbus/wsrpc/schema"
)

// A Channel is a reliable ordered stream of discrete messages shared by
// two peers. Each message carries one complete frame.
//
// The methods of an implementation must be safe for concurrent use by
// one sender and one receiver.
type Channel interface {
	// Send the message to the receiver.
	Send([]byte) error

	// Receive the next available message from the channel.
	Recv() ([]byte, error)

	// Close the channel, causing any pending send or receive operations
	// to terminate and report an error. After a channel is closed, all
	// further operations on it must report an error.
	Close() error
}

// Pinger is an optional interface for channels whose transport supports
// ping and pong control messages. A peer uses it for keepalive when
// available; otherwise keepalive is disabled for the connection.
type Pinger interface {
	// Ping sends a transport-level ping carrying payload.
	Ping(payload []byte) error

	// SetPongHandler registers a callback for transport-level pongs.
	SetPongHandler(func(payload []byte))
}

// StatusCloser is an optional interface for channels whose transport can
// convey a close code and reason, such as a WebSocket close frame.
type StatusCloser interface {
	// CloseStatus announces a close with the given status to the remote
	// endpoint without tearing down the transport.
	CloseStatus(code int, reason string) error
}

// A CloseError reports that the transport was closed with a status code.
// Channel implementations return it from Recv when the remote endpoint
// performed a close handshake.
type CloseError struct {
	Code   int
	Reason string
}

// Error satisfies the error interface.
func (e *CloseError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("connection closed (%d)", e.Code)
	}
	return fmt.Sprintf("connection closed (%d): %s", e.Code, e.Reason)
}

// WebSocket close codes used by this package.
const (
	CloseNormal        = 1000 // default close
	CloseGoingAway     = 1001 // shutdown, or a client giving up on reconnects
	CloseProtocolError = 1002 // bad-message threshold or ping timeout
	CloseAbnormal      = 1006 // connection dropped without a close frame
)

// State is the lifecycle state of a peer connection.
type State int

const (
	StateConnecting State = iota // transport not yet (re)established
	StateOpen                    // connected, calls flowing
	StateClosing                 // close initiated, draining
	StateClosed                  // connection finished
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "CONNECTING"
	case StateOpen:
		return "OPEN"
	case StateClosing:
		return "CLOSING"
	case StateClosed:
		return "CLOSED"
	default:
		return fmt.Sprintf("STATE:%d", int(s))
	}
}

// Wildcard is the method name whose handler serves any call with no more
// specific handler registered.
const Wildcard = "*"

// A Request is an inbound call delivered to a Handler.
type Request struct {
	Method string
	Params json.RawMessage
	ID     string // the wire message ID, unique per connection
	Peer   *Peer  // the peer that received the call
}

// A Handler processes a call from the remote peer. The result is encoded
// as the CALLRESULT payload and must marshal to a JSON object; nil
// encodes as an empty object.
//
// An error returned by a handler is reported to the caller as a
// CALLERROR. A handler may return an *RPCError to control the code,
// description, and details; any other error is reported as InternalError
// with its text withheld unless the peer was configured with
// RespondWithDetailedErrors.
type Handler func(context.Context, *Request) (any, error)

// A FrameLogger logs a message exchanged with the remote peer.
type FrameLogger func(FrameInfo)

// A FrameInfo combines a raw message, its decoded frame if decoding
// succeeded, and the transfer direction.
type FrameInfo struct {
	Frame *Frame // nil when the message failed to decode
	Data  []byte // the raw message
	Sent  bool   // whether the message was sent (true) or received (false)
}

func (f FrameInfo) dir() string {
	if f.Sent {
		return "send"
	}
	return "recv"
}

func (f FrameInfo) String() string {
	if f.Frame == nil {
		return fmt.Sprintf("%s raw %q", f.dir(), f.Data)
	}
	return fmt.Sprintf("%s %v", f.dir(), f.Frame)
}

// A BadMessage describes a received message that failed to decode or
// could not be correlated with a pending call.
type BadMessage struct {
	Data  []byte
	Cause error
	Count int // the peer's running bad-message count, including this one
}

// CallOptions adjust a single outbound call.
type CallOptions struct {
	// Timeout overrides the peer's default call timeout when positive.
	Timeout time.Duration

	// NoReply completes the call as soon as the frame is written, without
	// awaiting a response. The result of such a call is always nil.
	NoReply bool
}

// CloseOptions control the close handshake of a peer connection.
type CloseOptions struct {
	Code         int    // close code, default CloseNormal
	Reason       string // close reason text
	AwaitPending bool   // drain in-flight calls before closing
	Force        bool   // terminate the transport without a close frame
}

type outcome struct {
	result json.RawMessage
	err    error
}

// pendingCall tracks one outbound call awaiting its response.
type pendingCall struct {
	id        string
	method    string
	done      chan outcome // buffered, capacity 1
	delivered bool         // guarded by the peer mutex
	timer     clock.Timer  // guarded by the peer mutex
}

// pendingResponse tracks one inbound call being handled.
type pendingResponse struct {
	cancel  context.CancelFunc
	replied bool // guarded by the peer mutex
}

// A Peer implements one side of an OCPP-J RPC connection. Both sides of
// a connection behave identically once the transport is up: either may
// register handlers, issue calls, and initiate a close.
//
// Construct a peer with NewPeer and call Start with a channel to begin
// the service routines. A peer runs until Close is called or the channel
// fails; use Wait to wait for the peer to exit and report its status.
// After Wait completes, the peer may be restarted with a new channel;
// registered handlers and callbacks survive a restart.
//
// Use Handle to register method handlers and Call to invoke methods on
// the remote peer. Both are safe for concurrent use.
type Peer struct {
	opts      Options
	log       *slog.Logger
	clk       clock.Clock
	metrics   *peerMetrics
	validator *schema.Validator // nil unless strict mode applies

	in    interface{ Recv() ([]byte, error) }
	tasks *taskgroup.Group
	out   struct {
		// Must hold the lock to send to or set ch.
		sync.Mutex
		ch Channel
	}

	μ       sync.Mutex
	drained *sync.Cond // signaled when pending work completes

	state       State
	identity    string
	subprotocol string
	session     any
	err         error // terminal transport or protocol error

	ocall   map[string]*pendingCall     // outbound calls awaiting responses
	icall   map[string]*pendingResponse // inbound calls being handled
	iqueue  []*Frame                    // inbound calls awaiting a handler slot
	iactive int                         // inbound calls currently executing

	slots   int             // free outbound call slots
	waiters []chan struct{} // outbound callers awaiting a slot, FIFO

	sendq [][]byte // frames buffered while connecting

	badMessages int
	pendingPong bool
	lastPingAt  time.Time
	nextPingDue time.Time

	connDone      chan struct{} // closed when the current connection is lost
	closeOverride *CloseError   // locally initiated close status

	handlers map[string]Handler
	plog     FrameLogger
	base     func() context.Context

	onOpen       func()
	onClosing    func()
	onClose      func(code int, reason string)
	onDisconnect func(err error)
	onBadMessage func(BadMessage)
	onPing       func()
	onPong       func(rtt time.Duration)
	onConnLost   func(err error) // internal reconnect hook
	onRetire     func()          // internal registry removal hook
}

// NewPeer constructs a new unstarted peer with the given options. A nil
// opts applies the defaults.
func NewPeer(opts *Options) *Peer {
	o := opts.withDefaults()
	p := &Peer{
		opts:     o,
		log:      o.Logger.With("component", "peer"),
		clk:      o.Clock,
		metrics:  rootMetrics,
		state:    StateConnecting,
		ocall:    make(map[string]*pendingCall),
		icall:    make(map[string]*pendingResponse),
		handlers: make(map[string]Handler),
		slots:    o.CallConcurrency,
		base:     context.Background,
	}
	p.drained = sync.NewCond(&p.μ)
	return p
}

// bind records the connection identity before Start. It is called by the
// server on upgrade and by the client on dial.
func (p *Peer) bind(identity, subprotocol string, session any) {
	p.μ.Lock()
	defer p.μ.Unlock()
	p.identity = identity
	p.subprotocol = subprotocol
	p.session = session
	p.validator = p.opts.strictValidator(subprotocol)
	p.log = p.opts.Logger.With("component", "peer", "identity", identity)
}

// Start starts the peer running on the given channel and transitions it
// to StateOpen, flushing any frames buffered while connecting. Start does
// not block; call Wait to wait for the peer to exit.
func (p *Peer) Start(ch Channel) *Peer {
	p.μ.Lock()
	if p.in != nil {
		p.μ.Unlock()
		panic("peer is already started")
	}
	g := taskgroup.New(nil)
	p.in = ch
	p.tasks = g
	p.err = nil
	p.state = StateOpen
	p.badMessages = 0
	p.pendingPong = false
	p.closeOverride = nil
	p.nextPingDue = p.clk.Now().Add(p.opts.PingInterval)
	p.connDone = make(chan struct{})
	done := p.connDone
	sendq := p.sendq
	p.sendq = nil
	cb := p.onOpen
	p.μ.Unlock()

	p.out.Lock()
	p.out.ch = ch
	p.out.Unlock()

	pinger, canPing := ch.(Pinger)
	if canPing {
		pinger.SetPongHandler(p.handlePong)
	}

	for _, data := range sendq {
		if err := p.sendFrame(data, nil); err != nil {
			break // the receive loop will observe the failure
		}
	}

	g.Go(p.recvLoop)
	if canPing && p.opts.PingInterval > 0 {
		g.Go(func() error { return p.keepaliveLoop(pinger, done) })
	}

	if cb != nil {
		cb()
	}
	return p
}

// Metrics returns a metrics map for the peer. It is safe for the caller
// to add additional metrics to the map while the peer is active.
func (p *Peer) Metrics() *expvar.Map { return p.metrics.emap }

// State reports the current lifecycle state of the peer.
func (p *Peer) State() State {
	p.μ.Lock()
	defer p.μ.Unlock()
	return p.state
}

// Identity reports the identity the connection was established under.
func (p *Peer) Identity() string {
	p.μ.Lock()
	defer p.μ.Unlock()
	return p.identity
}

// Subprotocol reports the negotiated subprotocol, or "" if none.
func (p *Peer) Subprotocol() string {
	p.μ.Lock()
	defer p.μ.Unlock()
	return p.subprotocol
}

// Session returns the opaque session value attached by the server's auth
// callback, or nil.
func (p *Peer) Session() any {
	p.μ.Lock()
	defer p.μ.Unlock()
	return p.session
}

// BadMessages reports the number of bad messages received on the current
// connection.
func (p *Peer) BadMessages() int {
	p.μ.Lock()
	defer p.μ.Unlock()
	return p.badMessages
}

// Handle registers a handler for the specified method. It is safe to
// call this while the peer is running. Passing a nil handler removes any
// handler for the method. Registering the Wildcard method installs a
// fallback invoked for any call with no specific handler. Handle returns
// p to permit chaining.
func (p *Peer) Handle(method string, handler Handler) *Peer {
	p.μ.Lock()
	defer p.μ.Unlock()
	if handler == nil {
		delete(p.handlers, method)
	} else {
		p.handlers[method] = handler
	}
	return p
}

// LogFrames registers a callback invoked for each message exchanged with
// the remote peer, including messages that fail to decode. Passing nil
// disables frame logging. The logger is invoked synchronously with
// dispatch, prior to sending or handling a message.
func (p *Peer) LogFrames(log FrameLogger) *Peer {
	p.μ.Lock()
	defer p.μ.Unlock()
	p.plog = log
	return p
}

// NewContext registers a function that will be called to create a new
// base context for method handlers. If it is not set a background
// context is used.
func (p *Peer) NewContext(base func() context.Context) *Peer {
	p.μ.Lock()
	defer p.μ.Unlock()
	if base == nil {
		p.base = context.Background
	} else {
		p.base = base
	}
	return p
}

// OnOpen registers a callback invoked when the connection reaches
// StateOpen. Only one callback is kept; nil removes it.
func (p *Peer) OnOpen(f func()) *Peer {
	p.μ.Lock()
	defer p.μ.Unlock()
	p.onOpen = f
	return p
}

// OnClosing registers a callback invoked when a close is initiated.
func (p *Peer) OnClosing(f func()) *Peer {
	p.μ.Lock()
	defer p.μ.Unlock()
	p.onClosing = f
	return p
}

// OnClose registers a callback invoked exactly once per connection when
// it reaches StateClosed, with the observed close code and reason.
func (p *Peer) OnClose(f func(code int, reason string)) *Peer {
	p.μ.Lock()
	defer p.μ.Unlock()
	p.onClose = f
	return p
}

// OnDisconnect registers a callback invoked when the connection drops
// without a locally initiated close. It fires before OnClose.
func (p *Peer) OnDisconnect(f func(err error)) *Peer {
	p.μ.Lock()
	defer p.μ.Unlock()
	p.onDisconnect = f
	return p
}

// OnBadMessage registers a callback invoked for each received message
// that fails to decode or correlate.
func (p *Peer) OnBadMessage(f func(BadMessage)) *Peer {
	p.μ.Lock()
	defer p.μ.Unlock()
	p.onBadMessage = f
	return p
}

// OnPing registers a callback invoked each time a keepalive ping is
// sent to the remote peer.
func (p *Peer) OnPing(f func()) *Peer {
	p.μ.Lock()
	defer p.μ.Unlock()
	p.onPing = f
	return p
}

// OnPong registers a callback invoked when a keepalive pong arrives,
// with the observed round-trip time.
func (p *Peer) OnPong(f func(rtt time.Duration)) *Peer {
	p.μ.Lock()
	defer p.μ.Unlock()
	p.onPong = f
	return p
}

// Call invokes method on the remote peer with the given params and
// blocks until the response arrives, the call times out, ctx ends, or
// the connection is lost. params must marshal to a JSON object; nil
// sends an empty object.
//
// A wire-level failure is reported as an *RPCError. Timeouts and
// connection loss are reported as *RPCError values with code
// GenericError, matching what a conforming remote would produce.
func (p *Peer) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	return p.CallWith(ctx, method, params, nil)
}

// CallWith is Call with per-call options.
func (p *Peer) CallWith(ctx context.Context, method string, params any, opts *CallOptions) (_ json.RawMessage, err error) {
	p.metrics.callOut.Add(1)
	defer func() {
		if err != nil {
			p.metrics.callOutErr.Add(1)
		}
	}()

	payload, err := marshalObject(params)
	if err != nil {
		return nil, fmt.Errorf("encoding params: %w", err)
	}

	p.μ.Lock()
	st := p.state
	p.μ.Unlock()
	if st == StateClosing || st == StateClosed {
		return nil, errClosing()
	}

	if err := p.acquireSlot(ctx); err != nil {
		return nil, err
	}
	defer p.releaseSlot()

	timeout := p.opts.CallTimeout
	noReply := false
	if opts != nil {
		if opts.Timeout > 0 {
			timeout = opts.Timeout
		}
		noReply = opts.NoReply
	}

	id := ulid.Make().String()
	frame := &Frame{Type: MessageCall, ID: id, Method: method, Payload: payload}
	data := frame.Encode()

	if noReply {
		if err := p.transmit(data, frame); err != nil {
			return nil, errDisconnected()
		}
		return nil, nil
	}

	pc := &pendingCall{id: id, method: method, done: make(chan outcome, 1)}
	p.μ.Lock()
	if p.state == StateClosing || p.state == StateClosed {
		p.μ.Unlock()
		return nil, errClosing()
	}
	p.ocall[id] = pc
	p.μ.Unlock()
	p.metrics.callPending.Add(1)
	defer p.metrics.callPending.Add(-1)

	if err := p.transmit(data, frame); err != nil {
		p.μ.Lock()
		p.removeCallLocked(pc)
		p.μ.Unlock()
		return nil, errDisconnected()
	}

	// Arm the deadline, unless the response already arrived.
	p.μ.Lock()
	if !pc.delivered {
		pc.timer = p.clk.AfterFunc(timeout, func() { p.expireCall(id) })
	}
	p.μ.Unlock()

	select {
	case out := <-pc.done:
		return out.result, out.err

	case <-ctx.Done():
		p.μ.Lock()
		delivered := pc.delivered
		if !delivered {
			p.removeCallLocked(pc)
		}
		p.μ.Unlock()
		if delivered {
			out := <-pc.done
			return out.result, out.err
		}
		return nil, fmt.Errorf("Call aborted: %w", ctx.Err())
	}
}

// SendRaw transmits a pre-encoded message verbatim. The message is not
// validated or tracked; the caller is responsible for its framing.
func (p *Peer) SendRaw(data []byte) error { return p.transmit(data, nil) }

// acquireSlot admits an outbound call in strict arrival order, blocking
// while CallConcurrency calls are already in flight.
func (p *Peer) acquireSlot(ctx context.Context) error {
	p.μ.Lock()
	if p.slots > 0 && len(p.waiters) == 0 {
		p.slots--
		p.μ.Unlock()
		return nil
	}
	w := make(chan struct{})
	p.waiters = append(p.waiters, w)
	p.μ.Unlock()

	select {
	case <-w:
		return nil
	case <-ctx.Done():
		p.μ.Lock()
		select {
		case <-w:
			// The slot was granted while we were giving up; pass it on.
			p.releaseSlotLocked()
		default:
			for i, q := range p.waiters {
				if q == w {
					p.waiters = append(p.waiters[:i], p.waiters[i+1:]...)
					break
				}
			}
		}
		p.μ.Unlock()
		return fmt.Errorf("Call aborted: %w", ctx.Err())
	}
}

func (p *Peer) releaseSlot() {
	p.μ.Lock()
	defer p.μ.Unlock()
	p.releaseSlotLocked()
}

func (p *Peer) releaseSlotLocked() {
	if len(p.waiters) > 0 {
		w := p.waiters[0]
		p.waiters = p.waiters[1:]
		close(w)
	} else {
		p.slots++
	}
}

// transmit writes data to the transport, or buffers it while the peer is
// still connecting. Buffered frames flush in order on transition to
// StateOpen.
func (p *Peer) transmit(data []byte, f *Frame) error {
	p.μ.Lock()
	switch p.state {
	case StateConnecting:
		p.sendq = append(p.sendq, data)
		p.μ.Unlock()
		return nil
	case StateClosed:
		p.μ.Unlock()
		return net.ErrClosed
	}
	p.μ.Unlock()
	return p.sendFrame(data, f)
}

func (p *Peer) sendFrame(data []byte, f *Frame) error {
	// Take the frame logger and activity bookkeeping before the send
	// lock; the peer mutex is never acquired while holding it.
	p.logFrame(FrameInfo{Frame: f, Data: data, Sent: true})
	p.noteActivity()

	p.out.Lock()
	defer p.out.Unlock()
	if p.out.ch == nil {
		return net.ErrClosed
	}
	p.metrics.frameSent.Add(1)
	return p.out.ch.Send(data)
}

func (p *Peer) logFrame(info FrameInfo) {
	p.μ.Lock()
	plog := p.plog
	p.μ.Unlock()
	if plog != nil {
		plog(info)
	}
}

func (p *Peer) closeOut() {
	p.out.Lock()
	defer p.out.Unlock()
	if p.out.ch != nil {
		p.out.ch.Close()
	}
}

// recvLoop reads and dispatches messages until the transport fails.
func (p *Peer) recvLoop() error {
	for {
		data, err := p.in.Recv()
		if err != nil {
			p.connectionLost(err)
			return nil
		}
		p.metrics.frameRecv.Add(1)
		p.noteActivity()
		p.dispatchMessage(data)
	}
}

// dispatchMessage classifies one received message and routes it. Nothing
// a remote peer sends is protocol fatal by itself; malformed traffic is
// tallied until it crosses the bad-message threshold.
func (p *Peer) dispatchMessage(data []byte) {
	f, err := ParseFrame(data)
	p.logFrame(FrameInfo{Frame: f, Data: data, Sent: false})
	if err != nil {
		p.badMessage(data, err)
		return
	}
	switch f.Type {
	case MessageCall:
		p.dispatchCall(f)
	case MessageResult:
		p.dispatchResult(f, data)
	case MessageError:
		p.dispatchError(f, data)
	}
}

// badMessage tallies an undecodable or uncorrelated message and closes
// the connection with a protocol error once the count crosses the
// configured threshold.
func (p *Peer) badMessage(data []byte, cause error) {
	p.metrics.frameBad.Add(1)
	p.μ.Lock()
	p.badMessages++
	n := p.badMessages
	cb := p.onBadMessage
	over := p.opts.MaxBadMessages > 0 && n > p.opts.MaxBadMessages
	p.μ.Unlock()

	p.log.Warn("bad message", "count", n, "cause", cause)
	if cb != nil {
		cb(BadMessage{Data: data, Cause: cause, Count: n})
	}
	if over {
		go p.Close(&CloseOptions{Code: CloseProtocolError, Reason: "Protocol error"})
	}
}

// dispatchCall admits an inbound call, applying strict validation and
// the inbound concurrency bound.
func (p *Peer) dispatchCall(f *Frame) {
	p.metrics.callIn.Add(1)

	p.μ.Lock()
	v := p.validator
	p.μ.Unlock()
	if v != nil {
		if err := v.Validate(schema.Request, f.Method, f.Payload); err != nil {
			p.metrics.callInErr.Add(1)
			var fail *schema.Failure
			if errors.As(err, &fail) {
				p.sendCallError(f.ID, &RPCError{
					Code:        errorCodeForKeyword(fail.Keyword),
					Description: fail.Message,
				})
			} else {
				p.sendCallError(f.ID, &RPCError{
					Code:        NotImplemented,
					Description: fmt.Sprintf("Method %q not recognized by subprotocol %q", f.Method, p.Subprotocol()),
				})
			}
			return
		}
	}

	p.μ.Lock()
	if _, ok := p.icall[f.ID]; ok {
		p.μ.Unlock()
		p.sendCallError(f.ID, &RPCError{Code: ProtocolError, Description: "Duplicate message ID"})
		return
	}
	if p.iactive >= p.opts.CallConcurrency {
		p.iqueue = append(p.iqueue, f)
		p.metrics.callQueued.Add(1)
		p.μ.Unlock()
		return
	}
	p.startInboundLocked(f)
	p.μ.Unlock()
}

// startInboundLocked begins handling an admitted inbound call. The peer
// mutex must be held.
func (p *Peer) startInboundLocked(f *Frame) {
	pctx := context.WithValue(p.base(), peerContextKey{}, p)
	ctx, cancel := context.WithCancel(pctx)
	p.icall[f.ID] = &pendingResponse{cancel: cancel}
	p.iactive++
	p.metrics.callActive.Add(1)

	p.tasks.Go(func() error {
		defer cancel()
		p.serveCall(ctx, f)
		return nil
	})
}

// serveCall runs the handler for one inbound call and sends its reply.
func (p *Peer) serveCall(ctx context.Context, f *Frame) {
	p.μ.Lock()
	handler, ok := p.handlers[f.Method]
	if !ok {
		handler, ok = p.handlers[Wildcard]
	}
	p.μ.Unlock()
	if !ok {
		p.metrics.callInErr.Add(1)
		p.reply(f.ID, nil, &RPCError{
			Code:        NotImplemented,
			Description: fmt.Sprintf("No handler registered for method %q", f.Method),
		})
		return
	}

	req := &Request{Method: f.Method, Params: f.Payload, ID: f.ID, Peer: p}
	result, err := runHandler(ctx, handler, req)
	if err != nil {
		p.metrics.callInErr.Add(1)
		p.reply(f.ID, nil, p.toRPCError(err))
		return
	}

	payload, merr := marshalObject(result)
	if merr != nil {
		p.metrics.callInErr.Add(1)
		p.reply(f.ID, nil, p.toRPCError(fmt.Errorf("encoding result: %w", merr)))
		return
	}
	p.reply(f.ID, payload, nil)
}

// runHandler invokes a handler, converting a panic into an error so a
// faulty handler cannot take down the peer.
func runHandler(ctx context.Context, h Handler, req *Request) (_ any, err error) {
	defer func() {
		if x := recover(); x != nil && err == nil {
			err = &panicError{value: x, stack: debug.Stack()}
		}
	}()
	return h(ctx, req)
}

type panicError struct {
	value any
	stack []byte
}

func (e *panicError) Error() string {
	return fmt.Sprintf("handler panicked (recovered): %v", e.value)
}

// toRPCError converts a handler failure to the CALLERROR to transmit. An
// *RPCError passes through unchanged; anything else is an InternalError
// whose message and stack appear only when detailed errors are enabled.
func (p *Peer) toRPCError(err error) *RPCError {
	var rpc *RPCError
	if errors.As(err, &rpc) {
		return rpc
	}
	out := &RPCError{Code: InternalError}
	if p.opts.RespondWithDetailedErrors {
		out.Description = err.Error()
		detail := map[string]string{"message": err.Error()}
		var pe *panicError
		if errors.As(err, &pe) {
			detail["stack"] = string(pe.stack)
		}
		if data, merr := json.Marshal(detail); merr == nil {
			out.Details = data
		}
	}
	return out
}

// reply transmits the response for an inbound call. The first reply for
// a message ID wins; later replies for the same call are ignored.
func (p *Peer) reply(id string, payload json.RawMessage, rpcErr *RPCError) {
	p.μ.Lock()
	pr, ok := p.icall[id]
	if !ok || pr.replied {
		p.μ.Unlock()
		return
	}
	pr.replied = true
	dead := p.state == StateClosed
	p.μ.Unlock()

	if !dead {
		var f *Frame
		if rpcErr != nil {
			f = &Frame{
				Type:        MessageError,
				ID:          id,
				Code:        rpcErr.Code,
				Description: rpcErr.Description,
				Details:     rpcErr.details(),
			}
		} else {
			f = &Frame{Type: MessageResult, ID: id, Payload: payload}
		}
		if err := p.sendFrame(f.Encode(), f); err != nil {
			p.log.Debug("reply not sent", "id", id, "err", err)
		}
	}
	p.finishInbound(id)
}

// finishInbound retires an inbound call and admits the next queued one.
func (p *Peer) finishInbound(id string) {
	p.μ.Lock()
	defer p.μ.Unlock()
	if _, ok := p.icall[id]; !ok {
		return
	}
	delete(p.icall, id)
	p.iactive--
	p.metrics.callActive.Add(-1)
	// Queued calls keep draining through a graceful close.
	if len(p.iqueue) > 0 && (p.state == StateOpen || p.state == StateClosing) {
		next := p.iqueue[0]
		p.iqueue = p.iqueue[1:]
		p.metrics.callQueued.Add(-1)
		p.startInboundLocked(next)
	}
	p.drained.Broadcast()
}

// sendCallError transmits a CALLERROR for an inbound call that was never
// admitted to a handler.
func (p *Peer) sendCallError(id string, rpcErr *RPCError) {
	f := &Frame{
		Type:        MessageError,
		ID:          id,
		Code:        rpcErr.Code,
		Description: rpcErr.Description,
		Details:     rpcErr.details(),
	}
	if err := p.sendFrame(f.Encode(), f); err != nil {
		p.log.Debug("call error not sent", "id", id, "err", err)
	}
}

// dispatchResult correlates a CALLRESULT with its pending call.
func (p *Peer) dispatchResult(f *Frame, data []byte) {
	p.μ.Lock()
	pc, ok := p.ocall[f.ID]
	v := p.validator
	p.μ.Unlock()
	if !ok {
		p.badMessage(data, fmt.Errorf("no call pending for message ID %q", f.ID))
		return
	}

	out := outcome{result: f.Payload}
	if v != nil {
		if err := v.Validate(schema.Response, pc.method, f.Payload); err != nil {
			var fail *schema.Failure
			if errors.As(err, &fail) {
				// A response that fails validation both rejects the call
				// and counts against the sender's bad-message budget.
				out = outcome{err: &RPCError{
					Code:        errorCodeForKeyword(fail.Keyword),
					Description: fail.Message,
				}}
				p.badMessage(data, fail)
			}
		}
	}

	p.μ.Lock()
	p.deliverLocked(pc, out)
	p.μ.Unlock()
}

// dispatchError correlates a CALLERROR with its pending call.
func (p *Peer) dispatchError(f *Frame, data []byte) {
	p.μ.Lock()
	pc, ok := p.ocall[f.ID]
	if !ok {
		p.μ.Unlock()
		p.badMessage(data, fmt.Errorf("no call pending for message ID %q", f.ID))
		return
	}
	p.deliverLocked(pc, outcome{err: &RPCError{
		Code:        f.Code,
		Description: f.Description,
		Details:     f.Details,
	}})
	p.μ.Unlock()
}

// deliverLocked resolves a pending call exactly once. The peer mutex
// must be held.
func (p *Peer) deliverLocked(pc *pendingCall, out outcome) {
	if pc.delivered {
		return
	}
	pc.delivered = true
	delete(p.ocall, pc.id)
	if pc.timer != nil {
		pc.timer.Stop()
	}
	pc.done <- out
	p.drained.Broadcast()
}

// removeCallLocked abandons a pending call without resolving it, used
// when the caller itself gives up. The peer mutex must be held.
func (p *Peer) removeCallLocked(pc *pendingCall) {
	pc.delivered = true
	delete(p.ocall, pc.id)
	if pc.timer != nil {
		pc.timer.Stop()
	}
	p.drained.Broadcast()
}

// expireCall resolves a pending call with a timeout error.
func (p *Peer) expireCall(id string) {
	p.μ.Lock()
	defer p.μ.Unlock()
	if pc, ok := p.ocall[id]; ok {
		p.deliverLocked(pc, outcome{err: errTimeout()})
	}
}

// connectionLost finalizes the connection after the transport fails or
// completes its close handshake. It resolves all pending work, emits the
// disconnect and close events, and leaves the peer restartable.
func (p *Peer) connectionLost(cause error) {
	code, reason := CloseAbnormal, ""
	var ce *CloseError
	if errors.As(cause, &ce) {
		code, reason = ce.Code, ce.Reason
	}

	p.μ.Lock()
	wasClosing := p.state == StateClosing
	if ce == nil && p.closeOverride != nil {
		code, reason = p.closeOverride.Code, p.closeOverride.Reason
	}
	p.state = StateClosed
	p.err = cause

	calls := make([]*pendingCall, 0, len(p.ocall))
	for _, pc := range p.ocall {
		calls = append(calls, pc)
	}
	for _, pc := range calls {
		p.deliverLocked(pc, outcome{err: errDisconnected()})
	}
	for _, pr := range p.icall {
		pr.cancel()
	}
	if n := len(p.iqueue); n > 0 {
		p.metrics.callQueued.Add(int64(-n))
		p.iqueue = nil
	}
	p.sendq = nil

	done := p.connDone
	cbDisc := p.onDisconnect
	cbClose := p.onClose
	hook := p.onConnLost
	retire := p.onRetire
	p.drained.Broadcast()
	p.μ.Unlock()

	p.closeOut()

	if !wasClosing {
		p.log.Info("connection lost", "code", code, "reason", reason, "cause", cause)
		if cbDisc != nil {
			cbDisc(cause)
		}
	} else {
		p.log.Debug("connection closed", "code", code, "reason", reason)
	}
	if cbClose != nil {
		cbClose(code, reason)
	}
	if done != nil {
		close(done)
	}
	if retire != nil {
		retire()
	}
	if hook != nil && !wasClosing {
		hook(cause)
	}
}

// Close shuts down the connection. The default is a graceful close with
// code CloseNormal that rejects in-flight calls; set AwaitPending to
// drain them first, or Force to tear down the transport without a close
// handshake. Close is idempotent: concurrent and repeated invocations
// share one close handshake and return when it completes.
func (p *Peer) Close(opts *CloseOptions) error {
	o := CloseOptions{Code: CloseNormal}
	if opts != nil {
		o = *opts
		if o.Code == 0 {
			o.Code = CloseNormal
		}
	}

	p.μ.Lock()
	switch p.state {
	case StateClosed:
		p.μ.Unlock()
		return nil

	case StateClosing:
		done := p.connDone
		p.μ.Unlock()
		if done != nil {
			<-done
		}
		return nil

	case StateConnecting:
		// Nothing is on the wire yet; fail pending work locally.
		p.state = StateClosed
		calls := make([]*pendingCall, 0, len(p.ocall))
		for _, pc := range p.ocall {
			calls = append(calls, pc)
		}
		for _, pc := range calls {
			p.deliverLocked(pc, outcome{err: errClosing()})
		}
		p.sendq = nil
		cbClosing := p.onClosing
		cbClose := p.onClose
		p.μ.Unlock()
		if cbClosing != nil {
			cbClosing()
		}
		if cbClose != nil {
			cbClose(o.Code, o.Reason)
		}
		return nil
	}

	// State OPEN: begin the close handshake.
	p.state = StateClosing
	p.closeOverride = &CloseError{Code: o.Code, Reason: o.Reason}
	done := p.connDone
	cbClosing := p.onClosing
	p.μ.Unlock()

	if cbClosing != nil {
		cbClosing()
	}
	p.log.Info("closing", "code", o.Code, "reason", o.Reason)

	if o.AwaitPending {
		p.μ.Lock()
		for p.state == StateClosing && (len(p.ocall) > 0 || p.iactive > 0 || len(p.iqueue) > 0) {
			p.drained.Wait()
		}
		p.μ.Unlock()
	} else {
		p.μ.Lock()
		calls := make([]*pendingCall, 0, len(p.ocall))
		for _, pc := range p.ocall {
			calls = append(calls, pc)
		}
		for _, pc := range calls {
			p.deliverLocked(pc, outcome{err: errClosing()})
		}
		for _, pr := range p.icall {
			pr.cancel()
		}
		if n := len(p.iqueue); n > 0 {
			p.metrics.callQueued.Add(int64(-n))
			p.iqueue = nil
		}
		p.μ.Unlock()
	}

	if o.Force {
		p.closeOut()
	} else {
		sc, ok := p.channel().(StatusCloser)
		if ok {
			if err := sc.CloseStatus(o.Code, o.Reason); err != nil {
				p.closeOut()
			}
		} else {
			p.closeOut()
		}
		// Wait for the remote close or tear down after a grace period.
		t := p.clk.NewTimer(closeGracePeriod)
		defer t.Stop()
		select {
		case <-done:
		case <-t.Chan():
			p.closeOut()
		}
	}

	if done != nil {
		<-done
	}
	return nil
}

func (p *Peer) channel() Channel {
	p.out.Lock()
	defer p.out.Unlock()
	return p.out.ch
}

// Stop closes the connection with defaults and blocks until the peer has
// exited, reporting its final status. After Stop completes it is safe to
// restart the peer with a new channel.
func (p *Peer) Stop() error {
	p.Close(nil)
	return p.Wait()
}

// Wait blocks until p terminates and reports the error that caused it to
// stop. A clean shutdown or remote close with a normal status reports
// nil. After Wait completes it is safe to restart the peer with a new
// channel; handlers and callbacks are retained.
func (p *Peer) Wait() error {
	p.μ.Lock()
	t := p.tasks
	p.μ.Unlock()
	if t == nil {
		return nil
	}
	t.Wait()

	p.μ.Lock()
	defer p.μ.Unlock()
	p.in = nil
	p.tasks = nil
	p.out.Lock()
	p.out.ch = nil
	p.out.Unlock()

	if treatErrorAsSuccess(p.err) {
		return nil
	}
	return p.err
}

// resume returns a finished peer to StateConnecting so buffered calls
// queue for the next Start. Used by the client between reconnects.
func (p *Peer) resume() {
	p.μ.Lock()
	defer p.μ.Unlock()
	if p.state == StateClosed {
		p.state = StateConnecting
	}
}

func treatErrorAsSuccess(err error) bool {
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
		return true
	}
	var ce *CloseError
	if errors.As(err, &ce) {
		return ce.Code == CloseNormal || ce.Code == CloseGoingAway
	}
	return false
}

// noteActivity postpones the next keepalive ping when activity deferral
// is configured. It does not clear an outstanding pong obligation.
func (p *Peer) noteActivity() {
	if !p.opts.DeferPingsOnActivity || p.opts.PingInterval <= 0 {
		return
	}
	p.μ.Lock()
	p.nextPingDue = p.clk.Now().Add(p.opts.PingInterval)
	p.μ.Unlock()
}

// marshalObject encodes v as a JSON object payload. nil encodes as an
// empty object; a raw message passes through after a shape check.
func marshalObject(v any) (json.RawMessage, error) {
	switch t := v.(type) {
	case nil:
		return emptyObject, nil
	case json.RawMessage:
		if !isObject(t) {
			return nil, errors.New("payload is not a JSON object")
		}
		return t, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	if !isObject(data) {
		return nil, errors.New("payload is not a JSON object")
	}
	return data, nil
}

type peerContextKey struct{}

// ContextPeer returns the Peer associated with the given context, or nil
// if none is defined. The context passed to a method Handler has this
// value.
func ContextPeer(ctx context.Context) *Peer {
	if v := ctx.Value(peerContextKey{}); v != nil {
		return v.(*Peer)
	}
	return nil
}
