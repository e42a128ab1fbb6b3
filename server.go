// Copyright (C) 2026 The wsrpc Authors. All Rights Reserved.

package wsrpc

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"runtime"
	"slices"
	"strings"
	"sync"

	"github.com/creachadair/taskgroup"
	"github.com/gorilla/websocket"
)

// Version is the release version of this package, reported in the
// Server response header.
const Version = "1.2.0"

var serverHeader = fmt.Sprintf("wsrpc/%s (%s)", Version, runtime.GOOS)

// A Handshake records one HTTP upgrade in progress. It exists from the
// arrival of the upgrade request until the connection is promoted to a
// Peer or aborted.
type Handshake struct {
	Identity   string      // URL-decoded last path segment
	Endpoint   string      // path prefix before the identity segment
	RemoteAddr string      // network address of the remote endpoint
	Headers    http.Header // request headers
	Protocols  []string    // requested subprotocols, in request order
	Query      url.Values  // query parameters of the upgrade URL
	Password   []byte      // from Basic auth; nil when absent or unparseable
	Request    *http.Request
}

// AcceptFunc promotes a handshake. session is an opaque value attached
// to the resulting Peer; subprotocol, when non-empty, must be one of the
// requested subprotocols and overrides the server's preference order.
type AcceptFunc func(session any, subprotocol string)

// RejectFunc aborts a handshake with an HTTP status. A zero status
// defaults to 400.
type RejectFunc func(status int, message string)

// An AuthCallback decides each upgrade. Exactly one of accept or reject
// takes effect; subsequent invocations of either are ignored. ctx ends
// if the underlying transport dies while the decision is pending, in
// which case the handshake is rejected with status 400.
type AuthCallback func(accept AcceptFunc, reject RejectFunc, hs *Handshake, ctx context.Context)

// An UpgradeAbort describes a failed upgrade.
type UpgradeAbort struct {
	Error    error
	Status   int
	Identity string // may be empty if the failure preceded identity parsing
	Request  *http.Request
}

// A Server accepts WebSocket upgrades and runs one Peer per connection.
// Handlers and options registered on the server are copied to each peer
// at promotion time; reconfiguration affects only future peers.
type Server struct {
	upgrader websocket.Upgrader
	log      *slog.Logger

	μ        sync.Mutex
	opts     Options
	auth     AuthCallback
	handlers map[string]Handler
	peers    map[*Peer]struct{}
	https    map[*http.Server]struct{}
	closed   bool

	onClient         func(*Peer)
	onUpgradeAborted func(UpgradeAbort)
}

// NewServer constructs a server from the given options. It reports an
// error if strict mode names a subprotocol with no registered validator.
func NewServer(opts *Options) (*Server, error) {
	o := opts.withDefaults()
	if err := o.checkStrict(); err != nil {
		return nil, err
	}
	return &Server{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		log:      o.Logger.With("component", "server"),
		opts:     o,
		handlers: make(map[string]Handler),
		peers:    make(map[*Peer]struct{}),
		https:    make(map[*http.Server]struct{}),
	}, nil
}

// Auth registers the callback deciding each upgrade. Without one, every
// upgrade is accepted. Auth returns s to permit chaining.
func (s *Server) Auth(cb AuthCallback) *Server {
	s.μ.Lock()
	defer s.μ.Unlock()
	s.auth = cb
	return s
}

// Handle registers a handler applied to peers promoted after the call.
// Registering the Wildcard method installs a fallback for any method
// with no specific handler. Handle returns s to permit chaining.
func (s *Server) Handle(method string, handler Handler) *Server {
	s.μ.Lock()
	defer s.μ.Unlock()
	if handler == nil {
		delete(s.handlers, method)
	} else {
		s.handlers[method] = handler
	}
	return s
}

// OnClient registers a callback invoked with each newly promoted peer,
// before any of its frames are dispatched.
func (s *Server) OnClient(f func(*Peer)) *Server {
	s.μ.Lock()
	defer s.μ.Unlock()
	s.onClient = f
	return s
}

// OnUpgradeAborted registers a callback invoked for each failed upgrade.
// The server keeps accepting other upgrades regardless.
func (s *Server) OnUpgradeAborted(f func(UpgradeAbort)) *Server {
	s.μ.Lock()
	defer s.μ.Unlock()
	s.onUpgradeAborted = f
	return s
}

// Reconfigure replaces the options applied to future peers. Peers
// already promoted keep the options they were constructed with.
func (s *Server) Reconfigure(opts *Options) error {
	o := opts.withDefaults()
	if err := o.checkStrict(); err != nil {
		return err
	}
	s.μ.Lock()
	defer s.μ.Unlock()
	s.opts = o
	return nil
}

// Peers returns a snapshot of the currently connected peers.
func (s *Server) Peers() []*Peer {
	s.μ.Lock()
	defer s.μ.Unlock()
	out := make([]*Peer, 0, len(s.peers))
	for p := range s.peers {
		out = append(out, p)
	}
	return out
}

// ServeHTTP handles one request: WebSocket upgrades are negotiated and
// promoted to peers, anything else is answered 404.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Server", serverHeader)

	upgrade := r.Header.Get("Upgrade")
	if upgrade == "" {
		http.Error(w, "Not found", http.StatusNotFound)
		return
	}
	if !strings.EqualFold(upgrade, "websocket") {
		s.abortUpgrade(w, r, "", http.StatusBadRequest, "Can only upgrade to websocket", nil)
		return
	}

	path := r.URL.EscapedPath()
	idx := strings.LastIndex(path, "/")
	identity, err := url.PathUnescape(path[idx+1:])
	if err != nil || identity == "" {
		s.abortUpgrade(w, r, "", http.StatusBadRequest, "Invalid identity", err)
		return
	}
	endpoint := path[:idx]
	if endpoint == "" {
		endpoint = "/"
	}

	hs := &Handshake{
		Identity:   identity,
		Endpoint:   endpoint,
		RemoteAddr: r.RemoteAddr,
		Headers:    r.Header,
		Protocols:  websocket.Subprotocols(r),
		Query:      r.URL.Query(),
		Password:   basicPassword(r.Header.Get("Authorization"), identity),
		Request:    r,
	}

	s.μ.Lock()
	auth := s.auth
	opts := s.opts
	s.μ.Unlock()

	session, proto, status, msg := s.decide(r.Context(), auth, hs)
	if status != 0 {
		s.abortUpgrade(w, r, identity, status, msg, nil)
		return
	}

	// An explicitly selected subprotocol must have been requested; with
	// none selected, take the first server preference the client offered.
	if proto != "" && !slices.Contains(hs.Protocols, proto) {
		s.abortUpgrade(w, r, identity, http.StatusBadRequest, "Requested subprotocol was not offered", nil)
		return
	}
	if proto == "" {
		for _, p := range opts.Protocols {
			if slices.Contains(hs.Protocols, p) {
				proto = p
				break
			}
		}
	}

	respHeader := http.Header{"Server": {serverHeader}}
	if proto != "" {
		respHeader.Set("Sec-WebSocket-Protocol", proto)
	}
	conn, err := s.upgrader.Upgrade(w, r, respHeader)
	if err != nil {
		// The upgrader has already written its error response.
		s.notifyAbort(UpgradeAbort{Error: err, Status: http.StatusBadRequest, Identity: identity, Request: r})
		return
	}

	s.promote(conn, hs, proto, session, opts)
}

// decide runs the auth callback, or auto-accepts when none is set. A
// non-zero status means the handshake was rejected.
func (s *Server) decide(ctx context.Context, auth AuthCallback, hs *Handshake) (session any, proto string, status int, msg string) {
	if auth == nil {
		return nil, "", 0, ""
	}

	type verdict struct {
		session any
		proto   string
		status  int
		msg     string
	}
	resolved := make(chan verdict, 1)
	var once sync.Once
	accept := func(session any, subprotocol string) {
		once.Do(func() { resolved <- verdict{session: session, proto: subprotocol} })
	}
	reject := func(status int, message string) {
		if status == 0 {
			status = http.StatusBadRequest
		}
		once.Do(func() { resolved <- verdict{status: status, msg: message} })
	}

	go auth(accept, reject, hs, ctx)

	select {
	case v := <-resolved:
		return v.session, v.proto, v.status, v.msg
	case <-ctx.Done():
		return nil, "", http.StatusBadRequest, "Client disconnected during authentication"
	}
}

// promote wraps an upgraded connection in a Peer and registers it.
func (s *Server) promote(conn *websocket.Conn, hs *Handshake, proto string, session any, opts Options) {
	peer := NewPeer(&opts)
	peer.bind(hs.Identity, proto, session)

	s.μ.Lock()
	if s.closed {
		s.μ.Unlock()
		conn.Close()
		return
	}
	for method, h := range s.handlers {
		peer.handlers[method] = h
	}
	s.peers[peer] = struct{}{}
	onClient := s.onClient
	s.μ.Unlock()

	peer.onRetire = func() {
		s.μ.Lock()
		delete(s.peers, peer)
		s.μ.Unlock()
	}

	s.log.Info("client connected",
		"identity", hs.Identity, "subprotocol", proto, "remote", hs.RemoteAddr)

	// Give the application its chance to register handlers before any
	// frame is dispatched.
	if onClient != nil {
		onClient(peer)
	}
	peer.Start(newWSChannel(conn))
}

func (s *Server) abortUpgrade(w http.ResponseWriter, r *http.Request, identity string, status int, msg string, cause error) {
	if cause == nil {
		cause = errors.New(msg)
	}
	http.Error(w, msg, status)
	s.notifyAbort(UpgradeAbort{Error: cause, Status: status, Identity: identity, Request: r})
}

func (s *Server) notifyAbort(ab UpgradeAbort) {
	s.log.Warn("upgrade aborted",
		"identity", ab.Identity, "status", ab.Status, "err", ab.Error)
	s.μ.Lock()
	cb := s.onUpgradeAborted
	s.μ.Unlock()
	if cb != nil {
		cb(ab)
	}
}

// basicPassword extracts the password from a Basic Authorization header
// whose credentials begin with identity + ":". The password is raw
// bytes, so binary passwords and passwords containing colons pass
// through intact; the identity may itself contain colons because it is
// pre-committed from the URL. Any parse failure yields nil.
func basicPassword(header, identity string) []byte {
	scheme, rest, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Basic") {
		return nil
	}
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(rest))
	if err != nil {
		return nil
	}
	want := []byte(identity + ":")
	if !bytes.HasPrefix(raw, want) {
		return nil
	}
	return raw[len(want):]
}

// Serve accepts connections on lst until the server is closed. It is
// safe to call Serve concurrently on multiple listeners.
func (s *Server) Serve(lst net.Listener) error {
	hs := &http.Server{Handler: s}

	s.μ.Lock()
	if s.closed {
		s.μ.Unlock()
		lst.Close()
		return net.ErrClosed
	}
	s.https[hs] = struct{}{}
	s.μ.Unlock()

	err := hs.Serve(lst)
	s.μ.Lock()
	delete(s.https, hs)
	s.μ.Unlock()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// ListenAndServe listens on addr and calls Serve.
func (s *Server) ListenAndServe(addr string) error {
	lst, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(lst)
}

// Close shuts the server down: every connected peer is closed with the
// given options, then the listeners are torn down. Close is idempotent.
func (s *Server) Close(opts *CloseOptions) error {
	s.μ.Lock()
	if s.closed {
		s.μ.Unlock()
		return nil
	}
	s.closed = true
	peers := make([]*Peer, 0, len(s.peers))
	for p := range s.peers {
		peers = append(peers, p)
	}
	https := make([]*http.Server, 0, len(s.https))
	for hs := range s.https {
		https = append(https, hs)
	}
	s.μ.Unlock()

	g := taskgroup.New(nil)
	for _, p := range peers {
		g.Go(func() error { return p.Close(opts) })
	}
	g.Wait()

	var firstErr error
	for _, hs := range https {
		if err := hs.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Shutdown closes the server gracefully: peers drain their in-flight
// calls before the close handshake, then the HTTP servers are closed as
// by Close, without waiting for other outstanding HTTP requests. If ctx
// ends first, the remaining transports are torn down immediately.
func (s *Server) Shutdown(ctx context.Context) error {
	peers := s.Peers()
	done := make(chan error, 1)
	go func() {
		done <- s.Close(&CloseOptions{Code: CloseGoingAway, Reason: "Server shutting down", AwaitPending: true})
	}()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		for _, p := range peers {
			p.closeOut()
		}
		<-done
		return ctx.Err()
	}
}
