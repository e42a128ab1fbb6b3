// Program wsrpc is a command-line utility for serving and calling
// OCPP-style RPC endpoints over WebSocket.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/creachadair/command"
	"github.com/creachadair/flax"
	"github.com/wattbus/wsrpc"
)

var serveFlags = struct {
	Listen    string `flag:"listen,Listen address"`
	Protocols string `flag:"protocols,Comma-separated subprotocols in preference order"`
	Echo      bool   `flag:"echo,Reply to every call with its own params"`
	Verbose   bool   `flag:"v,Log each frame exchanged"`
}{
	Listen: ":9332",
}

var callFlags = struct {
	Endpoint  string        `flag:"endpoint,Server endpoint URL"`
	Identity  string        `flag:"identity,Client identity"`
	Password  string        `flag:"password,Basic auth password"`
	Protocols string        `flag:"protocols,Comma-separated subprotocols to offer"`
	Timeout   time.Duration `flag:"timeout,Call timeout"`
	Query     string        `flag:"query,Extra query string for the connection URL"`
}{
	Endpoint: "ws://localhost:9332",
	Identity: "wsrpc-cli",
	Timeout:  30 * time.Second,
}

func main() {
	root := &command.C{
		Name: filepath.Base(os.Args[0]),
		Help: "Utilities for interacting with OCPP-style RPC peers.",
		Commands: []*command.C{
			{
				Name: "serve",
				Help: `Run a server that accepts RPC connections.

With --echo, every call is answered with its own params; otherwise calls
are answered with an empty object. Frames are printed with --v.
`,
				SetFlags: command.Flags(flax.MustBind, &serveFlags),
				Run:      runServe,
			},
			{
				Name:  "call",
				Usage: "<method> [<params-json>]",
				Help:  "Dial a server, issue a single call, and print the result.",

				SetFlags: command.Flags(flax.MustBind, &callFlags),
				Run:      runCall,
			},
			command.VersionCommand(),
			command.HelpCommand(nil),
		},
	}
	command.RunOrFail(root.NewEnv(nil).MergeFlags(true), os.Args[1:])
}

func splitProtocols(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	for i, p := range parts {
		parts[i] = strings.TrimSpace(p)
	}
	return parts
}

func runServe(env *command.Env) error {
	srv, err := wsrpc.NewServer(&wsrpc.Options{
		Protocols: splitProtocols(serveFlags.Protocols),
	})
	if err != nil {
		return err
	}
	srv.Handle(wsrpc.Wildcard, func(ctx context.Context, req *wsrpc.Request) (any, error) {
		if serveFlags.Echo {
			return req.Params, nil
		}
		return nil, nil
	})
	srv.OnClient(func(p *wsrpc.Peer) {
		fmt.Printf("client connected: %s (subprotocol %q)\n", p.Identity(), p.Subprotocol())
		if serveFlags.Verbose {
			p.LogFrames(func(info wsrpc.FrameInfo) {
				fmt.Printf("%s: %v\n", p.Identity(), info)
			})
		}
	})
	fmt.Printf("listening at %s\n", serveFlags.Listen)
	return srv.ListenAndServe(serveFlags.Listen)
}

func runCall(env *command.Env) error {
	if len(env.Args) == 0 {
		return env.Usagef("missing method name")
	}
	method := env.Args[0]
	params := json.RawMessage(`{}`)
	if len(env.Args) > 1 {
		params = json.RawMessage(env.Args[1])
	}

	opts := &wsrpc.ClientOptions{
		Options: wsrpc.Options{
			Protocols:   splitProtocols(callFlags.Protocols),
			CallTimeout: callFlags.Timeout,
		},
		Endpoint: callFlags.Endpoint,
		Identity: callFlags.Identity,
	}
	if callFlags.Password != "" {
		opts.Password = []byte(callFlags.Password)
	}
	if callFlags.Query != "" {
		q, err := url.ParseQuery(callFlags.Query)
		if err != nil {
			return fmt.Errorf("invalid query: %w", err)
		}
		opts.Query = q
	}

	cli, err := wsrpc.NewClient(opts)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), callFlags.Timeout)
	defer cancel()
	if err := cli.Connect(ctx); err != nil {
		return err
	}
	defer cli.Close(nil)

	result, err := cli.Call(ctx, method, params)
	if err != nil {
		return err
	}
	fmt.Println(string(result))
	return nil
}
