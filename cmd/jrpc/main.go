// Program jrpc is a command-line utility for serving and calling jrpc peers.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"expvar"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/creachadair/command"
	"github.com/creachadair/flax"
	"github.com/creachadair/taskgroup"
	"github.com/flatmax/jrpc-oo"
	"github.com/flatmax/jrpc-oo/channel"
	"github.com/flatmax/jrpc-oo/gateway"
	"github.com/flatmax/jrpc-oo/peers"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

type serveSettings struct {
	Config        string        `flag:"config,Read settings from this TOML file"`
	Listen        string        `flag:"listen,Listen address (overrides config)"`
	PeerListen    string        `flag:"peer-listen,Listen address for raw peers (overrides config)"`
	RemoteTimeout time.Duration `flag:"remote-timeout,Timeout for calls to remotes (overrides config)"`
	LogLevel      string        `flag:"log-level,Log level (overrides config)"`
	CallRate      float64       `flag:"call-rate,Inbound calls per second per session (overrides config)"`
	CallBurst     int           `flag:"call-burst,Inbound call burst per session (overrides config)"`
}

var serveFlags serveSettings

var callFlags struct {
	Addr    string        `flag:"addr,default=ws://localhost:9000/ws,WebSocket URL or raw peer address of the server"`
	Timeout time.Duration `flag:"timeout,default=30s,Timeout for the call"`
}

func main() {
	root := &command.C{
		Name: filepath.Base(os.Args[0]),
		Help: "Utilities for serving and calling jrpc peers.",
		Commands: []*command.C{
			{
				Name:     "serve",
				Help:     serveHelp,
				SetFlags: command.Flags(flax.MustBind, &serveFlags),
				Run:      runServe,
			},
			{
				Name:  "call",
				Usage: "[method [json-arg...]]",
				Help: `Connect to a server and call a method.

The --addr is either a WebSocket URL (ws:// or wss://) or the address
of a raw peer listener, as for the peer_listen setting of serve.

Each argument must be a JSON value, and is passed as one positional
parameter of the call. If no method is given, the methods exposed by
the server are listed.`,
				SetFlags: command.Flags(flax.MustBind, &callFlags),
				Run:      runCall,
			},
			command.VersionCommand(),
			command.HelpCommand(nil),
		},
	}
	command.RunOrFail(root.NewEnv(nil).MergeFlags(true), os.Args[1:])
}

const serveHelp = `Serve jrpc sessions over WebSocket.

Remotes connect to /ws. Each remote is offered the Echo methods and the
Server.sessions, Server.exposed, and Server.describe methods, and the
methods each remote exposes are callable over HTTP with JSON-RPC 2.0 at
/rpc, using the Remotes.Call, Remotes.Server, and Remotes.List methods.
Metrics are served at /metrics and /debug/vars.

If peer_listen is set, remotes may also connect directly to that address
without WebSocket framing. An address of the form host:port is a TCP
address; anything else is the path of a Unix socket.

Settings are read from the --config file, if given, and then overridden
by flags. The config file is TOML, with keys:

  listen             listen address ("localhost:9000")
  peer_listen        listen address for raw peers (none)
  remote_timeout     timeout for calls to remotes ("60s")
  handshake_timeout  timeout for handshakes (remote_timeout)
  log_level          log level ("info")
  call_rate          inbound calls per second per session (unlimited)
  call_burst         inbound call burst per session`

func newLogger(level zerolog.Level) zerolog.Logger {
	out := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
	return zerolog.New(out).Level(level).With().Timestamp().Str("app", "jrpc").Logger()
}

func runServe(env *command.Env) error {
	cfg, err := loadConfig(serveFlags.Config)
	if err != nil {
		return err
	}
	if err := cfg.applyFlags(); err != nil {
		return env.Usagef("%v", err)
	}
	log := newLogger(cfg.LogLevel)

	reg := peers.NewRegistry(&peers.Options{
		Logger: log,
		Hooks: peers.Hooks{
			RemoteUp: func(s *peers.Session) {
				log.Info().Str("session", s.ID()).Msg("remote up")
			},
			RemoteDown: func(id string) {
				log.Info().Str("session", id).Msg("remote down")
			},
			SetupDone: func(s *peers.Session) {
				log.Info().Str("session", s.ID()).Strs("methods", s.Names()).Msg("setup done")
			},
		},
		RemoteTimeout:    cfg.RemoteTimeout,
		HandshakeTimeout: cfg.HandshakeTimeout,
		CallRate:         cfg.CallRate,
		CallBurst:        cfg.CallBurst,
		Metrics:          prometheus.DefaultRegisterer,
	})
	defer reg.Close()
	if err := reg.RegisterClass(new(Echo), ""); err != nil {
		return err
	}
	if err := reg.Register(serverMethods(reg)); err != nil {
		return err
	}
	expvar.Publish("jrpc", jrpc.NewPeer().Metrics())

	acc := peers.NewWebSocketAccepter(nil)
	mux := http.NewServeMux()
	mux.Handle("/ws", acc)
	mux.Handle("/rpc", gateway.New(reg, log))
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/debug/vars", expvar.Handler())
	srv := &http.Server{Addr: cfg.Listen, Handler: mux}

	var lst net.Listener
	if cfg.PeerListen != "" {
		lst, err = net.Listen(jrpc.SplitAddress(cfg.PeerListen))
		if err != nil {
			return err
		}
	}

	ctx, cancel := signal.NotifyContext(env.Context(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	g := taskgroup.New(nil)
	g.Go(func() error {
		defer cancel()
		log.Info().Str("addr", cfg.Listen).Msg("serving")
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		defer cancel()
		if err := reg.Loop(ctx, acc); err != nil && ctx.Err() == nil {
			return err
		}
		return nil
	})
	if lst != nil {
		log.Info().Str("addr", cfg.PeerListen).Msg("serving raw peers")
		g.Go(func() error {
			defer cancel()
			if err := reg.Loop(ctx, peers.NetAccepter(lst)); err != nil && ctx.Err() == nil {
				return err
			}
			return nil
		})
	}

	<-ctx.Done()
	log.Info().Msg("shutting down")
	acc.Close()
	sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer scancel()
	srv.Shutdown(sctx)
	return g.Wait()
}

func runCall(env *command.Env) error {
	var args []any
	var method string
	if len(env.Args) != 0 {
		method = env.Args[0]
		for i, arg := range env.Args[1:] {
			if !json.Valid([]byte(arg)) {
				return env.Usagef("argument %d is not valid JSON: %q", i+1, arg)
			}
			args = append(args, json.RawMessage(arg))
		}
	}

	ctx, cancel := context.WithTimeout(env.Context(), callFlags.Timeout)
	defer cancel()

	ch, err := dial(ctx, callFlags.Addr)
	if err != nil {
		return err
	}
	peer := jrpc.NewPeer().SetRemoteTimeout(callFlags.Timeout).Start(ch)
	defer peer.Stop()

	names, err := peer.Upgrade(ctx)
	if err != nil {
		return fmt.Errorf("handshake: %w", err)
	}
	if method == "" {
		fmt.Println(strings.Join(names, "\n"))
		return nil
	}

	rsp, err := peer.Invoke(ctx, method, args...)
	if err != nil {
		return fmt.Errorf("call %q: %w", method, err)
	}
	fmt.Println(string(rsp))
	return nil
}

// dial connects to addr, which is a WebSocket URL or a raw peer address.
func dial(ctx context.Context, addr string) (jrpc.Channel, error) {
	if strings.HasPrefix(addr, "ws://") || strings.HasPrefix(addr, "wss://") {
		ch, err := peers.DialWebSocket(ctx, addr)
		if err != nil {
			return nil, err
		}
		return ch, nil
	}
	var d net.Dialer
	network, address := jrpc.SplitAddress(addr)
	conn, err := d.DialContext(ctx, network, address)
	if err != nil {
		return nil, err
	}
	return channel.Conn(conn), nil
}
