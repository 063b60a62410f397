// Command instrumentserver runs the instrument RPC server: it binds a
// ROUTER socket for requests and a PUB socket for broadcasts, pre-loads
// any instruments named in its config file, and registers the parameter
// manager under its default name (spec.md #4, #6).
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/toolsforexperiments/instrumentserver/broadcast"
	"github.com/toolsforexperiments/instrumentserver/config"
	"github.com/toolsforexperiments/instrumentserver/dispatch"
	"github.com/toolsforexperiments/instrumentserver/instrument"
	"github.com/toolsforexperiments/instrumentserver/parammgr"
	"github.com/toolsforexperiments/instrumentserver/registry"
	"github.com/toolsforexperiments/instrumentserver/telemetry"
	"github.com/toolsforexperiments/instrumentserver/transport"
)

// Exit codes (spec.md #6).
const (
	exitOK           = 0
	exitConfigError  = 1
	exitBindFailure  = 2
	exitFatalRuntime = 3
)

func main() {
	os.Exit(run())
}

func run() int {
	var (
		port       = flag.Int("port", 5555, "primary request port")
		listenAt   listenAddrs
		gui        = flag.Bool("gui", false, "enable GUI (accepted, not implemented here)")
		configPath = flag.String("config", "", "startup config path")
		initScript = flag.String("init_script", "", "post-startup script path")
	)
	flag.IntVar(port, "p", 5555, "primary request port (shorthand)")
	flag.StringVar(configPath, "c", "", "startup config path (shorthand)")
	flag.StringVar(initScript, "i", "", "post-startup script path (shorthand)")
	flag.Var(&listenAt, "listen_at", "extra bind address (repeatable)")
	flag.Var(&listenAt, "a", "extra bind address (repeatable, shorthand)")
	flag.Parse()
	_ = gui

	logger := telemetry.NewClueLogger()
	ctx := context.Background()

	var cfg config.Config
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			logger.Error(ctx, "failed to load config", "err", err)
			return exitConfigError
		}
		cfg = *loaded
	}

	mgr, err := parammgr.New(os.Getenv("INSTRUMENTSERVER_PROFILE"))
	if err != nil {
		logger.Error(ctx, "failed to load parameter manager profile", "err", err)
		return exitConfigError
	}

	factory := registry.MapFactory{
		"t.Dummy":          instrument.NewDummy,
		"t.Source":         instrument.NewSource,
		parammgr.ClassPath: func([]any, map[string]any) (instrument.Instrument, error) { return mgr, nil },
	}
	reg := registry.New(factory)

	if _, err := reg.Create(parammgr.DefaultName, parammgr.ClassPath, nil, nil, false); err != nil {
		logger.Error(ctx, "failed to register parameter manager", "err", err)
		return exitFatalRuntime
	}

	for name, spec := range cfg.Instruments {
		if !spec.Initialize {
			continue
		}
		if _, err := reg.Create(name, spec.Type, nil, spec.Init, true); err != nil {
			logger.Error(ctx, "failed to pre-load instrument", "name", name, "err", err)
			return exitConfigError
		}
	}

	if *initScript != "" {
		logger.Info(ctx, "init_script configured but execution is left to the operator", "path", *initScript)
	}

	requestAddr := fmt.Sprintf("tcp://*:%d", *port)
	if cfg.Networking.ListeningAddress != "" {
		requestAddr = cfg.Networking.ListeningAddress
	}
	broadcastAddr := fmt.Sprintf("tcp://*:%d", cfg.Networking.ResolveBroadcastPort(*port))

	pub, err := transport.NewPubSocket(broadcastAddr)
	if err != nil {
		logger.Error(ctx, "failed to bind broadcast socket", "addr", broadcastAddr, "err", err)
		return exitBindFailure
	}
	defer pub.Close()

	bus := broadcast.New(pub, broadcast.WithLogger(logger), broadcast.WithMetrics(telemetry.NewClueMetrics()))
	defer bus.Close()

	d := dispatch.New(reg, bus,
		dispatch.WithLogger(logger),
		dispatch.WithMetrics(telemetry.NewClueMetrics()),
		dispatch.WithTracer(telemetry.NewClueTracer()),
	)
	defer d.Close()

	addrs := append([]string{requestAddr}, listenAt...)
	server, err := transport.NewServer(addrs, d, transport.WithLogger(logger))
	if err != nil {
		logger.Error(ctx, "failed to bind request socket", "addrs", strings.Join(addrs, ","), "err", err)
		return exitBindFailure
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	server.Start(runCtx)

	logger.Info(ctx, "instrument server listening", "request_addrs", strings.Join(addrs, ","), "broadcast_addr", broadcastAddr)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig

	cancel()
	if err := server.Stop(); err != nil {
		logger.Error(ctx, "error stopping server", "err", err)
		return exitFatalRuntime
	}
	return exitOK
}

// listenAddrs collects repeated -listen_at/-a flag occurrences.
type listenAddrs []string

func (l *listenAddrs) String() string { return strings.Join(*l, ",") }

func (l *listenAddrs) Set(value string) error {
	*l = append(*l, value)
	return nil
}
