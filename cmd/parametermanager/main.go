// Command parametermanager runs a standalone server exposing only the
// parameter-manager virtual instrument (spec.md #4.6, #6): useful for
// deployments that want dynamic parameter storage without any hardware
// driver attached.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/toolsforexperiments/instrumentserver/broadcast"
	"github.com/toolsforexperiments/instrumentserver/dispatch"
	"github.com/toolsforexperiments/instrumentserver/instrument"
	"github.com/toolsforexperiments/instrumentserver/parammgr"
	"github.com/toolsforexperiments/instrumentserver/registry"
	"github.com/toolsforexperiments/instrumentserver/telemetry"
	"github.com/toolsforexperiments/instrumentserver/transport"
)

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
	name := flag.String("name", parammgr.DefaultName, "instrument name to register the parameter manager under")
	port := flag.Int("port", 5555, "primary request port")
	profile := flag.String("profile", "", "profile file path")
	flag.Parse()

	logger := telemetry.NewClueLogger()
	ctx := context.Background()

	mgr, err := parammgr.New(*profile)
	if err != nil {
		logger.Error(ctx, "failed to load profile", "path", *profile, "err", err)
		return exitConfigError
	}

	factory := registry.MapFactory{
		parammgr.ClassPath: func([]any, map[string]any) (instrument.Instrument, error) { return mgr, nil },
	}
	reg := registry.New(factory)
	if _, err := reg.Create(*name, parammgr.ClassPath, nil, nil, false); err != nil {
		logger.Error(ctx, "failed to register parameter manager", "err", err)
		return exitFatalRuntime
	}

	requestAddr := fmt.Sprintf("tcp://*:%d", *port)
	broadcastAddr := fmt.Sprintf("tcp://*:%d", *port+1)

	pub, err := transport.NewPubSocket(broadcastAddr)
	if err != nil {
		logger.Error(ctx, "failed to bind broadcast socket", "addr", broadcastAddr, "err", err)
		return exitBindFailure
	}
	defer pub.Close()

	bus := broadcast.New(pub, broadcast.WithLogger(logger))
	defer bus.Close()

	d := dispatch.New(reg, bus, dispatch.WithLogger(logger), dispatch.WithTracer(telemetry.NewClueTracer()))
	defer d.Close()

	server, err := transport.NewServer([]string{requestAddr}, d, transport.WithLogger(logger))
	if err != nil {
		logger.Error(ctx, "failed to bind request socket", "addr", requestAddr, "err", err)
		return exitBindFailure
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	server.Start(runCtx)

	logger.Info(ctx, "parameter manager listening", "name", *name, "request_addr", requestAddr, "broadcast_addr", broadcastAddr)

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
