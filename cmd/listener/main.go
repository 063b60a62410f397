// Command listener connects a SUB socket to a running server's broadcast
// port and logs every parameter-change event it receives (spec.md #4.5,
// #6) — a minimal stand-in for a GUI or data-logging subscriber.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/toolsforexperiments/instrumentserver/config"
	"github.com/toolsforexperiments/instrumentserver/telemetry"
	"github.com/toolsforexperiments/instrumentserver/transport"
)

const (
	exitOK          = 0
	exitConfigError = 1
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "", "subscriber config path")
	flag.StringVar(configPath, "c", "", "subscriber config path (shorthand)")
	topicPrefix := flag.String("topic", "", "topic prefix filter")
	port := flag.Int("port", 5556, "broadcast port to connect to")
	host := flag.String("host", "localhost", "broadcast host to connect to")
	flag.Parse()

	logger := telemetry.NewClueLogger()
	ctx := context.Background()

	addr := fmt.Sprintf("tcp://%s:%d", *host, *port)
	if *configPath != "" {
		cfg, err := config.Load(*configPath)
		if err != nil {
			logger.Error(ctx, "failed to load config", "err", err)
			return exitConfigError
		}
		if cfg.Networking.ListeningAddress != "" {
			addr = cfg.Networking.ListeningAddress
		}
	}

	sub, err := transport.NewSubscriber(addr, *topicPrefix)
	if err != nil {
		logger.Error(ctx, "failed to connect subscriber", "addr", addr, "err", err)
		return exitConfigError
	}

	events := sub.Start()
	logger.Info(ctx, "listener connected", "addr", addr, "topic_prefix", *topicPrefix)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return exitOK
			}
			logger.Info(ctx, "broadcast received",
				"topic", ev.Topic, "value", ev.Body.Value, "unit", ev.Body.Unit,
				"structural", ev.Body.Structural, "kind", ev.Body.Kind)
		case <-sig:
			_ = sub.Stop(2 * time.Second)
			return exitOK
		}
	}
}
