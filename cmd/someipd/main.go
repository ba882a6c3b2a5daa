// someipd loads a topology document and runs a single named instance
// from it until terminated. Shaped like cmd/canopen's flag-parsing and
// bus-wiring startup, generalized from a single CAN interface + EDS
// file to a JSON topology document naming possibly many interfaces,
// and trading a hand-rolled INIT/RUNNING/RESETING state machine for
// signal-driven shutdown since this runtime has no CANopen-style NMT
// reset states to cycle through.
package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/arunj123/gosomeip/pkg/config"
	"github.com/arunj123/gosomeip/pkg/runtime"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const defaultConfigPath = "someip.json"

func main() {
	configPath := flag.String("c", defaultConfigPath, "path to the topology configuration document")
	instanceName := flag.String("n", "", "instance name to run, as named under \"instances\" in the configuration")
	metricsAddr := flag.String("metrics", "", "if set, serve Prometheus metrics on this address, e.g. :9100")
	logLevel := flag.String("log-level", "info", "log level: debug, info, warn, error")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: parseLevel(*logLevel)}))

	if *instanceName == "" {
		logger.Error("no instance name given, pass -n")
		os.Exit(1)
	}

	f, err := os.Open(*configPath)
	if err != nil {
		logger.Error("could not open configuration document", "path", *configPath, "error", err)
		os.Exit(1)
	}
	cfg, err := config.Load(f)
	f.Close()
	if err != nil {
		logger.Error("could not load configuration document", "path", *configPath, "error", err)
		os.Exit(1)
	}

	registry := prometheus.NewRegistry()
	if *metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
		go func() {
			if err := http.ListenAndServe(*metricsAddr, mux); err != nil {
				logger.Error("metrics server exited", "error", err)
			}
		}()
	}

	rt, err := runtime.New(runtime.Options{
		Config:     cfg,
		Instance:   *instanceName,
		Logger:     logger,
		Registerer: registry,
	})
	if err != nil {
		logger.Error("could not construct runtime", "instance", *instanceName, "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt.Start(ctx)
	logger.Info("instance running", "instance", *instanceName)

	<-ctx.Done()
	logger.Info("shutting down", "instance", *instanceName)
	rt.Stop()
}

func parseLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
