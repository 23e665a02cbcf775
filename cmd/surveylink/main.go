package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/surveylink/surveylink/internal/backend"
	"github.com/surveylink/surveylink/internal/config"
	"github.com/surveylink/surveylink/internal/transport"
	"github.com/surveylink/surveylink/pkg/gateway"
)

// Version is set at build time via ldflags
var Version = "dev"

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	simDevices := flag.Int("sim-devices", 3, "number of simulated devices (no radio driver is linked into this build)")
	scanEvery := flag.Duration("scan-every", time.Minute, "how often to run a discovery window")
	flag.Parse()

	if *showVersion {
		fmt.Printf("surveylink version %s\n", Version)
		return
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "warning: could not load config: %v\n", err)
	}

	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reach := backend.NewReachability(cfg.STUNServer, logger)
	// An unreachable broker does not fail here: the client keeps retrying
	// in the background and queued operations wait for it. Only a broken
	// broker URL errors out.
	deliverer, err := backend.NewMQTTDeliverer(cfg.BrokerURL, cfg.GatewayID, reach, logger)
	if err != nil {
		logger.Error("backend broker misconfigured", "broker", cfg.BrokerURL, "error", err)
		os.Exit(1)
	}

	tr := transport.NewSimulator(*simDevices, cfg.DeviceNamePrefix)
	gw, err := gateway.New(cfg, tr, deliverer, logger)
	if err != nil {
		logger.Error("startup failed", "error", err)
		os.Exit(1)
	}
	defer gw.Close()

	if err := config.Watch(ctx, logger, func(next *config.Config) {
		logger.Info("configuration changed on disk, restart to apply transport settings",
			"broker_url", next.BrokerURL, "device_prefix", next.DeviceNamePrefix)
	}); err != nil {
		logger.Warn("config watcher unavailable", "error", err)
	}

	gw.Start()

	ticker := time.NewTicker(*scanEvery)
	defer ticker.Stop()
	for {
		runScan(ctx, gw, logger)
		select {
		case <-ctx.Done():
			logger.Info("shutting down")
			deliverer.Close()
			return
		case <-ticker.C:
		}
	}
}

func runScan(ctx context.Context, gw *gateway.Gateway, logger *slog.Logger) {
	devices, err := gw.Scan(ctx)
	if err != nil {
		if ctx.Err() == nil {
			logger.Warn("discovery window failed", "error", err)
		}
		return
	}
	for _, d := range devices {
		logger.Info("device in range", "device_id", d.TransportID, "name", d.Name, "rssi", d.RSSI)
	}
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
