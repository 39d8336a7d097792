package commands

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/propagator/blend"
	"github.com/teranos/propagator/bridge"
	"github.com/teranos/propagator/config"
	"github.com/teranos/propagator/driver"
	"github.com/teranos/propagator/drivers/cliobserver"
	"github.com/teranos/propagator/drivers/fsbridge"
	"github.com/teranos/propagator/drivers/grpcbridge"
	"github.com/teranos/propagator/drivers/httpbridge"
	"github.com/teranos/propagator/drivers/mcpbridge"
	"github.com/teranos/propagator/drivers/sqlstore"
	"github.com/teranos/propagator/drivers/wsbridge"
	"github.com/teranos/propagator/errors"
	"github.com/teranos/propagator/kernel"
	"github.com/teranos/propagator/logging"
	"github.com/teranos/propagator/runtime"
)

// ServeCmd starts the propagation kernel and every driver enabled in
// configuration, then blocks until interrupted.
var ServeCmd = &cobra.Command{
	Use:     "serve",
	Aliases: []string{"run"},
	Short:   "Start the propagator kernel and configured drivers",
	Long:    `Start the propagation runtime, register the configured storage, bridge, and observer drivers, and run until interrupted.`,
	RunE:    runServe,
}

func init() {
	ServeCmd.Flags().Bool("json-logs", false, "Emit structured JSON logs instead of console output")
	ServeCmd.Flags().String("primitive-dest", "./primitives", "Directory primitive gadgets are fetched into")
}

func runServe(cmd *cobra.Command, args []string) error {
	jsonLogs, _ := cmd.Flags().GetBool("json-logs")
	if err := logging.Initialize(jsonLogs); err != nil {
		return errors.Wrap(err, "failed to initialize logger")
	}

	cfg, err := config.Load()
	if err != nil {
		return errors.Wrap(err, "failed to load configuration")
	}

	reg := blend.NewRegistry()
	reg.Register(float64(0), blend.Max)

	rt := runtime.New(reg)
	if destDir, _ := cmd.Flags().GetString("primitive-dest"); destDir != "" {
		rt.SetPrimitiveDestDir(destDir)
	}

	k := kernel.New(kernel.Config{
		FailFast:              cfg.Kernel.FailFast,
		Debug:                 cfg.Kernel.Debug,
		RequiredDriverVersion: cfg.Kernel.RequiredDriverVersion,
	})
	rt.SetSink(k)
	k.SetUserspaceHandler(rt.HandleExternalInput)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := registerDrivers(ctx, k, cfg); err != nil {
		return err
	}

	pterm.Success.Println("propagatord listening")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	pterm.Info.Println("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	return k.Shutdown(shutdownCtx)
}

// registerDrivers builds and registers every driver enabled in cfg. A
// failure to register one driver is fatal to startup: a partially wired
// kernel is worse than failing fast.
func registerDrivers(ctx context.Context, k *kernel.Kernel, cfg *config.Config) error {
	if cfg.Observer.Enabled {
		obs := cliobserver.New("observer", "console-observer", "1.0.0", cfg.Observer.Verbosity)
		if err := k.RegisterDriver(ctx, obs); err != nil {
			return errors.Wrap(err, "failed to register console observer")
		}
		go obs.WatchErrors(ctx, k)
	}

	store := sqlstore.New("storage", "sqlite-storage", "1.0.0", sqlstore.Config{
		Path:         cfg.Storage.Path,
		MaxBatchSize: cfg.Storage.MaxBatchSize,
	})
	if err := k.RegisterDriver(ctx, store); err != nil {
		return errors.Wrap(err, "failed to register sqlite storage driver")
	}

	if cfg.HTTP.BaseURL != "" {
		httpDriver := httpbridge.New("http-bridge", "http-bridge", "1.0.0", cfg.HTTP.BaseURL, httpBridgeConfig(cfg.HTTP))
		if err := registerBridge(ctx, k, httpDriver); err != nil {
			return err
		}
	}

	if cfg.GRPC.Enabled {
		grpcDriver := grpcbridge.New("grpc-bridge", "grpc-bridge", "1.0.0", cfg.GRPC.Addr, bridge.DefaultConfig())
		if err := registerBridge(ctx, k, grpcDriver); err != nil {
			return err
		}
	}

	if cfg.WS.Enabled {
		wsDriver := wsbridge.New("ws-bridge", "ws-bridge", "1.0.0", cfg.WS.URL, bridge.DefaultConfig())
		if err := registerBridge(ctx, k, wsDriver); err != nil {
			return err
		}
	}

	if cfg.FS.Enabled {
		fsDriver := fsbridge.New("fs-bridge", "fs-bridge", "1.0.0", cfg.FS.Dir, bridge.DefaultConfig())
		if cfg.FS.DebounceMS > 0 {
			fsDriver.SetDebouncePeriod(time.Duration(cfg.FS.DebounceMS) * time.Millisecond)
		}
		if err := registerBridge(ctx, k, fsDriver); err != nil {
			return err
		}
	}

	if cfg.MCP.Enabled {
		mcpDriver := mcpbridge.New("mcp-bridge", "mcp-bridge", "1.0.0", bridge.DefaultConfig())
		if err := registerBridge(ctx, k, mcpDriver); err != nil {
			return err
		}
	}

	return nil
}

func registerBridge(ctx context.Context, k *kernel.Kernel, d driver.Driver) error {
	if err := k.RegisterDriver(ctx, d); err != nil {
		return errors.Wrapf(err, "failed to register bridge %s", d.ID())
	}
	return nil
}

func httpBridgeConfig(c config.HTTPBridgeConfig) bridge.Config {
	cfg := bridge.DefaultConfig()
	if c.BatchSize > 0 {
		cfg.BatchSize = c.BatchSize
	}
	if c.BatchDelayMS > 0 {
		cfg.BatchDelay = time.Duration(c.BatchDelayMS) * time.Millisecond
	}
	if c.RetryAttempts > 0 {
		cfg.RetryAttempts = c.RetryAttempts
	}
	if c.RetryDelayMS > 0 {
		cfg.RetryDelay = time.Duration(c.RetryDelayMS) * time.Millisecond
	}
	if c.QueueSize > 0 {
		cfg.QueueSize = c.QueueSize
	}
	if c.CircuitThreshold > 0 {
		cfg.CircuitThreshold = c.CircuitThreshold
	}
	if c.CircuitResetMS > 0 {
		cfg.CircuitResetTime = time.Duration(c.CircuitResetMS) * time.Millisecond
	}
	if c.PollIntervalMS > 0 {
		cfg.PollInterval = time.Duration(c.PollIntervalMS) * time.Millisecond
	}
	if c.LongPollTimeoutS > 0 {
		cfg.LongPollTimeout = time.Duration(c.LongPollTimeoutS) * time.Second
	}
	cfg.OutboundRateLimit = c.RateLimitPerSec
	cfg.OutboundBurst = c.RateLimitBurst
	return cfg
}
