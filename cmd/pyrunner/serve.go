package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	goutils "github.com/jkaninda/go-utils"

	"pyrunner/internal/config"
	"pyrunner/internal/gateway/httpapi"
	"pyrunner/internal/gateway/ws"
	"pyrunner/internal/history"
	"pyrunner/internal/hub"
	"pyrunner/internal/observability"
	"pyrunner/internal/store"
	"pyrunner/internal/supervisor"
	"pyrunner/internal/validator"
)

var (
	serveConfigPath string
	servePort       string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the runner (HTTP API, WebSocket observers, supervisor)",
	RunE:  runServe,
}

func init() {
	// Register flags on both root and serve so that
	// `pyrunner --config path` and `pyrunner serve --config path` both work.
	for _, cmd := range []*cobra.Command{rootCmd, serveCmd} {
		cmd.Flags().StringVar(&serveConfigPath, "config", config.DefaultConfigPath(), "path to config file")
		cmd.Flags().StringVar(&servePort, "port", "", "override HTTP listen address (e.g. :5000)")
	}
}

func runServe(_ *cobra.Command, _ []string) error {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	cfg, err := config.Load(goutils.Env("PYRUNNER_CONFIG", serveConfigPath))
	if err != nil {
		return err
	}
	if servePort != "" {
		cfg.Server.ListenAddr = servePort
	}

	logger.Info("starting pyrunner",
		slog.String("config", serveConfigPath),
		slog.String("code_dir", cfg.CodeDir),
		slog.String("addr", cfg.Server.ListenAddr),
	)

	st, err := store.New(cfg.CodeDir, cfg.LogDir, cfg.AutobootFile, logger)
	if err != nil {
		return err
	}

	catalog := cfg.Catalog()
	v := validator.New(catalog, cfg.CodeDir)
	h := hub.New(logger)

	var metrics *observability.MetricsCollector
	if cfg.Metrics != nil && cfg.Metrics.Enabled {
		metrics = observability.NewMetricsCollector()
	}

	var hist *history.Store
	if cfg.History != nil && cfg.History.Enabled {
		hist, err = history.Open(cfg.History.Path, logger)
		if err != nil {
			return err
		}
		defer hist.Close()
	}

	sup := supervisor.New(supervisor.Config{
		Interpreter: cfg.Interpreter,
		Store:       st,
		Validator:   v,
		Hub:         h,
		History:     hist,
		Metrics:     metrics,
	}, logger)

	wsServer := ws.NewServer(sup, h, metrics, logger)

	gwCfg := httpapi.Config{
		ListenAddr: cfg.Server.ListenAddr,
		EnableDocs: cfg.Server.EnableDocs,
	}
	if metrics != nil {
		gwCfg.MetricsRegistry = metrics.Registry
		gwCfg.MetricsPath = cfg.Metrics.MetricsPath()
	}

	gw := httpapi.NewGateway(gwCfg, st, v, catalog, sup, logger).
		WithHandler("/ws", wsServer.Handler())
	if hist != nil {
		gw.WithHistory(hist)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Autoboot: start the marked script once the server is up.
	go func() {
		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Second):
		}
		name := st.Autoboot()
		if name == "" {
			return
		}
		logger.Info("autoboot", slog.String("script", name))
		if _, err := sup.Start(name, ""); err != nil {
			logger.Error("autoboot start failed",
				slog.String("script", name),
				slog.String("error", err.Error()),
			)
		}
	}()

	go func() {
		<-ctx.Done()
		logger.Info("shutdown signal received")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := gw.Stop(shutdownCtx); err != nil {
			logger.Error("shutdown failed", slog.String("error", err.Error()))
		}
	}()

	return gw.Start(ctx)
}
