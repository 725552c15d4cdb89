package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"conductor/pkg/config"
	"conductor/pkg/eventlog"
	"conductor/pkg/logx"
	"conductor/pkg/metrics"
	"conductor/pkg/notify"
	"conductor/pkg/orchestrator"
	"conductor/pkg/profile"
	"conductor/pkg/session"
	"conductor/pkg/store"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "", "Path to config file (YAML)")
	flag.Parse()

	if configPath == "" {
		configPath = os.Getenv("CONFIG_PATH")
	}

	if err := run(configPath); err != nil {
		fmt.Fprintf(os.Stderr, "conductor: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logx.SetDebug(cfg.LogLevel == "DEBUG", nil)
	logger := logx.NewLogger("main")

	st, err := store.Open(cfg.DBPath)
	if err != nil {
		return err
	}
	defer st.Close()

	if err := st.EnsureOwner(cfg.OwnerID); err != nil {
		return err
	}

	var audit *eventlog.Writer
	if cfg.EventLogDir != "" {
		audit, err = eventlog.NewWriter(cfg.EventLogDir)
		if err != nil {
			return err
		}
		defer audit.Close()
	}

	prof := profile.New(cfg.Workdir, cfg.AllowedWorkdirs, cfg.SafeDefaultApproval)
	sessions := session.NewManager(st, cfg)
	notifier := notify.NewLogNotifier(cfg.ResponseMode)
	rec := metrics.NewRecorder()

	orch := orchestrator.New(cfg, st, prof, sessions, notifier, rec, audit)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		srv := &http.Server{Addr: cfg.MetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			logger.Info("metrics listening on %s", cfg.MetricsAddr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server failed: %v", err)
			}
		}()
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(sctx)
		}()
	}

	logger.Info("conductor started (owner=%d, db=%s)", cfg.OwnerID, cfg.DBPath)

	err = orch.Run(ctx)
	sessions.Shutdown()
	logger.Info("conductor stopped")

	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
