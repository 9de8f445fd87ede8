package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/DigitalExtinction/Game-sub002/internal/config"
	"github.com/DigitalExtinction/Game-sub002/internal/logging"
	"github.com/DigitalExtinction/Game-sub002/internal/metrics"
	"github.com/DigitalExtinction/Game-sub002/internal/relay"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

const version = "1.0.0"

// Exit codes, per spec §6: 0 clean, 1 bind failure, 2 unrecoverable socket
// error.
const (
	exitClean        = 0
	exitBindFailure  = 1
	exitSocketFailed = 2
)

func main() {
	root := &cobra.Command{
		Use:     "relay",
		Short:   "Multi-tenant game relay server",
		Version: version,
		RunE:    run,
	}
	if err := root.Execute(); err != nil {
		os.Exit(exitSocketFailed)
	}
}

func run(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		logrus.WithError(err).Fatal("failed to load configuration")
	}
	logging.Configure(cfg.LogLevel)
	logging.Banner(version)

	logrus.WithFields(logrus.Fields{
		"connector_port": cfg.ConnectorPort,
		"max_games":      cfg.MaxGames,
		"log_level":      cfg.LogLevel,
	}).Info("starting relay")

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	metricsSrv := &http.Server{Addr: "127.0.0.1:9090", Handler: metrics.Handler(reg)}
	go func() {
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logrus.WithError(err).Warn("metrics server exited")
		}
	}()

	connector, err := relay.NewConnector(cfg.ConnectorPort, cfg.MaxGames, m)
	if err != nil {
		logrus.WithError(err).Error("failed to bind connector port")
		os.Exit(exitBindFailure)
	}

	ctx, cancel := context.WithCancel(context.Background())

	errCh := make(chan error, 1)
	go func() {
		errCh <- connector.Run(ctx)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err != nil {
			logrus.WithError(err).Error("connector exited with error")
			cancel()
			os.Exit(exitSocketFailed)
		}
	case sig := <-sigCh:
		logrus.WithField("signal", sig).Warn("received shutdown signal")
		cancel()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = metricsSrv.Shutdown(shutdownCtx)
		shutdownCancel()

		<-errCh
		logrus.Info("relay stopped")
	}

	os.Exit(exitClean)
	return nil
}
