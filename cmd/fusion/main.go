// Command fusion runs the Fusion process of spec.md §4.6: the session
// bridge, per-view arbitration, and the HTTP wire/read APIs.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/excelwang/fustor-sub003/internal/arbitrate"
	"github.com/excelwang/fustor-sub003/internal/config"
	"github.com/excelwang/fustor-sub003/internal/event"
	"github.com/excelwang/fustor-sub003/internal/flog"
	"github.com/excelwang/fustor-sub003/internal/fsschema"
	"github.com/excelwang/fustor-sub003/internal/fusionpipe"
	"github.com/excelwang/fustor-sub003/internal/metrics"
	"github.com/excelwang/fustor-sub003/internal/session"
	"github.com/excelwang/fustor-sub003/internal/view"
	"github.com/excelwang/fustor-sub003/internal/wire"
)

var (
	configDir   string
	addr        string
	metricsAddr string
	logLevel    string
	logJSON     bool
)

func main() {
	root := &cobra.Command{
		Use:   "fusion",
		Short: "Fustor Fusion: mirrors Agent-reported filesystem state into queryable views",
		RunE:  run,
	}
	root.Flags().StringVar(&configDir, "config-dir", "", "fustor_home directory of *.yaml config files (required)")
	root.Flags().StringVar(&addr, "addr", ":8090", "wire/read API listen address")
	root.Flags().StringVar(&metricsAddr, "metrics-addr", ":9090", "Prometheus /metrics listen address")
	root.Flags().StringVar(&logLevel, "log-level", "info", "log level: debug, info, error")
	root.Flags().BoolVar(&logJSON, "log-json", false, "emit JSON log lines")
	_ = root.MarkFlagRequired("config-dir")

	if err := root.Execute(); err != nil {
		flog.With(flog.Fields{"error": err.Error()}).Error("fusion exiting")
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, _ []string) error {
	flog.SetLevel(logLevel)
	if logJSON {
		flog.SetJSON()
	}

	registry := prometheus.NewRegistry()
	metrics.Install(registry)

	cfg, err := config.LoadFusion(configDir)
	if err != nil {
		return err
	}

	views := view.NewRegistry()
	for _, vc := range cfg.Views {
		views.Register(view.New(view.Config{
			ID:                  vc.ID,
			APIKey:              vc.APIKey,
			MaxNodes:            vc.MaxNodes,
			AllowConcurrentPush: vc.AllowConcurrentPush,
			ForestMode:          vc.ForestMode,
			Arbitrate:           arbitrate.DefaultOptions(),
		}))
	}

	handlers := event.NewRegistry()
	fsschema.Register(handlers, views)

	sessions := session.NewManager(session.NewElection())
	isolation := fusionpipe.NewIsolation(5, 30*time.Second)
	receiver := fusionpipe.NewReceiver(sessions, views, handlers, isolation)

	fallback := fusionpipe.NewFallbackRegistry()
	scanner := fusionpipe.NewOnDemandScanner(sessions, views)
	fallback.Set(scanner.Invoke)

	auth := wire.NewAuthorizer(views, cfg)
	srv := wire.NewServer(wire.Config{Addr: addr}, sessions, views, receiver, fallback, auth)

	reloader := config.WatchSIGHUP(func() {
		newCfg, err := config.LoadFusion(configDir)
		if err != nil {
			flog.With(flog.Fields{"error": err.Error()}).Error("config reload failed")
			return
		}
		changed, removed := config.FusionPipeDiff(cfg, newCfg)
		flog.With(flog.Fields{"changed": changed, "removed": removed}).Info("config reload observed; view set itself is immutable until restart")
		cfg = newCfg
	})
	defer reloader.Stop()

	metricsServer := &http.Server{Addr: metricsAddr, Handler: promhttp.HandlerFor(registry, promhttp.HandlerOpts{})}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			flog.With(flog.Fields{"error": err.Error()}).Error("metrics server failed")
		}
	}()

	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errc:
		return err
	case <-sig:
		flog.Logger.Info("shutting down")
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
		_ = metricsServer.Shutdown(ctx)
	}
	return nil
}
