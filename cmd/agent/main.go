// Command agent runs the Agent process of spec.md §4.5: one Pipe per
// configured (source, sender) pair, each moving a source's filesystem rows
// into Fusion through a handshake session.
package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/excelwang/fustor-sub003/internal/agentpipe"
	"github.com/excelwang/fustor-sub003/internal/config"
	"github.com/excelwang/fustor-sub003/internal/eventbus"
	"github.com/excelwang/fustor-sub003/internal/flog"
	"github.com/excelwang/fustor-sub003/internal/fswalk"
	"github.com/excelwang/fustor-sub003/internal/metrics"
	"github.com/excelwang/fustor-sub003/internal/wire"
)

var (
	configDir   string
	metricsAddr string
	logLevel    string
	logJSON     bool
)

func main() {
	root := &cobra.Command{
		Use:   "agent",
		Short: "Fustor Agent: mirrors a local filesystem's state into one or more Fusion views",
		RunE:  run,
	}
	root.Flags().StringVar(&configDir, "config-dir", "", "fustor_home directory of *.yaml config files (required)")
	root.Flags().StringVar(&metricsAddr, "metrics-addr", ":9091", "Prometheus /metrics listen address")
	root.Flags().StringVar(&logLevel, "log-level", "info", "log level: debug, info, error")
	root.Flags().BoolVar(&logJSON, "log-json", false, "emit JSON log lines")
	_ = root.MarkFlagRequired("config-dir")

	if err := root.Execute(); err != nil {
		flog.With(flog.Fields{"error": err.Error()}).Error("agent exiting")
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

	agentID, err := config.LoadOrCreateAgentID(configDir, deriveAgentID)
	if err != nil {
		return err
	}
	flog.With(flog.Fields{"agent_id": agentID}).Info("agent starting")

	cfg, err := config.LoadAgent(configDir)
	if err != nil {
		return err
	}

	buses := eventbus.NewRegistry(10000)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	pipes, err := buildPipes(cfg, buses)
	if err != nil {
		return err
	}
	for _, p := range pipes {
		p := p
		g.Go(func() error { return p.pipe.Run(gctx, p.sourceURI) })
	}

	pipePtrs := make([]*agentpipe.Pipe, len(pipes))
	for i, p := range pipes {
		pipePtrs[i] = p.pipe
	}
	supervisor := agentpipe.NewBusSupervisor(pipePtrs, buses, 10*time.Second)
	g.Go(func() error { supervisor.Run(gctx); return nil })

	reloader := config.WatchSIGHUP(func() {
		newCfg, err := config.LoadAgent(configDir)
		if err != nil {
			flog.With(flog.Fields{"error": err.Error()}).Error("config reload failed")
			return
		}
		changed, removed := config.AgentPipeDiff(cfg, newCfg)
		flog.With(flog.Fields{"changed": changed, "removed": removed}).Info("config reload observed; pipe set itself is immutable until restart")
		cfg = newCfg
	})
	defer reloader.Stop()

	metricsServer := &http.Server{Addr: metricsAddr, Handler: promhttp.HandlerFor(registry, promhttp.HandlerOpts{})}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			flog.With(flog.Fields{"error": err.Error()}).Error("metrics server failed")
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)

	errc := make(chan error, 1)
	go func() { errc <- g.Wait() }()

	select {
	case err := <-errc:
		return err
	case <-sig:
		flog.Logger.Info("shutting down")
		cancel()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		_ = metricsServer.Shutdown(shutdownCtx)
		<-errc
	}
	return nil
}

type runningPipe struct {
	pipe      *agentpipe.Pipe
	sourceURI string
}

// buildPipes resolves every configured Agent Pipe into a runnable
// agentpipe.Pipe, wiring its Source (fswalk), Sender (wire.Client), and the
// Event Bus its Source/Sender pair shares with any sibling Pipe.
func buildPipes(cfg *config.Agent, buses *eventbus.Registry) ([]runningPipe, error) {
	sourcesByID := make(map[string]config.SourceConfig, len(cfg.Sources))
	for _, s := range cfg.Sources {
		sourcesByID[s.ID] = s
	}
	sendersByID := make(map[string]config.SenderConfig, len(cfg.Senders))
	for _, s := range cfg.Senders {
		sendersByID[s.ID] = s
	}

	out := make([]runningPipe, 0, len(cfg.Pipes))
	for _, pc := range cfg.Pipes {
		src, ok := sourcesByID[pc.SourceID]
		if !ok {
			return nil, fmt.Errorf("fustor: pipe %s references unknown source %s", pc.ID, pc.SourceID)
		}
		snd, ok := sendersByID[pc.SenderID]
		if !ok {
			return nil, fmt.Errorf("fustor: pipe %s references unknown sender %s", pc.ID, pc.SenderID)
		}

		bus := buses.GetOrCreate(pc.SourceID, pc.SenderID)
		source := fswalk.New(src.Root)
		sender := wire.NewClient(snd.URL, snd.APIKey, snd.ViewID, snd.PipeID)

		pipeCfg := agentpipe.Config{
			ID:                pc.ID,
			SourceID:          pc.SourceID,
			SenderID:          pc.SenderID,
			BatchSize:         pc.BatchSize,
			HeartbeatInterval: pc.HeartbeatInterval,
			AuditInterval:     pc.AuditInterval,
			SentinelInterval:  pc.SentinelInterval,
		}
		p := agentpipe.New(pipeCfg, source, sender, bus, agentpipe.CommandHandlers{})
		out = append(out, runningPipe{pipe: p, sourceURI: src.Root})
	}
	return out, nil
}

// deriveAgentID builds the `<ip_dashed>-<uuid8>` identity spec.md §6 names,
// falling back to "unknown" if no outbound-routable address is found.
func deriveAgentID() string {
	ip := "unknown"
	if conn, err := net.Dial("udp", "8.8.8.8:80"); err == nil {
		ip = conn.LocalAddr().(*net.UDPAddr).IP.String()
		_ = conn.Close()
	}
	dashed := ipDashed(ip)
	return fmt.Sprintf("%s-%s", dashed, uuid.NewString()[:8])
}

func ipDashed(ip string) string {
	out := make([]byte, 0, len(ip))
	for _, r := range ip {
		if r == '.' || r == ':' {
			out = append(out, '-')
			continue
		}
		out = append(out, byte(r))
	}
	return string(out)
}
