package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/clawbernetes/clawbernetes/pkg/actions"
	"github.com/clawbernetes/clawbernetes/pkg/autoscaler"
	"github.com/clawbernetes/clawbernetes/pkg/clawlog"
	"github.com/clawbernetes/clawbernetes/pkg/clawmetrics"
	"github.com/clawbernetes/clawbernetes/pkg/config"
	"github.com/clawbernetes/clawbernetes/pkg/ddos"
	"github.com/clawbernetes/clawbernetes/pkg/deploymon"
	"github.com/clawbernetes/clawbernetes/pkg/gateway"
	"github.com/clawbernetes/clawbernetes/pkg/ids"
	"github.com/clawbernetes/clawbernetes/pkg/mesh"
	"github.com/clawbernetes/clawbernetes/pkg/protection"
	"github.com/clawbernetes/clawbernetes/pkg/strategy"
	"github.com/clawbernetes/clawbernetes/pkg/svcmesh"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
)

var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "clawbernetes-gateway",
	Short:   "Clawbernetes gateway: session multiplexer, mesh allocator, service plane, autoscaler, DDoS protection",
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"clawbernetes-gateway version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))
	config.BindGatewayFlags(rootCmd)
	rootCmd.RunE = runGateway
}

func runGateway(cmd *cobra.Command, args []string) error {
	cfg := config.ReadGatewayFlags(cmd)

	clawlog.Init(clawlog.Config{
		Level:      clawlog.Level(cfg.LogLevel),
		JSONOutput: cfg.LogJSON,
	})
	logger := clawlog.WithComponent("gateway.main")

	meshAllocator, err := mesh.NewAllocator(cfg.MeshBaseCIDR, cfg.WorkloadBaseCIDR)
	if err != nil {
		return fmt.Errorf("construct mesh allocator: %w", err)
	}

	serviceMesh, err := svcmesh.NewMesh(cfg.ServiceBaseCIDR, svcmesh.NewIPTablesProgrammer())
	if err != nil {
		return fmt.Errorf("construct service mesh: %w", err)
	}

	ddosCfg := ddos.DefaultConfig()
	ddosCfg.MaxMessagesPerSecond = cfg.DDoS.MaxMessagesPerSecond
	ddosCfg.ViolationsBeforeBan = cfg.DDoS.ViolationsBeforeBan
	ddosCfg.BanDuration = cfg.DDoS.BanDuration
	ddosCfg.PermanentBanAfter = cfg.DDoS.PermanentBanAfter
	ddosCfg.ReputationThreshold = cfg.DDoS.ReputationThreshold
	ddosCfg.ConnectionLimit = cfg.DDoS.ConnectionLimit
	pipeline := ddos.New(ddosCfg, nil, nil)
	pipeline.Start(30 * time.Second)
	defer pipeline.Stop()

	facade := protection.NewFacade(meshAllocator, serviceMesh, pipeline)

	registry := gateway.NewRegistry()
	monitor := deploymon.NewMonitor()
	strategyEngine := strategy.NewEngine(monitor)
	_ = strategyEngine // constructed but not passed to the RPC dispatcher

	dispatch := newDispatcher(registry, facade)
	server := gateway.NewServer(registry, cfg.MaxConnections, dispatch)

	actionsMgr := actions.NewManager(autoscaler.Config{MinConfidence: 0.3, MaxScaleDelta: 4}, noopPoolSource{}, noopExecutor{})
	actionsMgr.Start(30 * time.Second)
	defer actionsMgr.Stop()

	mux := http.NewServeMux()
	mux.Handle("/", server)
	mux.Handle("/metrics", clawmetrics.Handler())

	httpServer := &http.Server{Addr: cfg.BindAddr, Handler: mux}
	metricsServer := &http.Server{Addr: cfg.MetricsAddr, Handler: promhttp.Handler()}

	go func() {
		logger.Info().Str("addr", cfg.BindAddr).Msg("gateway listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("gateway server failed")
		}
	}()
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("metrics server failed")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info().Msg("shutting down gateway")
	server.Shutdown()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = httpServer.Shutdown(ctx)
	_ = metricsServer.Shutdown(ctx)
	return nil
}

func newDispatcher(registry *gateway.Registry, facade *protection.Facade) gateway.Dispatcher {
	return func(s *gateway.Session, frame []byte) ([]byte, error) {
		if s.Dialect == gateway.DialectNode && s.NodeID.IsNil() {
			nodeID := ids.New()
			if err := registry.Register(s, nodeID); err != nil {
				return nil, err
			}
		}
		return nil, nil
	}
}

type noopPoolSource struct{}

func (noopPoolSource) ListPools() []autoscaler.PoolSnapshot {
	return nil
}

func (noopPoolSource) Metrics(ids.ID) autoscaler.MetricsSnapshot {
	return autoscaler.MetricsSnapshot{}
}

type noopExecutor struct{}

func (noopExecutor) Execute(actions.Action) error { return nil }
