// Package orchestrator wires every other internal package into a
// running agent and owns the startup and drain sequences.
//
// Grounded on original_source/orchestrator.py: _create_engine /
// _create_beacon / _create_dispatcher wiring, start(), and kill()'s
// stop_all → wait_for_instances_to_stop → stop beacon/exporter →
// exit(0) drain order.
package orchestrator

import (
	"context"
	"fmt"

	docker "github.com/docker/docker/client"
	"github.com/rs/zerolog"

	"github.com/splightplatform/splight-agent/internal/beacon"
	"github.com/splightplatform/splight-agent/internal/config"
	"github.com/splightplatform/splight-agent/internal/dispatcher"
	"github.com/splightplatform/splight-agent/internal/engine"
	"github.com/splightplatform/splight-agent/internal/exporter"
	"github.com/splightplatform/splight-agent/internal/hub"
	"github.com/splightplatform/splight-agent/internal/latency"
	"github.com/splightplatform/splight-agent/internal/metrics"
	"github.com/splightplatform/splight-agent/internal/model"
	"github.com/splightplatform/splight-agent/internal/restclient"
	"github.com/splightplatform/splight-agent/internal/runtime"
	"github.com/splightplatform/splight-agent/internal/usage"
)

// Version is overridden at build time via -ldflags.
var Version = "dev"

// Orchestrator owns every long-lived component and the sequencing
// between them.
type Orchestrator struct {
	cfg        config.Config
	node       *model.ComputeNode
	engine     *engine.Engine
	dispatcher *dispatcher.Dispatcher
	exporter   *exporter.Exporter
	beacon     *beacon.Beacon
	usage      *usage.Reporter
	latency    *latency.Reporter
	metrics    *metrics.Server
	logger     zerolog.Logger
}

// New wires every component from cfg. It reaches out to the Docker
// daemon and reconciles the shared network as part of construction, so
// a failure here is a startup failure, not a runtime one.
func New(ctx context.Context, cfg config.Config, logger zerolog.Logger) (*Orchestrator, error) {
	dockerClient, err := docker.NewClientWithOpts(docker.FromEnv, docker.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("connect to container runtime: %w", err)
	}

	rest := restclient.New(restclient.Config{
		BaseURL:    cfg.APIHost,
		APIVersion: cfg.APIVersion,
		AccessID:   cfg.AccessID,
		SecretKey:  cfg.SecretKey,
	}, logger)

	node := model.NewComputeNode(cfg.ComputeNodeID, cfg.WorkspaceName, rest)
	rt := runtime.New(dockerClient, logger)
	downloader := hub.New(rest, logger)

	eng, err := engine.New(ctx, engine.Config{
		ComputeNodeID:     cfg.ComputeNodeID,
		Namespace:         cfg.Namespace,
		AccessID:          cfg.AccessID,
		SecretKey:         cfg.SecretKey,
		APIHost:           cfg.APIHost,
		RunnerCLIVersion:  cfg.RunnerCLIVersion,
		ComponentImageDir: cfg.ComponentImageDir,
		ServerImageDir:    cfg.ServerImageDir,
	}, rt, downloader, rest, logger)
	if err != nil {
		return nil, fmt.Errorf("construct engine: %w", err)
	}

	disp := dispatcher.New(node, eng, cfg.PollInterval(), logger)
	exp := exporter.New(rt, exporter.NewRESTPublisher(rest), cfg.ComputeNodeID, logger)
	bcn := beacon.New(node, cfg.PingInterval(), logger)

	var usageReporter *usage.Reporter
	if cfg.ReportUsage {
		usageReporter = usage.New(node, cfg.UsageInterval(), cfg.CPUPercentSamples, logger)
	}
	latencyReporter := latency.New(node, cfg.LatencyInterval(), logger)
	metricsServer := metrics.NewServer(cfg.MetricsAddr)

	return &Orchestrator{
		cfg:        cfg,
		node:       node,
		engine:     eng,
		dispatcher: disp,
		exporter:   exp,
		beacon:     bcn,
		usage:      usageReporter,
		latency:    latencyReporter,
		metrics:    metricsServer,
		logger:     logger.With().Str("component", "orchestrator").Logger(),
	}, nil
}

// Run starts every background component and blocks on the dispatcher's
// main reconciliation loop until ctx is cancelled.
func (o *Orchestrator) Run(ctx context.Context) {
	if err := o.node.ReportVersion(ctx, Version); err != nil {
		o.logger.Warn().Err(err).Msg("failed to report agent version")
	}

	go o.exporter.Run(ctx)
	go o.beacon.Run(ctx)
	go o.latency.Run(ctx)
	if o.usage != nil {
		go o.usage.Run(ctx)
	}
	go func() {
		if err := o.metrics.Run(ctx); err != nil {
			o.logger.Warn().Err(err).Msg("metrics server stopped with an error")
		}
	}()

	o.dispatcher.Run(ctx)
}

// Drain performs the graceful shutdown sequence: stop every managed
// container, then wait for their statuses to settle. The entrypoint
// calls it with a context independent of the one passed to Run and
// cancels Run's context only after Drain returns, so the exporter is
// still running to publish the stop transitions the wait observes.
func (o *Orchestrator) Drain(ctx context.Context) {
	o.logger.Info().Msg("draining: stopping all managed containers")
	stopped := o.engine.StopAll(ctx)
	o.dispatcher.WaitForInstancesToStop(ctx, stopped)
	o.logger.Info().Msg("drain complete")
}
