// Command splight-agent runs the per-host compute-node agent: it
// reconciles this host's containers against the workload declared for
// it on the Splight control plane.
//
// Grounded on cuemby-warren/cmd/warren/main.go's flag-registration,
// cobra.OnInitialize logging bootstrap, and signal-channel idiom —
// reduced to a single command, since this binary runs one daemon
// rather than dispatching between cluster/worker/manager subcommands.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/splightplatform/splight-agent/internal/agenterrors"
	"github.com/splightplatform/splight-agent/internal/config"
	"github.com/splightplatform/splight-agent/internal/logging"
	"github.com/splightplatform/splight-agent/internal/orchestrator"
)

var (
	flagConfig config.Config
	logLevel   string
	logJSON    bool
)

func main() {
	root := newRootCommand()
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "splight-agent",
		Short:   "Reconcile this host's containers against the Splight control plane",
		Version: orchestrator.Version,
		RunE:    run,
	}

	flags := cmd.Flags()
	flags.StringVar(&flagConfig.ComputeNodeID, "compute-node-id", "", "compute node id registered with the control plane")
	flags.StringVar(&flagConfig.WorkspaceName, "workspace-name", "", "workspace name")
	flags.StringVar(&flagConfig.ECRRepository, "ecr-repository", "", "container registry override")
	flags.StringVar(&flagConfig.Namespace, "namespace", "", "deployment namespace")
	flags.StringVar(&flagConfig.AccessID, "access-id", "", "control plane access id")
	flags.StringVar(&flagConfig.SecretKey, "secret-key", "", "control plane secret key")
	flags.StringVar(&flagConfig.APIHost, "api-host", "", "control plane API host")
	flags.StringVar(&flagConfig.APIVersion, "api-version", "", "control plane API version")
	flags.StringVar(&flagConfig.RunnerCLIVersion, "runner-cli-version", "", "current runner CLI version, for legacy-runner detection")
	flags.IntVar(&flagConfig.PollIntervalSeconds, "poll-interval", 0, "seconds between dispatcher reconciliation ticks")
	flags.IntVar(&flagConfig.PingIntervalSeconds, "ping-interval", 0, "seconds between beacon healthchecks")
	flags.IntVar(&flagConfig.UsageIntervalSeconds, "usage-interval", 0, "seconds between usage reports")
	flags.IntVar(&flagConfig.LatencyIntervalSeconds, "latency-interval", 0, "seconds between latency reports")
	flags.IntVar(&flagConfig.CPUPercentSamples, "cpu-percent-samples", 0, "number of one-second samples averaged per usage report")
	flags.BoolVar(&flagConfig.ReportUsage, "report-usage", false, "enable periodic usage reporting")
	flags.StringVar(&flagConfig.ComponentImageDir, "component-image-dir", "", "staging directory for component image tarballs")
	flags.StringVar(&flagConfig.ServerImageDir, "server-image-dir", "", "staging directory for server image tarballs")
	flags.StringVar(&flagConfig.MetricsAddr, "metrics-addr", "", "address to serve /metrics, /healthz and /readyz on")
	flags.StringVar(&logLevel, "log-level", "", "log level (debug, info, warn, error)")
	flags.BoolVar(&logJSON, "log-json", false, "emit logs as JSON instead of console text")

	return cmd
}

func run(cmd *cobra.Command, args []string) error {
	explicit := flagConfig
	if cmd.Flags().Changed("log-level") {
		explicit.LogLevel = logLevel
	}
	if cmd.Flags().Changed("log-json") {
		explicit.LogJSON = logJSON
	}

	cfg, err := config.Load(explicit)
	if err != nil {
		var confErr *agenterrors.ConfigurationError
		if asConfigurationError(err, &confErr) {
			return fmt.Errorf("%s", confErr.Msg)
		}
		return err
	}

	logger := logging.New(logging.Config{Level: cfg.LogLevel, JSON: cfg.LogJSON})
	logger = logging.WithNodeID(logger, cfg.ComputeNodeID)

	ctx, stop := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	orch, err := orchestrator.New(ctx, cfg, logger)
	if err != nil {
		stop()
		return fmt.Errorf("failed to initialize agent: %w", err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		orch.Run(ctx)
	}()

	<-sigCh
	logger.Info().Msg("termination signal received, draining")

	orch.Drain(context.Background())
	stop()
	<-done

	logger.Info().Msg("agent stopped")
	return nil
}

func asConfigurationError(err error, target **agenterrors.ConfigurationError) bool {
	ce, ok := err.(*agenterrors.ConfigurationError)
	if ok {
		*target = ce
	}
	return ok
}
