// Package latency measures the round-trip time of a control-plane
// call on a fixed interval and reports it back.
//
// Grounded on original_source/latency.py (time.monotonic() around a
// ping call); spec.md's external interface table has no dedicated
// ping path, so this reuses the same healthcheck call the beacon
// makes — see DESIGN.md's Open Question decisions.
package latency

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/splightplatform/splight-agent/internal/metrics"
	"github.com/splightplatform/splight-agent/internal/model"
)

// Reporter measures and reports round-trip latency on a fixed
// interval.
type Reporter struct {
	node     *model.ComputeNode
	interval time.Duration
	logger   zerolog.Logger
}

// New builds a Reporter sampling every interval.
func New(node *model.ComputeNode, interval time.Duration, logger zerolog.Logger) *Reporter {
	return &Reporter{node: node, interval: interval, logger: logger.With().Str("component", "latency").Logger()}
}

// Run blocks, sampling and reporting until ctx is cancelled.
func (r *Reporter) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.sampleOnce(ctx)
		}
	}
}

func (r *Reporter) sampleOnce(ctx context.Context) {
	start := time.Now()
	err := r.node.Ping(ctx)
	elapsed := time.Since(start)

	if err != nil {
		r.logger.Warn().Err(err).Msg("latency probe failed")
		return
	}

	latencyMs := float64(elapsed.Microseconds()) / 1000.0
	metrics.LatencyMillis.Set(latencyMs)
	if err := r.node.SaveLatency(ctx, latencyMs); err != nil {
		r.logger.Warn().Err(err).Msg("failed to publish latency sample")
	}
}
