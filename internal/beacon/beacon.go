// Package beacon periodically pings the control plane so it can tell
// this compute node is still alive.
//
// Grounded on original_source/beacon.py: a ticker thread that pings
// and logs-and-continues on failure, never dying from a single missed
// beat.
package beacon

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/splightplatform/splight-agent/internal/model"
)

// Beacon pings node.Ping on a fixed interval.
type Beacon struct {
	node     *model.ComputeNode
	interval time.Duration
	logger   zerolog.Logger
}

// New builds a Beacon pinging every interval.
func New(node *model.ComputeNode, interval time.Duration, logger zerolog.Logger) *Beacon {
	return &Beacon{node: node, interval: interval, logger: logger.With().Str("component", "beacon").Logger()}
}

// Run blocks, pinging until ctx is cancelled.
func (b *Beacon) Run(ctx context.Context) {
	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := b.node.Ping(ctx); err != nil {
				b.logger.Warn().Err(err).Msg("healthcheck ping failed")
			}
		}
	}
}
