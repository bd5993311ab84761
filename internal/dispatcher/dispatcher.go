// Package dispatcher periodically reconciles the control plane's
// declared workload against what the runtime actually has running,
// and hands the engine whatever action closes the gap.
//
// Adapted from the teacher's manager.Manager: that type's worker
// bookkeeping (Pending queue, WorkerTaskMap, TaskWorkerMap) served a
// multi-worker scheduler this single-node agent has no equivalent of;
// what survives is the shape of a type that owns a poll loop and turns
// declared work into dispatched actions.
package dispatcher

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/splightplatform/splight-agent/internal/engine"
	"github.com/splightplatform/splight-agent/internal/model"
)

// Dispatcher owns the reconciliation loop: on every tick it lists
// declared instances, computes at most one action per instance, and
// hands each action to the engine.
type Dispatcher struct {
	node         *model.ComputeNode
	engine       *engine.Engine
	pollInterval time.Duration
	logger       zerolog.Logger
}

// New builds a Dispatcher polling node every pollInterval.
func New(node *model.ComputeNode, eng *engine.Engine, pollInterval time.Duration, logger zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		node:         node,
		engine:       eng,
		pollInterval: pollInterval,
		logger:       logger.With().Str("component", "dispatcher").Logger(),
	}
}

// Run blocks, ticking every pollInterval until ctx is cancelled. It is
// meant to be the agent's main-thread loop: signal handling cancels
// ctx, which this loop observes between ticks.
func (d *Dispatcher) Run(ctx context.Context) {
	for {
		d.tick(ctx)
		select {
		case <-ctx.Done():
			return
		case <-time.After(d.pollInterval):
		}
	}
}

func (d *Dispatcher) tick(ctx context.Context) {
	instances, err := d.node.Instances(ctx)
	if err != nil {
		d.logger.Error().Err(err).Msg("failed to list declared instances, will retry next tick")
		return
	}

	for _, instance := range instances {
		action, err := d.computeAction(ctx, instance)
		if err != nil {
			d.logger.Error().Err(err).Str("instance_id", instance.ID()).Msg("failed to compute action, skipping this tick")
			continue
		}
		if action == nil {
			continue
		}
		if err := d.engine.HandleAction(ctx, *action); err != nil {
			d.logger.Error().Err(err).Str("instance_id", instance.ID()).Str("action", string(action.Type)).Msg("action failed")
		}
	}
}

// computeAction is the decision table from original_source's
// dispatcher.py: compare the instance's declared active flag against
// whether it has a running container, and the declared state hash
// against the container's labelled hash, to decide RUN, STOP, RESTART,
// or no action at all.
func (d *Dispatcher) computeAction(ctx context.Context, instance model.Instance) (*engine.Action, error) {
	deployedHash, err := d.engine.GetInstanceHash(ctx, instance)
	if err != nil {
		return nil, err
	}
	deployed := deployedHash != ""
	active := instance.Active()

	switch {
	case active && !deployed:
		// Declared active with nothing running: start it.
		return &engine.Action{Type: engine.ActionRun, Instance: instance}, nil

	case active && deployed && deployedHash != instance.Hash():
		// Declared active but the running container's configuration
		// is stale relative to the control plane: restart to pick up
		// the new state.
		return &engine.Action{Type: engine.ActionRestart, Instance: instance}, nil

	case active && deployed:
		// Declared active and already running with matching state:
		// nothing to do.
		return nil, nil

	case !active && deployed:
		// Declared inactive but still running: stop it.
		return &engine.Action{Type: engine.ActionStop, Instance: instance}, nil

	default:
		// Declared inactive and not running. If the control plane
		// still thinks it's anything other than Stopped, correct the
		// record without touching the runtime.
		if instance.Status() != model.StatusStopped {
			instance.SetStatus(model.StatusStopped)
			if err := instance.UpdateStatus(ctx); err != nil {
				d.logger.Warn().Err(err).Str("instance_id", instance.ID()).Msg("failed to publish stopped status for orphaned record")
			}
		}
		return nil, nil
	}
}

// WaitForInstancesToStop polls instances' status until every one
// reports Stopped or ctx is cancelled, whichever comes first. Used
// during the drain sequence after Engine.StopAll.
func (d *Dispatcher) WaitForInstancesToStop(ctx context.Context, instances []model.Instance) {
	pending := append([]model.Instance(nil), instances...)

	for len(pending) > 0 {
		select {
		case <-ctx.Done():
			return
		default:
		}

		var remaining []model.Instance
		for _, instance := range pending {
			if err := instance.Refresh(ctx); err != nil {
				d.logger.Warn().Err(err).Str("instance_id", instance.ID()).Msg("failed to refresh instance status while draining")
				remaining = append(remaining, instance)
				continue
			}
			if instance.Status() != model.StatusStopped {
				remaining = append(remaining, instance)
			}
		}
		pending = remaining

		if len(pending) == 0 {
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(d.pollInterval):
		}
	}
}
