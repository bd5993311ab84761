// Package engine executes the actions the dispatcher decides on
// against the container runtime: running, stopping and restarting
// instances, and translating the spec's declarative fields (capacity,
// restart policy, log level) into runtime primitives.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/go-connections/nat"
	units "github.com/docker/go-units"
	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog"

	"github.com/splightplatform/splight-agent/internal/agenterrors"
	"github.com/splightplatform/splight-agent/internal/model"
	"github.com/splightplatform/splight-agent/internal/restclient"
	"github.com/splightplatform/splight-agent/internal/runtime"
)

// Downloader is the image-acquisition dependency the engine needs;
// *hub.Downloader is the only production implementation, kept behind
// an interface here so tests can supply a fake without a real
// control-plane connection.
type Downloader interface {
	Fetch(ctx context.Context, artifact model.HubArtifact, dir string) (string, error)
}

// Label keys written onto every container the engine creates. These
// are the sole source of instance identity: the agent keeps no
// in-memory registry of what it has deployed.
const (
	LabelAgentID     = "ai.splight.agent-id"
	LabelComponentID = "ai.splight.component-id"
	LabelServerID    = "ai.splight.server-id"
	LabelStateHash   = "ai.splight.state-hash"
	LabelLegacy      = "ai.splight.legacy"
)

// ActionType enumerates what the dispatcher can ask the engine to do.
type ActionType string

const (
	ActionRun     ActionType = "RUN"
	ActionStop    ActionType = "STOP"
	ActionRestart ActionType = "RESTART"
)

// Action pairs an ActionType with the instance it targets.
type Action struct {
	Type     ActionType
	Instance model.Instance
}

// capacityMemoryLimits maps each declared capacity tier to a
// go-units-parseable memory limit string.
var capacityMemoryLimits = map[model.Capacity]string{
	model.CapacitySmall:     "500m",
	model.CapacityMedium:    "3g",
	model.CapacityLarge:     "7g",
	model.CapacityVeryLarge: "16g",
}

var restartPolicyModes = map[model.RestartPolicy]container.RestartPolicyMode{
	model.RestartAlways:    "always",
	model.RestartOnFailure: "on-failure",
	model.RestartNever:     "",
}

// healthcheck is fixed across every container the engine runs: it
// polls for a sentinel file component/server images are expected to
// touch once ready.
var healthcheck = &container.HealthConfig{
	Test:        []string{"CMD-SHELL", "ls /tmp/ | grep -q healthy_"},
	Interval:    5_000_000_000,  // 5s, in nanoseconds per container.HealthConfig
	Timeout:     5_000_000_000,  // 5s
	StartPeriod: 60_000_000_000, // 60s
}

var logConfig = container.LogConfig{
	Type: "json-file",
	Config: map[string]string{
		"max-size": "10m",
		"max-file": "3",
	},
}

// Config holds the engine's own settings: everything it needs besides
// the instance it's asked to act on.
type Config struct {
	ComputeNodeID     string
	Namespace         string
	AccessID          string
	SecretKey         string
	APIHost           string
	RunnerCLIVersion  string
	ComponentImageDir string
	ServerImageDir    string
}

// Engine owns the translation from declared instances to running
// containers. Grounded on original_source/engine.py's run/stop control
// flow, generalized from the teacher's single-image Docker.Run into a
// spec-driven, label-addressed container lifecycle.
type Engine struct {
	cfg        Config
	runtime    runtime.Adapter
	downloader Downloader
	rest       *restclient.Client
	networkID  string
	logger     zerolog.Logger
}

// New builds an Engine and reconciles the shared bridge network,
// connecting any pre-existing labelled containers that predate it.
func New(ctx context.Context, cfg Config, rt runtime.Adapter, downloader Downloader, rest *restclient.Client, logger zerolog.Logger) (*Engine, error) {
	e := &Engine{
		cfg:        cfg,
		runtime:    rt,
		downloader: downloader,
		rest:       rest,
		logger:     logger.With().Str("component", "engine").Logger(),
	}

	netID, err := rt.EnsureNetwork(ctx, cfg.ComputeNodeID)
	if err != nil {
		return nil, fmt.Errorf("reconcile network: %w", err)
	}
	e.networkID = netID

	refs, err := rt.ListContainers(ctx, map[string]string{LabelAgentID: cfg.ComputeNodeID}, true)
	if err != nil {
		return nil, fmt.Errorf("list existing containers: %w", err)
	}
	for _, ref := range refs {
		if containsString(ref.Networks, cfg.ComputeNodeID) {
			continue
		}
		if err := rt.Connect(ctx, netID, ref.ID); err != nil {
			e.logger.Warn().Err(err).Str("container_id", ref.ID).Msg("failed to reconnect container to shared network")
		}
	}

	return e, nil
}

func containsString(haystack []string, needle string) bool {
	for _, s := range haystack {
		if s == needle {
			return true
		}
	}
	return false
}

func instanceLabelKey(kind model.Kind) string {
	if kind == model.KindServer {
		return LabelServerID
	}
	return LabelComponentID
}

func instanceImageDir(cfg Config, kind model.Kind) string {
	if kind == model.KindServer {
		return cfg.ServerImageDir
	}
	return cfg.ComponentImageDir
}

// HandleAction dispatches a single decided action to Run, Stop or
// Restart.
func (e *Engine) HandleAction(ctx context.Context, action Action) error {
	switch action.Type {
	case ActionRun:
		return e.Run(ctx, action.Instance)
	case ActionStop:
		return e.Stop(ctx, action.Instance)
	case ActionRestart:
		return e.Restart(ctx, action.Instance)
	default:
		return &agenterrors.InvalidActionError{Action: string(action.Type)}
	}
}

// Run acquires the instance's image and starts a labelled container
// for it. Image acquisition failures are terminal for this attempt
// (logged, status set to Failed, nil returned so the dispatcher keeps
// polling); a failure in the runtime call itself is surfaced as a
// ContainerExecutionError since it indicates a problem worth the
// caller knowing about immediately.
func (e *Engine) Run(ctx context.Context, instance model.Instance) error {
	instance.SetStatus(model.StatusPending)
	if err := instance.UpdateStatus(ctx); err != nil {
		e.logger.Warn().Err(err).Str("instance_id", instance.ID()).Msg("failed to publish pending status")
	}

	artifact := instance.Hub()
	dir := instanceImageDir(e.cfg, instance.Kind())

	tarball, err := e.downloader.Fetch(ctx, artifact, dir)
	if err != nil {
		e.logger.Error().Err(err).Str("instance_id", instance.ID()).Msg("image download failed")
		e.failInstance(ctx, instance)
		return nil
	}

	imageRef, err := e.runtime.LoadImage(ctx, tarball)
	if err != nil {
		e.logger.Error().Err(err).Str("instance_id", instance.ID()).Msg("image load failed")
		e.failInstance(ctx, instance)
		return nil
	}

	spec, err := e.buildContainerSpec(instance, imageRef)
	if err != nil {
		e.logger.Error().Err(err).Str("instance_id", instance.ID()).Msg("failed to build container spec")
		e.failInstance(ctx, instance)
		return nil
	}

	if _, err := e.runtime.RunContainer(ctx, spec); err != nil {
		return &agenterrors.ContainerExecutionError{InstanceID: instance.ID(), Op: "run", Err: err}
	}
	return nil
}

func (e *Engine) failInstance(ctx context.Context, instance model.Instance) {
	instance.SetStatus(model.StatusFailed)
	if err := instance.UpdateStatus(ctx); err != nil {
		e.logger.Warn().Err(err).Str("instance_id", instance.ID()).Msg("failed to publish failed status")
	}
}

// Stop locates every container labelled for instance and stops and
// removes each of them. A missing container is a no-op, not an error:
// the runtime is the source of truth.
func (e *Engine) Stop(ctx context.Context, instance model.Instance) error {
	refs, err := e.runtime.ListContainers(ctx, map[string]string{
		LabelAgentID:                      e.cfg.ComputeNodeID,
		instanceLabelKey(instance.Kind()): instance.ID(),
	}, true)
	if err != nil {
		return &agenterrors.ContainerExecutionError{InstanceID: instance.ID(), Op: "list", Err: err}
	}
	if len(refs) == 0 {
		return nil
	}

	var result *multierror.Error
	for _, ref := range refs {
		if err := e.runtime.StopContainer(ctx, ref.ID); err != nil {
			result = multierror.Append(result, err)
			continue
		}
		if err := e.runtime.RemoveContainer(ctx, ref.ID); err != nil {
			result = multierror.Append(result, err)
		}
	}

	instance.SetStatus(model.StatusStopped)
	if err := instance.UpdateStatus(ctx); err != nil {
		e.logger.Warn().Err(err).Str("instance_id", instance.ID()).Msg("failed to publish stopped status")
	}

	if result.ErrorOrNil() != nil {
		return &agenterrors.ContainerExecutionError{InstanceID: instance.ID(), Op: "stop", Err: result.ErrorOrNil()}
	}
	return nil
}

// Restart stops then re-runs an instance unconditionally: a failure
// to stop (e.g. the runtime rejecting a stop or remove call) is logged
// but never blocks the subsequent run.
func (e *Engine) Restart(ctx context.Context, instance model.Instance) error {
	if err := e.Stop(ctx, instance); err != nil {
		e.logger.Warn().Err(err).Str("instance_id", instance.ID()).Msg("stop-before-restart reported an error, continuing")
	}
	return e.Run(ctx, instance)
}

// GetInstanceHash returns the StateHash label carried by instance's
// current container, or "" if none exists.
func (e *Engine) GetInstanceHash(ctx context.Context, instance model.Instance) (string, error) {
	refs, err := e.runtime.ListContainers(ctx, map[string]string{
		LabelAgentID:                      e.cfg.ComputeNodeID,
		instanceLabelKey(instance.Kind()): instance.ID(),
	}, true)
	if err != nil {
		return "", &agenterrors.ContainerExecutionError{InstanceID: instance.ID(), Op: "list", Err: err}
	}
	if len(refs) == 0 {
		return "", nil
	}
	return refs[0].Labels[LabelStateHash], nil
}

// StopAll stops and removes every container this agent has ever
// labelled, regardless of whether the agent still has declared state
// for it, and returns the minimal instances it stopped so the caller
// can wait for their statuses to settle. It never aborts partway
// through: a single container's failure is logged and the drain
// continues.
func (e *Engine) StopAll(ctx context.Context) []model.Instance {
	refs, err := e.runtime.ListContainers(ctx, map[string]string{LabelAgentID: e.cfg.ComputeNodeID}, true)
	if err != nil {
		e.logger.Error().Err(err).Msg("failed to list containers during drain")
		return nil
	}

	var stopped []model.Instance
	for _, ref := range refs {
		if err := e.runtime.StopContainer(ctx, ref.ID); err != nil {
			e.logger.Warn().Err(err).Str("container_id", ref.ID).Msg("failed to stop container during drain")
			continue
		}
		if err := e.runtime.RemoveContainer(ctx, ref.ID); err != nil {
			e.logger.Warn().Err(err).Str("container_id", ref.ID).Msg("failed to remove container during drain")
		}

		if id, ok := ref.Labels[LabelComponentID]; ok {
			stopped = append(stopped, model.NewMinimalComponent(id, e.rest))
		} else if id, ok := ref.Labels[LabelServerID]; ok {
			stopped = append(stopped, model.NewMinimalServer(id, e.rest))
		}
	}
	return stopped
}

// buildContainerSpec translates an instance's declared fields into a
// runtime.ContainerSpec: labels for identity, capacity into a memory
// limit, restart policy into the runtime's vocabulary, and (for
// components) the legacy-runner command line when the artifact
// predates the current runner CLI.
func (e *Engine) buildContainerSpec(instance model.Instance, imageRef string) (runtime.ContainerSpec, error) {
	memLimit, ok := capacityMemoryLimits[instance.Capacity()]
	if !ok {
		return runtime.ContainerSpec{}, fmt.Errorf("unknown capacity %q", instance.Capacity())
	}
	memBytes, err := units.RAMInBytes(memLimit)
	if err != nil {
		return runtime.ContainerSpec{}, fmt.Errorf("parse memory limit %q: %w", memLimit, err)
	}

	labels := map[string]string{
		LabelAgentID:                      e.cfg.ComputeNodeID,
		instanceLabelKey(instance.Kind()): instance.ID(),
		LabelStateHash:                    instance.Hash(),
	}

	env := []string{
		"NAMESPACE=" + e.cfg.Namespace,
		"SPLIGHT_ACCESS_ID=" + e.cfg.AccessID,
		"SPLIGHT_SECRET_KEY=" + e.cfg.SecretKey,
		"SPLIGHT_PLATFORM_API_HOST=" + e.cfg.APIHost,
		"LOG_LEVEL=" + instance.LogLevel(),
	}

	var cmd []string
	var ports nat.PortSet
	var bindings nat.PortMap

	switch instance.Kind() {
	case model.KindComponent:
		component, ok := instance.(*model.Component)
		if !ok {
			return runtime.ContainerSpec{}, fmt.Errorf("instance %s declared as component but is not *model.Component", instance.ID())
		}
		env = append(env, "COMPONENT_ID="+component.ID(), "PROCESS_TYPE="+string(model.KindComponent))

		legacy := isLegacyRunner(component.Hub().RunnerCLIVersion(), e.cfg.RunnerCLIVersion)
		if legacy {
			labels[LabelLegacy] = "true"
			spec := map[string]interface{}{
				"name":    component.Hub().Name(),
				"version": component.Hub().Version(),
				"input":   component.Input,
			}
			raw, err := json.Marshal(spec)
			if err != nil {
				return runtime.ContainerSpec{}, fmt.Errorf("marshal legacy run spec: %w", err)
			}
			cmd = []string{"python", "runner.py", "-r", string(raw)}
		} else {
			cmd = []string{"./main.py", "--component-id=" + component.ID()}
		}

	case model.KindServer:
		server, ok := instance.(*model.Server)
		if !ok {
			return runtime.ContainerSpec{}, fmt.Errorf("instance %s declared as server but is not *model.Server", instance.ID())
		}
		env = append(env, "SPLIGHT_SERVER_ID="+server.ID(), "PROCESS_TYPE="+string(model.KindServer))
		for _, ev := range server.EnvVars() {
			env = append(env, ev.Name+"="+ev.Value)
		}

		ports = nat.PortSet{}
		bindings = nat.PortMap{}
		for _, p := range server.Ports() {
			portKey, err := nat.NewPort(strings.ToLower(p.Protocol), strconv.Itoa(p.InternalPort))
			if err != nil {
				return runtime.ContainerSpec{}, fmt.Errorf("port %+v: %w", p, err)
			}
			ports[portKey] = struct{}{}
			bindings[portKey] = []nat.PortBinding{{HostPort: strconv.Itoa(p.ExposedPort)}}
		}
	}

	return runtime.ContainerSpec{
		Name:          instance.ID(),
		Image:         imageRef,
		Env:           env,
		Cmd:           cmd,
		Labels:        labels,
		RestartPolicy: restartPolicyModes[instance.RestartPolicy()],
		MemoryBytes:   memBytes,
		ExposedPorts:  ports,
		PortBindings:  bindings,
		Healthcheck:   healthcheck,
		LogConfig:     logConfig,
		Network:       e.cfg.ComputeNodeID,
	}, nil
}

// isLegacyRunner reports whether an artifact pinned to pinnedVersion
// predates current, and therefore needs the legacy "python runner.py
// -r <json>" invocation instead of the current runner CLI's
// "./main.py --component-id=" form. An unpinned artifact (empty
// pinnedVersion) is always treated as current.
func isLegacyRunner(pinnedVersion, current string) bool {
	if pinnedVersion == "" {
		return false
	}
	return versionLess(pinnedVersion, current)
}

// versionLess does a numeric, dot-separated comparison of two version
// strings (e.g. "3.9" < "4.0.0"); non-numeric components compare as
// equal-weight zero, which is good enough for the runner CLI's plain
// major.minor.patch versioning.
func versionLess(a, b string) bool {
	as := strings.Split(a, ".")
	bs := strings.Split(b, ".")
	for i := 0; i < len(as) || i < len(bs); i++ {
		var av, bv int
		if i < len(as) {
			av, _ = strconv.Atoi(as[i])
		}
		if i < len(bs) {
			bv, _ = strconv.Atoi(bs[i])
		}
		if av != bv {
			return av < bv
		}
	}
	return false
}
