// Package runtime is the agent's container runtime adapter: it turns
// the engine's declarative container specs into Docker API calls and
// turns the Docker event stream into a channel of runtime events, so
// nothing above this package imports the Docker client directly.
package runtime

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/events"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
	"github.com/rs/zerolog"
)

// ContainerSpec is the declarative description of a container to run.
// internal/engine builds one of these per RUN action; this package
// never makes sizing or labelling decisions of its own.
type ContainerSpec struct {
	Name          string
	Image         string
	Env           []string
	Cmd           []string
	Labels        map[string]string
	RestartPolicy container.RestartPolicyMode
	MemoryBytes   int64
	ExposedPorts  nat.PortSet
	PortBindings  nat.PortMap
	Healthcheck   *container.HealthConfig
	LogConfig     container.LogConfig
	Network       string
}

// ContainerRef is what ListContainers reports about a single
// container: enough to recover instance identity from
// labels without an in-memory registry.
type ContainerRef struct {
	ID       string
	Labels   map[string]string
	State    string
	ExitCode int
	Networks []string
}

// RuntimeEvent is a single Docker lifecycle event, reduced to what the
// exporter needs: the action, the container id, and its labels.
type RuntimeEvent struct {
	Action   string
	ActorID  string
	Labels   map[string]string
	ExitCode string
}

// EventFilters narrows the Docker event stream by action and by
// label-equality.
type EventFilters struct {
	Actions []string
	Labels  map[string]string
}

// Adapter is the capability surface the engine and exporter depend on.
// The only implementation is the Docker-backed one below; tests use a
// fake that implements this same interface.
type Adapter interface {
	LoadImage(ctx context.Context, tarballPath string) (string, error)
	RunContainer(ctx context.Context, spec ContainerSpec) (string, error)
	StopContainer(ctx context.Context, id string) error
	RemoveContainer(ctx context.Context, id string) error
	ListContainers(ctx context.Context, labels map[string]string, includeStopped bool) ([]ContainerRef, error)
	Events(ctx context.Context, filter EventFilters) (<-chan RuntimeEvent, <-chan error)
	EnsureNetwork(ctx context.Context, name string) (string, error)
	Connect(ctx context.Context, networkID, containerID string) error
}

// Docker is the Docker Engine API-backed Adapter. It is the
// generalization of the teacher's task.Docker: where that type pulled
// one hardcoded image and ran one container for a single task, this
// one loads a locally staged tarball and runs an arbitrary labelled
// container on behalf of the engine.
type Docker struct {
	Client *client.Client
	Logger zerolog.Logger
}

// New wraps an already-configured Docker API client.
func New(cli *client.Client, logger zerolog.Logger) *Docker {
	return &Docker{Client: cli, Logger: logger.With().Str("component", "runtime").Logger()}
}

// LoadImage loads a tarball produced by `docker save` into the local
// image store and returns the image reference Docker reports loading.
// The tarball is removed once the load completes, whether it succeeds
// or fails, since internal/hub stages it solely for this call.
func (d *Docker) LoadImage(ctx context.Context, tarballPath string) (string, error) {
	defer os.Remove(tarballPath)

	f, err := os.Open(tarballPath)
	if err != nil {
		return "", fmt.Errorf("open tarball: %w", err)
	}
	defer f.Close()

	resp, err := d.Client.ImageLoad(ctx, f, true)
	if err != nil {
		return "", fmt.Errorf("image load: %w", err)
	}
	defer resp.Body.Close()

	ref, err := parseLoadedImageRef(resp.Body)
	if err != nil {
		return "", fmt.Errorf("parse image load response: %w", err)
	}
	return ref, nil
}

// parseLoadedImageRef scans the newline-delimited JSON progress stream
// `docker load` emits for the "Loaded image: <ref>" line.
func parseLoadedImageRef(r io.Reader) (string, error) {
	scanner := bufio.NewScanner(r)
	var ref string
	for scanner.Scan() {
		var line struct {
			Stream string `json:"stream"`
		}
		if err := json.Unmarshal(scanner.Bytes(), &line); err != nil {
			continue
		}
		if idx := strings.Index(line.Stream, "Loaded image: "); idx >= 0 {
			ref = strings.TrimSpace(line.Stream[idx+len("Loaded image: "):])
		}
		if idx := strings.Index(line.Stream, "Loaded image ID: "); idx >= 0 && ref == "" {
			ref = strings.TrimSpace(line.Stream[idx+len("Loaded image ID: "):])
		}
	}
	if ref == "" {
		return "", fmt.Errorf("no loaded image reference found in response")
	}
	return ref, nil
}

// RunContainer creates and starts a container from spec, returning its
// id. This folds the teacher's buildContainerConfig/buildHostConfig
// split into one spec-driven builder since every field here (labels,
// healthcheck, log config, restart policy) is now caller-supplied
// rather than hardcoded per task.
func (d *Docker) RunContainer(ctx context.Context, spec ContainerSpec) (string, error) {
	cfg := &container.Config{
		Image:        spec.Image,
		Env:          spec.Env,
		Cmd:          spec.Cmd,
		Labels:       spec.Labels,
		ExposedPorts: spec.ExposedPorts,
		Healthcheck:  spec.Healthcheck,
	}
	hostCfg := &container.HostConfig{
		RestartPolicy: container.RestartPolicy{Name: spec.RestartPolicy},
		Resources: container.Resources{
			Memory: spec.MemoryBytes,
		},
		PortBindings: spec.PortBindings,
		LogConfig:    spec.LogConfig,
		NetworkMode:  container.NetworkMode(spec.Network),
	}

	var netCfg *network.NetworkingConfig
	if spec.Network != "" {
		netCfg = &network.NetworkingConfig{
			EndpointsConfig: map[string]*network.EndpointSettings{
				spec.Network: {},
			},
		}
	}

	resp, err := d.Client.ContainerCreate(ctx, cfg, hostCfg, netCfg, nil, spec.Name)
	if err != nil {
		return "", fmt.Errorf("create container: %w", err)
	}

	if err := d.Client.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return "", fmt.Errorf("start container: %w", err)
	}
	return resp.ID, nil
}

// StopContainer asks Docker to stop a running container, treating a
// container that no longer exists as a no-op rather than an error.
func (d *Docker) StopContainer(ctx context.Context, id string) error {
	if err := d.Client.ContainerStop(ctx, id, container.StopOptions{}); err != nil {
		if client.IsErrNotFound(err) {
			return nil
		}
		return fmt.Errorf("stop container %s: %w", id, err)
	}
	return nil
}

// RemoveContainer force-removes a container.
func (d *Docker) RemoveContainer(ctx context.Context, id string) error {
	err := d.Client.ContainerRemove(ctx, id, container.RemoveOptions{Force: true})
	if err != nil && !client.IsErrNotFound(err) {
		return fmt.Errorf("remove container %s: %w", id, err)
	}
	return nil
}

// ListContainers returns every container matching the given label
// equality filters. This is the runtime-as-source-of-truth query path:
// no component in this agent keeps its own registry of running
// containers.
func (d *Docker) ListContainers(ctx context.Context, labels map[string]string, includeStopped bool) ([]ContainerRef, error) {
	args := filters.NewArgs()
	for k, v := range labels {
		args.Add("label", fmt.Sprintf("%s=%s", k, v))
	}

	containers, err := d.Client.ContainerList(ctx, container.ListOptions{All: includeStopped, Filters: args})
	if err != nil {
		return nil, fmt.Errorf("list containers: %w", err)
	}

	refs := make([]ContainerRef, 0, len(containers))
	for _, c := range containers {
		var nets []string
		if c.NetworkSettings != nil {
			for name := range c.NetworkSettings.Networks {
				nets = append(nets, name)
			}
		}
		refs = append(refs, ContainerRef{
			ID:       c.ID,
			Labels:   c.Labels,
			State:    c.State,
			Networks: nets,
		})
	}
	return refs, nil
}

// Events streams Docker container lifecycle events matching filter,
// translating them into RuntimeEvents on the returned channel. The
// error channel carries stream-level failures (e.g. the daemon
// connection dropping); after the first such failure both channels
// are closed. The exporter logs the failure and its Run returns once
// the stream has closed; it does not re-subscribe.
func (d *Docker) Events(ctx context.Context, filter EventFilters) (<-chan RuntimeEvent, <-chan error) {
	out := make(chan RuntimeEvent)
	errs := make(chan error, 1)

	args := filters.NewArgs()
	args.Add("type", "container")
	for _, action := range filter.Actions {
		args.Add("event", action)
	}
	for k, v := range filter.Labels {
		args.Add("label", fmt.Sprintf("%s=%s", k, v))
	}

	msgs, dockerErrs := d.Client.Events(ctx, events.ListOptions{Filters: args})

	go func() {
		defer close(out)
		defer close(errs)
		for {
			select {
			case <-ctx.Done():
				return
			case err, ok := <-dockerErrs:
				if !ok {
					return
				}
				if err != nil {
					errs <- err
					return
				}
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				ev := RuntimeEvent{
					Action:  string(msg.Action),
					ActorID: msg.Actor.ID,
					Labels:  msg.Actor.Attributes,
				}
				if ec, ok := msg.Actor.Attributes["exitCode"]; ok {
					ev.ExitCode = ec
				}
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return out, errs
}

// EnsureNetwork returns the id of the bridge network named name,
// creating it if it does not already exist.
func (d *Docker) EnsureNetwork(ctx context.Context, name string) (string, error) {
	args := filters.NewArgs()
	args.Add("name", name)
	nets, err := d.Client.NetworkList(ctx, network.ListOptions{Filters: args})
	if err != nil {
		return "", fmt.Errorf("list networks: %w", err)
	}
	for _, n := range nets {
		if n.Name == name {
			return n.ID, nil
		}
	}

	resp, err := d.Client.NetworkCreate(ctx, name, network.CreateOptions{Driver: "bridge"})
	if err != nil {
		return "", fmt.Errorf("create network %s: %w", name, err)
	}
	return resp.ID, nil
}

// Connect attaches an existing container to networkID, used by
// startup reconciliation to fix up containers left behind by a
// previous agent process that predates the shared network.
func (d *Docker) Connect(ctx context.Context, networkID, containerID string) error {
	if err := d.Client.NetworkConnect(ctx, networkID, containerID, nil); err != nil {
		return fmt.Errorf("connect container %s to network %s: %w", containerID, networkID, err)
	}
	return nil
}
