// Package faketest provides an in-memory runtime.Adapter for tests
// across the engine, dispatcher and exporter packages, so none of them
// need a live Docker daemon to exercise their control flow.
package faketest

import (
	"context"
	"fmt"
	"sync"

	"github.com/splightplatform/splight-agent/internal/runtime"
)

// Adapter is a minimal in-memory stand-in for runtime.Docker.
type Adapter struct {
	mu         sync.Mutex
	containers map[string]runtime.ContainerRef
	nextID     int
	networks   map[string]string

	events chan runtime.RuntimeEvent

	LoadImageErr   error
	RunContainerErr error
}

// New builds an empty Adapter.
func New() *Adapter {
	return &Adapter{
		containers: make(map[string]runtime.ContainerRef),
		networks:   make(map[string]string),
		events:     make(chan runtime.RuntimeEvent, 64),
	}
}

func (a *Adapter) LoadImage(ctx context.Context, tarballPath string) (string, error) {
	if a.LoadImageErr != nil {
		return "", a.LoadImageErr
	}
	return "fake-image:latest", nil
}

func (a *Adapter) RunContainer(ctx context.Context, spec runtime.ContainerSpec) (string, error) {
	if a.RunContainerErr != nil {
		return "", a.RunContainerErr
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.nextID++
	id := fmt.Sprintf("container-%d", a.nextID)
	a.containers[id] = runtime.ContainerRef{ID: id, Labels: spec.Labels, State: "running"}
	a.Emit("start", spec.Labels, "")
	return id, nil
}

func (a *Adapter) StopContainer(ctx context.Context, id string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	ref, ok := a.containers[id]
	if !ok {
		return nil
	}
	ref.State = "exited"
	a.containers[id] = ref
	a.Emit("stop", ref.Labels, "")
	return nil
}

func (a *Adapter) RemoveContainer(ctx context.Context, id string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.containers, id)
	return nil
}

func (a *Adapter) ListContainers(ctx context.Context, labels map[string]string, includeStopped bool) ([]runtime.ContainerRef, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	var out []runtime.ContainerRef
	for _, ref := range a.containers {
		if !includeStopped && ref.State != "running" {
			continue
		}
		if matchesLabels(ref.Labels, labels) {
			out = append(out, ref)
		}
	}
	return out, nil
}

func matchesLabels(have, want map[string]string) bool {
	for k, v := range want {
		if have[k] != v {
			return false
		}
	}
	return true
}

func (a *Adapter) Events(ctx context.Context, filter runtime.EventFilters) (<-chan runtime.RuntimeEvent, <-chan error) {
	errs := make(chan error)
	return a.events, errs
}

// Emit pushes a synthetic event onto the fake's event stream, as if
// the runtime had produced it.
func (a *Adapter) Emit(action string, labels map[string]string, exitCode string) {
	select {
	case a.events <- runtime.RuntimeEvent{Action: action, Labels: labels, ExitCode: exitCode}:
	default:
	}
}

func (a *Adapter) EnsureNetwork(ctx context.Context, name string) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if id, ok := a.networks[name]; ok {
		return id, nil
	}
	id := "network-" + name
	a.networks[name] = id
	return id, nil
}

func (a *Adapter) Connect(ctx context.Context, networkID, containerID string) error {
	return nil
}

// Containers exposes the current container set for test assertions.
func (a *Adapter) Containers() []runtime.ContainerRef {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]runtime.ContainerRef, 0, len(a.containers))
	for _, ref := range a.containers {
		out = append(out, ref)
	}
	return out
}
