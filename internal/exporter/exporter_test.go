package exporter_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/splightplatform/splight-agent/internal/engine"
	"github.com/splightplatform/splight-agent/internal/exporter"
	"github.com/splightplatform/splight-agent/internal/model"
	"github.com/splightplatform/splight-agent/internal/runtime/faketest"
)

type publication struct {
	kind   model.Kind
	id     string
	status model.DeploymentStatus
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []publication
}

func (r *recordingPublisher) PublishStatus(ctx context.Context, kind model.Kind, id string, status model.DeploymentStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, publication{kind: kind, id: id, status: status})
	return nil
}

func (r *recordingPublisher) snapshot() []publication {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]publication, len(r.events))
	copy(out, r.events)
	return out
}

func waitForCount(t *testing.T, publisher *recordingPublisher, n int) []publication {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if events := publisher.snapshot(); len(events) >= n {
			return events
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d published events, got %d", n, len(publisher.snapshot()))
	return nil
}

func TestExporter_TranslatesLifecycleEventsToStatus(t *testing.T) {
	adapter := faketest.New()
	publisher := &recordingPublisher{}
	exp := exporter.New(adapter, publisher, "node-1", zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go exp.Run(ctx)

	adapter.Emit("create", map[string]string{engine.LabelComponentID: "comp-1"}, "")
	adapter.Emit("start", map[string]string{engine.LabelComponentID: "comp-1"}, "")

	events := waitForCount(t, publisher, 2)
	assert.Equal(t, model.StatusPending, events[0].status)
	assert.Equal(t, model.StatusRunning, events[1].status)
}

func TestExporter_SuppressesDieFollowingExpectedStop(t *testing.T) {
	adapter := faketest.New()
	publisher := &recordingPublisher{}
	exp := exporter.New(adapter, publisher, "node-1", zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go exp.Run(ctx)

	labels := map[string]string{engine.LabelComponentID: "comp-1"}
	adapter.Emit("stop", labels, "")
	adapter.Emit("die", labels, "137")

	events := waitForCount(t, publisher, 1)
	assert.Equal(t, model.StatusStopped, events[0].status)

	time.Sleep(50 * time.Millisecond)
	assert.Len(t, publisher.snapshot(), 1, "the die following an expected stop must not be published")
}

func TestExporter_DieWithoutPriorStop_ReportsFailedOrSucceededByExitCode(t *testing.T) {
	adapter := faketest.New()
	publisher := &recordingPublisher{}
	exp := exporter.New(adapter, publisher, "node-1", zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go exp.Run(ctx)

	adapter.Emit("die", map[string]string{engine.LabelComponentID: "comp-1"}, "0")
	adapter.Emit("die", map[string]string{engine.LabelComponentID: "comp-2"}, "1")

	events := waitForCount(t, publisher, 2)
	statuses := map[string]model.DeploymentStatus{}
	for _, e := range events {
		statuses[e.id] = e.status
	}
	assert.Equal(t, model.StatusSucceeded, statuses["comp-1"])
	assert.Equal(t, model.StatusFailed, statuses["comp-2"])
}

func TestExporter_DropsEventsMissingInstanceIdentity(t *testing.T) {
	adapter := faketest.New()
	publisher := &recordingPublisher{}
	exp := exporter.New(adapter, publisher, "node-1", zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go exp.Run(ctx)

	adapter.Emit("start", map[string]string{}, "")
	adapter.Emit("start", map[string]string{engine.LabelComponentID: "comp-1"}, "")

	events := waitForCount(t, publisher, 1)
	require.Len(t, events, 1)
	assert.Equal(t, "comp-1", events[0].id)
}
