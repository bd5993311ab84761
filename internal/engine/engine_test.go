package engine_test

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/splightplatform/splight-agent/internal/agenterrors"
	"github.com/splightplatform/splight-agent/internal/engine"
	"github.com/splightplatform/splight-agent/internal/model"
	"github.com/splightplatform/splight-agent/internal/restclient"
	"github.com/splightplatform/splight-agent/internal/runtime"
	"github.com/splightplatform/splight-agent/internal/runtime/faketest"
)

// fakeDownloader stands in for *hub.Downloader so engine tests never
// make a real control-plane call.
type fakeDownloader struct {
	path string
	err  error
}

func (f *fakeDownloader) Fetch(ctx context.Context, artifact model.HubArtifact, dir string) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	return f.path, nil
}

// fakeInstance is a minimal model.Instance whose UpdateStatus/Refresh
// are no-ops, so engine/dispatcher tests never need a live control
// plane.
type fakeInstance struct {
	id            string
	kind          model.Kind
	active        bool
	status        model.DeploymentStatus
	capacity      model.Capacity
	restartPolicy model.RestartPolicy
	hash          string
	hub           model.HubArtifact
	statusUpdates []model.DeploymentStatus
}

func (f *fakeInstance) ID() string                  { return f.id }
func (f *fakeInstance) Name() string                 { return f.id }
func (f *fakeInstance) Kind() model.Kind             { return f.kind }
func (f *fakeInstance) Active() bool                 { return f.active }
func (f *fakeInstance) Status() model.DeploymentStatus { return f.status }
func (f *fakeInstance) SetStatus(s model.DeploymentStatus) {
	f.status = s
	f.statusUpdates = append(f.statusUpdates, s)
}
func (f *fakeInstance) Capacity() model.Capacity           { return f.capacity }
func (f *fakeInstance) LogLevel() string                   { return "info" }
func (f *fakeInstance) RestartPolicy() model.RestartPolicy  { return f.restartPolicy }
func (f *fakeInstance) ComputeNodeID() string               { return "node-1" }
func (f *fakeInstance) Hub() model.HubArtifact              { return f.hub }
func (f *fakeInstance) Hash() string                        { return f.hash }
func (f *fakeInstance) UpdateStatus(ctx context.Context) error { return nil }
func (f *fakeInstance) Refresh(ctx context.Context) error      { return nil }

func newTestEngine(t *testing.T, adapter *faketest.Adapter) *engine.Engine {
	t.Helper()
	cfg := engine.Config{
		ComputeNodeID:     "node-1",
		Namespace:         "default",
		RunnerCLIVersion:  "4.0.0",
		ComponentImageDir: t.TempDir(),
		ServerImageDir:    t.TempDir(),
	}
	rest := restclient.New(restclient.Config{BaseURL: "http://127.0.0.1:0", AccessID: "a", SecretKey: "b"}, zerolog.Nop())
	downloader := &fakeDownloader{path: "fake-tarball.tar"}
	eng, err := engine.New(context.Background(), cfg, adapter, downloader, rest, zerolog.Nop())
	require.NoError(t, err)
	return eng
}

func TestEngine_Run_SurfacesContainerExecutionErrorOnRuntimeFailure(t *testing.T) {
	adapter := faketest.New()
	adapter.RunContainerErr = assert.AnError
	eng := newTestEngine(t, adapter)

	// buildContainerSpec only accepts a real *model.Component for the
	// component kind, so this test uses one rather than fakeInstance.
	rest := restclient.New(restclient.Config{BaseURL: "http://127.0.0.1:0", AccessID: "a", SecretKey: "b"}, zerolog.Nop())
	instance := model.NewComponent(model.Component{
		ComponentID:     "comp-1",
		Active_:         true,
		Capacity_:       model.CapacitySmall,
		HubComponentRaw: model.HubComponent{HubID: "hub-1", HubName: "n", HubVersion: "1.0"},
	}, rest)

	// LoadImage succeeds (adapter default), RunContainer is forced to
	// fail, so Run must surface a ContainerExecutionError rather than
	// silently swallowing it the way download/load failures are.
	err := eng.Run(context.Background(), instance)
	require.Error(t, err)
	var execErr *agenterrors.ContainerExecutionError
	assert.ErrorAs(t, err, &execErr)
}

func TestEngine_Stop_NoContainers_IsNoOp(t *testing.T) {
	adapter := faketest.New()
	eng := newTestEngine(t, adapter)

	instance := &fakeInstance{id: "comp-1", kind: model.KindComponent, capacity: model.CapacitySmall}
	require.NoError(t, eng.Stop(context.Background(), instance))
}

func TestEngine_GetInstanceHash_ReturnsLabelFromRunningContainer(t *testing.T) {
	adapter := faketest.New()
	_, err := adapter.RunContainer(context.Background(), newSpecFor("comp-1", "deadbeef"))
	require.NoError(t, err)

	eng := newTestEngine(t, adapter)
	instance := &fakeInstance{id: "comp-1", kind: model.KindComponent}

	hash, err := eng.GetInstanceHash(context.Background(), instance)
	require.NoError(t, err)
	assert.Equal(t, "deadbeef", hash)
}

func TestEngine_StopAll_StopsEveryLabelledContainerAndReturnsMinimalInstances(t *testing.T) {
	adapter := faketest.New()
	_, err := adapter.RunContainer(context.Background(), newSpecFor("comp-1", "h1"))
	require.NoError(t, err)
	_, err = adapter.RunContainer(context.Background(), newSpecFor("comp-2", "h2"))
	require.NoError(t, err)

	eng := newTestEngine(t, adapter)
	stopped := eng.StopAll(context.Background())

	assert.Len(t, stopped, 2)
	assert.Empty(t, adapter.Containers())
}

func newSpecFor(componentID, stateHash string) runtime.ContainerSpec {
	return runtime.ContainerSpec{
		Name: "component-" + componentID,
		Labels: map[string]string{
			engine.LabelAgentID:     "node-1",
			engine.LabelComponentID: componentID,
			engine.LabelStateHash:   stateHash,
		},
	}
}
