package model_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/splightplatform/splight-agent/internal/model"
	"github.com/splightplatform/splight-agent/internal/restclient"
)

func TestComponentHash_IndependentOfFieldPopulationOrder(t *testing.T) {
	a := model.Component{
		Capacity_:      model.CapacitySmall,
		LogLevel_:      "info",
		RestartPolicy_: model.RestartAlways,
		Input:          []map[string]interface{}{{"a": 1, "b": 2}},
	}
	b := model.Component{
		Input:          []map[string]interface{}{{"b": 2, "a": 1}},
		RestartPolicy_: model.RestartAlways,
		LogLevel_:      "info",
		Capacity_:      model.CapacitySmall,
	}

	assert.Equal(t, a.Hash(), b.Hash())
}

func TestComponentHash_ChangesWithDeclaredState(t *testing.T) {
	base := model.Component{Capacity_: model.CapacitySmall, LogLevel_: "info", RestartPolicy_: model.RestartAlways}
	changed := base
	changed.Capacity_ = model.CapacityLarge

	assert.NotEqual(t, base.Hash(), changed.Hash())
}

func TestServerHash_ChangesWithPorts(t *testing.T) {
	base := model.Server{Capacity_: model.CapacityMedium}
	withPort := base
	withPort.PortsValue = []model.Port{{Name: "http", Protocol: "tcp", InternalPort: 80, ExposedPort: 8080}}

	assert.NotEqual(t, base.Hash(), withPort.Hash())
}

func TestComponent_UpdateStatus_PostsDeploymentStatus(t *testing.T) {
	var receivedPath string
	var receivedBody map[string]string

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		receivedPath = r.URL.Path
		require.NoError(t, json.NewDecoder(r.Body).Decode(&receivedBody))
		assert.Equal(t, "Splight access secret", r.Header.Get("Authorization"))
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client := restclient.New(restclient.Config{
		BaseURL:    server.URL,
		APIVersion: "v2",
		AccessID:   "access",
		SecretKey:  "secret",
	}, zerolog.Nop())

	c := model.NewComponent(model.Component{ComponentID: "abc123"}, client)
	c.SetStatus(model.StatusRunning)

	require.NoError(t, c.UpdateStatus(context.Background()))
	assert.Equal(t, "/v2/engine/component/components/abc123/update-status/", receivedPath)
	assert.Equal(t, "Running", receivedBody["deployment_status"])
}

func TestComputeNode_Instances_CombinesComponentsAndServers(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch {
		case r.URL.Path == "/v2/engine/compute/nodes/all/node-1/components/":
			json.NewEncoder(w).Encode([]model.Component{{ComponentID: "comp-1"}})
		case r.URL.Path == "/v2/engine/compute/nodes/all/node-1/servers/":
			json.NewEncoder(w).Encode([]model.Server{{ServerID: "srv-1"}})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer server.Close()

	client := restclient.New(restclient.Config{BaseURL: server.URL, AccessID: "a", SecretKey: "b"}, zerolog.Nop())
	node := model.NewComputeNode("node-1", "n", client)

	instances, err := node.Instances(context.Background())
	require.NoError(t, err)
	require.Len(t, instances, 2)

	kinds := map[model.Kind]bool{}
	for _, inst := range instances {
		kinds[inst.Kind()] = true
	}
	assert.True(t, kinds[model.KindComponent])
	assert.True(t, kinds[model.KindServer])
}
