package usage

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/splightplatform/splight-agent/internal/model"
	"github.com/splightplatform/splight-agent/internal/restclient"
)

func TestReadCPUStat_ParsesAggregateLine(t *testing.T) {
	stat, err := readCPUStat()
	require.NoError(t, err)
	assert.Greater(t, stat.total, 0.0)
}

func TestSampleMemoryPercent_ReturnsValueBetweenZeroAndHundred(t *testing.T) {
	pct, err := sampleMemoryPercent()
	require.NoError(t, err)
	assert.GreaterOrEqual(t, pct, 0.0)
	assert.LessOrEqual(t, pct, 100.0)
}

func TestSampleDiskPercent_ReturnsValueBetweenZeroAndHundred(t *testing.T) {
	pct, err := sampleDiskPercent("/")
	require.NoError(t, err)
	assert.GreaterOrEqual(t, pct, 0.0)
	assert.LessOrEqual(t, pct, 100.0)
}

func TestReporter_ReportOnce_PublishesSampleAndUpdatesGauges(t *testing.T) {
	received := make(chan map[string]float64, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]float64
		_ = json.NewDecoder(r.Body).Decode(&body)
		received <- body
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	rest := restclient.New(restclient.Config{BaseURL: server.URL, AccessID: "a", SecretKey: "b"}, zerolog.Nop())
	node := model.NewComputeNode("node-1", "n", rest)
	reporter := New(node, time.Second, 1, zerolog.Nop())

	reporter.reportOnce(context.Background())

	select {
	case body := <-received:
		_, hasCPU := body["cpu_percent"]
		assert.True(t, hasCPU)
	case <-time.After(3 * time.Second):
		t.Fatal("usage sample was never published")
	}
}

func TestNew_ClampsSamplesBelowOneToOne(t *testing.T) {
	rest := restclient.New(restclient.Config{BaseURL: "http://127.0.0.1:0", AccessID: "a", SecretKey: "b"}, zerolog.Nop())
	node := model.NewComputeNode("node-1", "n", rest)
	reporter := New(node, time.Second, 0, zerolog.Nop())
	assert.Equal(t, 1, reporter.samples)
}
