package restclient_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/splightplatform/splight-agent/internal/agenterrors"
	"github.com/splightplatform/splight-agent/internal/restclient"
)

func TestClient_Get_DecodesJSONAndSetsAuthHeader(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Splight my-id my-key", r.Header.Get("Authorization"))
		assert.NotEmpty(t, r.Header.Get("X-Request-Id"))
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"url":"https://example.com/tarball"}`))
	}))
	defer server.Close()

	client := restclient.New(restclient.Config{
		BaseURL:    server.URL,
		APIVersion: "v2",
		AccessID:   "my-id",
		SecretKey:  "my-key",
	}, zerolog.Nop())

	url, err := client.DownloadURL(context.Background(), "hub/component/versions/1/download_url/", map[string]string{"type": "image"})
	require.NoError(t, err)
	assert.Equal(t, "https://example.com/tarball", url)
}

func TestClient_NonSuccessStatus_ReturnsTransientAPIError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	client := restclient.New(restclient.Config{BaseURL: server.URL, AccessID: "a", SecretKey: "b"}, zerolog.Nop())

	err := client.Post(context.Background(), "engine/component/components/x/update-status/", map[string]string{"deployment_status": "Running"}, nil)
	require.Error(t, err)

	var transientErr *agenterrors.TransientAPIError
	assert.ErrorAs(t, err, &transientErr)
}
