// Package hub downloads the image tarball a HubArtifact points to and
// stages it locally for internal/runtime to load.
package hub

import (
	"context"
	"os"
	"path/filepath"

	getter "github.com/hashicorp/go-getter"
	"github.com/rs/zerolog"

	"github.com/splightplatform/splight-agent/internal/agenterrors"
	"github.com/splightplatform/splight-agent/internal/model"
	"github.com/splightplatform/splight-agent/internal/restclient"
)

// Downloader resolves a HubArtifact's presigned download URL and pulls
// the tarball down to a staging directory.
type Downloader struct {
	client *restclient.Client
	logger zerolog.Logger
}

// New builds a Downloader bound to the given control-plane client.
func New(client *restclient.Client, logger zerolog.Logger) *Downloader {
	return &Downloader{client: client, logger: logger.With().Str("component", "hub").Logger()}
}

// Fetch resolves artifact's download URL and stages the tarball under
// dir/artifact.ImageFileName(). If the tarball download itself fails,
// every file under dir is removed, mirroring the original agent's
// cleanup of a partially staged image directory; a failure to create
// dir or to resolve the URL leaves dir as it was.
func (d *Downloader) Fetch(ctx context.Context, artifact model.HubArtifact, dir string) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", &agenterrors.DownloadError{Artifact: artifact.Name(), Err: err}
	}

	url, err := d.client.DownloadURL(ctx, artifact.DownloadURLPath(), map[string]string{"type": "image"})
	if err != nil {
		return "", &agenterrors.DownloadError{Artifact: artifact.Name(), Err: err}
	}

	dest := filepath.Join(dir, artifact.ImageFileName())
	client := &getter.Client{
		Ctx:  ctx,
		Src:  url,
		Dst:  dest,
		Mode: getter.ClientModeFile,
	}
	if err := client.Get(); err != nil {
		d.logger.Error().Err(err).Str("artifact", artifact.Name()).Msg("tarball download failed, clearing staging directory")
		cleanDir(dir)
		return "", &agenterrors.DownloadError{Artifact: artifact.Name(), Err: err}
	}
	return dest, nil
}

func cleanDir(dir string) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	for _, e := range entries {
		os.RemoveAll(filepath.Join(dir, e.Name()))
	}
}
