// Package restclient implements the agent's control-plane HTTP client:
// authentication header, request-id correlation, and the small set of
// JSON verbs every other component builds on.
package restclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/splightplatform/splight-agent/internal/agenterrors"
)

// Config is the immutable set of values needed to talk to the control
// plane.
type Config struct {
	BaseURL    string
	APIVersion string
	AccessID   string
	SecretKey  string
	Timeout    time.Duration
}

// Client is a thin, logged wrapper around net/http for the control
// plane's JSON API.
type Client struct {
	cfg    Config
	http   *http.Client
	logger zerolog.Logger
}

// New builds a Client. Timeout defaults to 30s and APIVersion to "v2"
// when left zero.
func New(cfg Config, logger zerolog.Logger) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.APIVersion == "" {
		cfg.APIVersion = "v2"
	}
	return &Client{
		cfg:    cfg,
		http:   &http.Client{Timeout: cfg.Timeout},
		logger: logger.With().Str("component", "restclient").Logger(),
	}
}

func (c *Client) url(path string) string {
	base := strings.TrimRight(c.cfg.BaseURL, "/")
	p, query, hasQuery := strings.Cut(path, "?")
	p = strings.Trim(p, "/")
	u := fmt.Sprintf("%s/%s/%s/", base, c.cfg.APIVersion, p)
	if hasQuery {
		u += "?" + query
	}
	return u
}

func (c *Client) authHeader() string {
	return fmt.Sprintf("Splight %s %s", c.cfg.AccessID, c.cfg.SecretKey)
}

func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return &agenterrors.TransientAPIError{Op: method + " " + path, Err: err}
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.url(path), reader)
	if err != nil {
		return &agenterrors.TransientAPIError{Op: method + " " + path, Err: err}
	}
	requestID := uuid.New().String()
	req.Header.Set("Authorization", c.authHeader())
	req.Header.Set("X-Request-Id", requestID)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	log := c.logger.With().Str("request_id", requestID).Str("method", method).Str("path", path).Logger()
	log.Debug().Msg("control plane request")

	resp, err := c.http.Do(req)
	if err != nil {
		return &agenterrors.TransientAPIError{Op: method + " " + path, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(resp.Body)
		err := fmt.Errorf("unexpected status %d: %s", resp.StatusCode, string(respBody))
		log.Warn().Err(err).Msg("control plane request failed")
		return &agenterrors.TransientAPIError{Op: method + " " + path, Err: err}
	}

	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &agenterrors.TransientAPIError{Op: method + " " + path, Err: err}
	}
	return nil
}

// Get issues a GET request and decodes the JSON response into out.
// query, when non-empty, is appended to path as a query string;
// DownloadURL is the caller that uses it.
func (c *Client) Get(ctx context.Context, path string, query map[string]string, out interface{}) error {
	if len(query) > 0 {
		path = path + "?" + encodeQuery(query)
	}
	return c.do(ctx, http.MethodGet, path, nil, out)
}

// Post issues a POST request with a JSON body and decodes the JSON
// response into out, if out is non-nil.
func (c *Client) Post(ctx context.Context, path string, body, out interface{}) error {
	return c.do(ctx, http.MethodPost, path, body, out)
}

// DownloadURL resolves a presigned tarball URL from a hub download-url
// endpoint, selected by query (the hub endpoint requires ?type=image
// to resolve an artifact's image tarball rather than some other
// associated asset).
func (c *Client) DownloadURL(ctx context.Context, path string, query map[string]string) (string, error) {
	var resp struct {
		URL string `json:"url"`
	}
	if err := c.Get(ctx, path, query, &resp); err != nil {
		return "", err
	}
	return resp.URL, nil
}

func encodeQuery(query map[string]string) string {
	var b strings.Builder
	first := true
	for k, v := range query {
		if !first {
			b.WriteByte('&')
		}
		first = false
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(v)
	}
	return b.String()
}
