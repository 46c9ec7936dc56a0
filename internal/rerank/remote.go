package rerank

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/kozaktomas/reid-catalog/internal/feature"
)

const (
	defaultRemoteURL = "http://localhost:8001"
	contentType      = "application/msgpack"
)

// Remote delegates scoring to an HTTP service that exchanges msgpack bodies.
type Remote struct {
	baseURL string
	client  *http.Client
}

// NewRemote creates a client for the scoring service at baseURL.
func NewRemote(baseURL string, client *http.Client) *Remote {
	if baseURL == "" {
		baseURL = defaultRemoteURL
	}
	if client == nil {
		client = &http.Client{}
	}
	return &Remote{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		client:  client,
	}
}

// RemoteRequest is the body posted to /rerank.
type RemoteRequest struct {
	Dim     int       `msgpack:"dim"`
	Query   []float32 `msgpack:"query"`
	Gallery []float32 `msgpack:"gallery"`
	Params  Params    `msgpack:"params"`
}

// Rerank implements Oracle. The response is validated before it is returned.
func (c *Remote) Rerank(ctx context.Context, query, gallery feature.Matrix, p Params) (Distances, error) {
	if err := checkInputs(query, gallery); err != nil {
		return Distances{}, err
	}
	body, err := msgpack.Marshal(RemoteRequest{
		Dim:     query.Cols,
		Query:   query.Data,
		Gallery: gallery.Data,
		Params:  p,
	})
	if err != nil {
		return Distances{}, fmt.Errorf("encode rerank request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/rerank", bytes.NewReader(body))
	if err != nil {
		return Distances{}, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Accept", contentType)

	resp, err := c.client.Do(req)
	if err != nil {
		return Distances{}, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return Distances{}, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return Distances{}, fmt.Errorf("API error (status %d): %s", resp.StatusCode, string(respBody))
	}

	var d Distances
	if err := msgpack.Unmarshal(respBody, &d); err != nil {
		return Distances{}, fmt.Errorf("%w: decode response: %v", ErrMalformedDistances, err)
	}
	if err := Validate(d, query.Rows, gallery.Rows); err != nil {
		return Distances{}, err
	}
	return d, nil
}
