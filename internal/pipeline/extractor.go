package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"

	"github.com/kozaktomas/reid-catalog/internal/feature"
)

const defaultExtractorURL = "http://localhost:8000"

// ErrBadEmbeddings is returned when the extractor answers with the wrong
// number or width of embeddings.
var ErrBadEmbeddings = errors.New("extractor returned unusable embeddings")

// Extractor turns JPEG person crops into appearance features, one per crop.
type Extractor interface {
	Extract(ctx context.Context, crops [][]byte) ([]feature.Vector, error)
}

// HTTPExtractor calls the embedding server's batch endpoint.
type HTTPExtractor struct {
	baseURL string
	dim     int
	client  *http.Client
}

// NewHTTPExtractor creates a client expecting dim-wide embeddings.
func NewHTTPExtractor(baseURL string, dim int, client *http.Client) *HTTPExtractor {
	if baseURL == "" {
		baseURL = defaultExtractorURL
	}
	if client == nil {
		client = &http.Client{}
	}
	return &HTTPExtractor{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		dim:     dim,
		client:  client,
	}
}

// batchResponse represents the response from the embedding server
type batchResponse struct {
	Dim        int         `json:"dim"`
	Embeddings [][]float32 `json:"embeddings"`
	Model      string      `json:"model"`
}

// Extract posts every crop as a "files" part of one multipart request.
func (c *HTTPExtractor) Extract(ctx context.Context, crops [][]byte) ([]feature.Vector, error) {
	if len(crops) == 0 {
		return nil, nil
	}

	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)
	for i, crop := range crops {
		h := make(textproto.MIMEHeader)
		h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="files"; filename="crop-%d.jpg"`, i))
		h.Set("Content-Type", "image/jpeg")
		part, err := writer.CreatePart(h)
		if err != nil {
			return nil, fmt.Errorf("failed to create form file: %w", err)
		}
		if _, err := part.Write(crop); err != nil {
			return nil, fmt.Errorf("failed to write image data: %w", err)
		}
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("failed to close multipart writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/embed/batch", &buf)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("API error (status %d): %s", resp.StatusCode, string(body))
	}

	var out batchResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	if len(out.Embeddings) != len(crops) {
		return nil, fmt.Errorf("%w: %d embeddings for %d crops", ErrBadEmbeddings, len(out.Embeddings), len(crops))
	}
	vecs := make([]feature.Vector, len(out.Embeddings))
	for i, e := range out.Embeddings {
		if c.dim > 0 && len(e) != c.dim {
			return nil, fmt.Errorf("%w: embedding %d has %d values, want %d", ErrBadEmbeddings, i, len(e), c.dim)
		}
		if !feature.Vector(e).Finite() {
			return nil, fmt.Errorf("%w: embedding %d is not finite", ErrBadEmbeddings, i)
		}
		vecs[i] = e
	}
	return vecs, nil
}
