package extract

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"policyguard/internal/policy"
)

// =============================================================================
// OCR CLIENT
// =============================================================================

// OCRClient recognizes text in a rendered page image.
type OCRClient interface {
	Recognize(ctx context.Context, image []byte) (string, error)
}

// HTTPOCRClient calls an OCR sidecar service.
type HTTPOCRClient struct {
	endpoint string
	client   *http.Client
}

// NewHTTPOCRClient creates an OCR client for the given endpoint.
func NewHTTPOCRClient(endpoint string, timeout time.Duration) *HTTPOCRClient {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &HTTPOCRClient{
		endpoint: endpoint,
		client:   &http.Client{Timeout: timeout},
	}
}

type ocrResponse struct {
	Text  string `json:"text"`
	Error string `json:"error,omitempty"`
}

// Recognize sends the page image to the OCR service and returns its text.
func (c *HTTPOCRClient) Recognize(ctx context.Context, image []byte) (string, error) {
	req, err := http.NewRequestWithContext(ctx, "POST", c.endpoint+"/ocr", bytes.NewReader(image))
	if err != nil {
		return "", fmt.Errorf("creating OCR request: %w", err)
	}
	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: ocr service: %v", policy.ErrProviderUnavailable, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("reading OCR response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: ocr service returned status %d: %s", policy.ErrProviderUnavailable, resp.StatusCode, string(body))
	}

	var result ocrResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return "", fmt.Errorf("decoding OCR response: %w", err)
	}
	if result.Error != "" {
		return "", fmt.Errorf("ocr error: %s", result.Error)
	}
	return result.Text, nil
}
