package extract

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"policyguard/internal/logging"
	"policyguard/internal/policy"
)

// =============================================================================
// PDF EXTRACTOR
// =============================================================================

// PDFExtractor extracts text from PDFs. The native text layer comes from a
// sidecar parse service; pages whose text layer covers less than
// minNativeCoverage of the page, or yields nothing, go to OCR instead.
type PDFExtractor struct {
	serviceURL        string
	minNativeCoverage float64
	ocr               OCRClient
	client            *http.Client
}

// NewPDFExtractor creates a PDF extractor. ocr may be nil when no OCR
// capability is deployed; sparse pages are then recorded as page errors.
func NewPDFExtractor(serviceURL string, minNativeCoverage float64, ocr OCRClient) *PDFExtractor {
	if serviceURL == "" {
		serviceURL = "http://localhost:8081"
	}
	if minNativeCoverage <= 0 {
		minNativeCoverage = 0.6
	}
	return &PDFExtractor{
		serviceURL:        serviceURL,
		minNativeCoverage: minNativeCoverage,
		ocr:               ocr,
		client: &http.Client{
			Timeout: 120 * time.Second,
		},
	}
}

// parsedPage is one page from the parse service.
type parsedPage struct {
	Number   int     `json:"number"`
	Text     string  `json:"text"`
	Coverage float64 `json:"coverage"` // fraction of page area covered by the text layer
	Heading  string  `json:"heading,omitempty"`
	Image    []byte  `json:"image,omitempty"` // rendered page, present when coverage is low
	Error    string  `json:"error,omitempty"`
}

type parseResponse struct {
	Pages []parsedPage `json:"pages"`
	Error string       `json:"error,omitempty"`
}

// Extract returns the PDF's text blocks in page order.
func (p *PDFExtractor) Extract(ctx context.Context, data []byte, _ string) ([]TextBlock, []policy.ExtractionError, error) {
	pages, err := p.parse(ctx, data)
	if err != nil {
		return nil, nil, err
	}

	var (
		blocks   []TextBlock
		pageErrs []policy.ExtractionError
	)
	for _, page := range pages {
		if page.Error != "" {
			pageErrs = append(pageErrs, policy.ExtractionError{
				Page:  page.Number,
				Cause: fmt.Errorf("parse: %s", page.Error),
			})
			continue
		}

		text := page.Text
		if page.Coverage < p.minNativeCoverage || strings.TrimSpace(text) == "" {
			ocrText, ocrErr := p.ocrPage(ctx, page)
			if ocrErr != nil {
				// A sparse page with some native text still counts; a page
				// with none is a hole.
				if strings.TrimSpace(text) == "" {
					pageErrs = append(pageErrs, policy.ExtractionError{Page: page.Number, Cause: ocrErr})
					continue
				}
				logging.Extract("page %d: OCR fallback failed, keeping sparse native text: %v", page.Number, ocrErr)
			} else {
				text = ocrText
			}
		}

		if strings.TrimSpace(text) == "" {
			pageErrs = append(pageErrs, policy.ExtractionError{
				Page:  page.Number,
				Cause: fmt.Errorf("page yielded no text"),
			})
			continue
		}

		blocks = append(blocks, TextBlock{
			Text:        text,
			PageNumber:  page.Number,
			SectionHint: page.Heading,
		})
	}

	if len(blocks) == 0 {
		return nil, pageErrs, fmt.Errorf("no pages yielded text (%d page errors)", len(pageErrs))
	}

	logging.Extract("pdf extracted: %d/%d pages, %d page errors", len(blocks), len(pages), len(pageErrs))
	return blocks, pageErrs, nil
}

func (p *PDFExtractor) parse(ctx context.Context, data []byte) ([]parsedPage, error) {
	req, err := http.NewRequestWithContext(ctx, "POST", p.serviceURL+"/parse", bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("creating parse request: %w", err)
	}
	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: pdf parse service: %v", policy.ErrProviderUnavailable, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading parse response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: pdf parse service returned status %d: %s", policy.ErrProviderUnavailable, resp.StatusCode, string(body))
	}

	var result parseResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("decoding parse response: %w", err)
	}
	if result.Error != "" {
		return nil, fmt.Errorf("pdf parse error: %s", result.Error)
	}
	if len(result.Pages) == 0 {
		return nil, fmt.Errorf("pdf parse returned no pages")
	}
	return result.Pages, nil
}

func (p *PDFExtractor) ocrPage(ctx context.Context, page parsedPage) (string, error) {
	if p.ocr == nil {
		return "", fmt.Errorf("page %d below native coverage %.2f and no OCR client configured", page.Number, p.minNativeCoverage)
	}
	if len(page.Image) == 0 {
		return "", fmt.Errorf("page %d has no rendered image for OCR", page.Number)
	}
	logging.Extract("page %d: coverage %.2f below %.2f, running OCR", page.Number, page.Coverage, p.minNativeCoverage)
	return p.ocr.Recognize(ctx, page.Image)
}
