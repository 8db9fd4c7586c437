// Package extract turns policy documents into ordered text blocks. PDF
// extraction reads the native text layer through a sidecar service and
// falls back to OCR for scanned or sparse pages.
package extract

import (
	"context"
	"fmt"
	"strings"

	"policyguard/internal/logging"
	"policyguard/internal/policy"
)

// =============================================================================
// TYPES
// =============================================================================

// TextBlock is one page's worth of extracted text.
type TextBlock struct {
	Text        string
	PageNumber  int    // 1-based
	SectionHint string // heading carried over from the page header, if any
}

// Extractor converts a raw document into ordered text blocks.
type Extractor interface {
	// Extract returns the document's text blocks in page order. Pages that
	// fail extraction are skipped and reported via the returned page errors;
	// extraction only fails outright when no page yields text.
	Extract(ctx context.Context, data []byte, mime string) ([]TextBlock, []policy.ExtractionError, error)
}

// =============================================================================
// DISPATCH
// =============================================================================

// ForMIME returns the extractor responsible for a MIME type.
func ForMIME(mime string, pdf *PDFExtractor) (Extractor, error) {
	switch {
	case mime == "application/pdf":
		if pdf == nil {
			return nil, fmt.Errorf("pdf extraction is not configured")
		}
		return pdf, nil
	case strings.HasPrefix(mime, "text/"):
		return PlainTextExtractor{}, nil
	default:
		return nil, fmt.Errorf("unsupported document type: %s", mime)
	}
}

// =============================================================================
// PLAIN TEXT
// =============================================================================

// PlainTextExtractor handles text/plain documents. Form feeds split pages;
// a document without form feeds is a single page 1.
type PlainTextExtractor struct{}

// Extract splits the text into page blocks.
func (PlainTextExtractor) Extract(_ context.Context, data []byte, _ string) ([]TextBlock, []policy.ExtractionError, error) {
	text := string(data)
	if strings.TrimSpace(text) == "" {
		return nil, nil, fmt.Errorf("document contains no text")
	}

	var blocks []TextBlock
	for i, page := range strings.Split(text, "\f") {
		if strings.TrimSpace(page) == "" {
			continue
		}
		blocks = append(blocks, TextBlock{
			Text:       page,
			PageNumber: i + 1,
		})
	}
	if len(blocks) == 0 {
		return nil, nil, fmt.Errorf("document contains no text")
	}

	logging.Extract("plain text extracted: %d pages, %d bytes", len(blocks), len(data))
	return blocks, nil, nil
}
