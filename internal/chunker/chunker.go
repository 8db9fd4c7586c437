// Package chunker splits extracted policy text into classified chunks.
// Splits prefer section breaks, then paragraphs, then sentences, then a
// hard cut at a word boundary. A chunk never spans a page.
package chunker

import (
	"regexp"
	"strings"
	"unicode"

	"policyguard/internal/config"
	"policyguard/internal/extract"
	"policyguard/internal/logging"
	"policyguard/internal/policy"
)

// =============================================================================
// CHUNKER
// =============================================================================

// Chunker produces classified chunks from text blocks.
type Chunker struct {
	size    int
	minSize int
	overlap int // characters carried over across chunk boundaries
}

// New creates a chunker from configuration.
func New(cfg config.ChunkerConfig) *Chunker {
	size := cfg.Size
	if size <= 0 {
		size = 800
	}
	minSize := cfg.MinSize
	if minSize <= 0 {
		minSize = 100
	}
	return &Chunker{
		size:    size,
		minSize: minSize,
		overlap: int(float64(size) * cfg.Overlap),
	}
}

// Chunk converts page blocks into ordered chunks. Positions are assigned
// monotonically across the whole document. Embeddings and ids are left
// empty; the ingest pipeline fills them.
func (c *Chunker) Chunk(policyID string, blocks []extract.TextBlock) []policy.Chunk {
	var chunks []policy.Chunk
	position := 0

	for _, block := range blocks {
		for _, sec := range splitSections(block) {
			for _, text := range c.pack(sec.body) {
				text = strings.TrimSpace(text)
				if text == "" {
					continue
				}
				chunks = append(chunks, policy.Chunk{
					PolicyID:     policyID,
					Text:         text,
					Kind:         Classify(text, sec.title),
					PageNumber:   block.PageNumber,
					SectionTitle: sec.title,
					Position:     position,
				})
				position++
			}
		}
	}

	logging.Chunker("chunked policy %s: %d blocks -> %d chunks", policyID, len(blocks), len(chunks))
	return chunks
}

// =============================================================================
// SECTION DETECTION
// =============================================================================

type section struct {
	title string
	body  string
}

var numberedHeading = regexp.MustCompile(`^\d+(\.\d+)*\s+\S`)

var keywordHeadings = []string{"EXCLUSIONS", "COVERAGE", "DEFINITIONS", "LIMITATIONS", "OBLIGATIONS"}

// IsHeading reports whether a line looks like a section heading: an
// ALL-CAPS short line, a numbered title, or a known keyword header.
// The keyword rule only fires when the line is the header itself, not a
// sentence that happens to mention a header word.
func IsHeading(line string) bool {
	line = strings.TrimSpace(line)
	if line == "" || len(line) > 80 {
		return false
	}

	bare := strings.Trim(strings.ToUpper(line), " \t:.-0123456789")
	for _, kw := range keywordHeadings {
		if bare == kw {
			return true
		}
	}

	if numberedHeading.MatchString(line) && isTitleCased(strings.TrimLeft(line, "0123456789. \t")) {
		return true
	}

	return isAllCapsShort(line)
}

func isAllCapsShort(line string) bool {
	if len(line) > 60 {
		return false
	}
	hasLetter := false
	for _, r := range line {
		if unicode.IsLower(r) {
			return false
		}
		if unicode.IsLetter(r) {
			hasLetter = true
		}
	}
	return hasLetter
}

func isTitleCased(s string) bool {
	words := strings.Fields(s)
	if len(words) == 0 {
		return false
	}
	for _, w := range words {
		r := []rune(w)
		if unicode.IsLetter(r[0]) && !unicode.IsUpper(r[0]) {
			return false
		}
	}
	return true
}

// splitSections walks a page's lines and groups body text under the most
// recent heading. The page's section hint seeds the first group.
func splitSections(block extract.TextBlock) []section {
	var (
		sections []section
		current  = section{title: block.SectionHint}
		body     strings.Builder
	)

	flush := func() {
		current.body = body.String()
		if strings.TrimSpace(current.body) != "" {
			sections = append(sections, current)
		}
		body.Reset()
	}

	for _, line := range strings.Split(block.Text, "\n") {
		if IsHeading(line) {
			flush()
			current = section{title: strings.TrimSpace(line)}
			continue
		}
		body.WriteString(line)
		body.WriteString("\n")
	}
	flush()

	return sections
}

// =============================================================================
// PACKING
// =============================================================================

var sentenceEnd = regexp.MustCompile(`([.!?])\s+`)

// pack accumulates paragraphs into chunks near the target size, carrying
// a soft overlap tail across boundaries within the same section.
func (c *Chunker) pack(text string) []string {
	var (
		chunks []string
		buf    strings.Builder
	)

	emit := func() {
		s := strings.TrimSpace(buf.String())
		if s != "" {
			chunks = append(chunks, s)
		}
		buf.Reset()
		if c.overlap > 0 && s != "" {
			buf.WriteString(overlapTail(s, c.overlap))
			buf.WriteString(" ")
		}
	}

	add := func(piece string) {
		if buf.Len() > 0 && buf.Len()+len(piece) > c.size {
			emit()
		}
		if buf.Len() > 0 {
			buf.WriteString("\n\n")
		}
		buf.WriteString(piece)
	}

	for _, para := range strings.Split(text, "\n\n") {
		para = strings.TrimSpace(para)
		if para == "" {
			continue
		}
		if len(para) <= c.size {
			add(para)
			continue
		}
		// Paragraph exceeds the target; fall back to sentences, then to
		// hard cuts at word boundaries.
		for _, sent := range splitSentences(para) {
			if len(sent) <= c.size {
				add(sent)
				continue
			}
			for _, piece := range hardCut(sent, c.size) {
				add(piece)
			}
		}
	}
	if strings.TrimSpace(buf.String()) != "" {
		s := strings.TrimSpace(buf.String())
		chunks = append(chunks, s)
	}

	// Merge a trailing runt into its predecessor so no chunk falls far
	// below the minimum.
	if n := len(chunks); n >= 2 && len(chunks[n-1]) < c.minSize {
		chunks[n-2] = chunks[n-2] + "\n\n" + chunks[n-1]
		chunks = chunks[:n-1]
	}

	return chunks
}

func splitSentences(text string) []string {
	marked := sentenceEnd.ReplaceAllString(text, "$1\x00")
	parts := strings.Split(marked, "\x00")
	out := parts[:0]
	for _, p := range parts {
		if strings.TrimSpace(p) != "" {
			out = append(out, strings.TrimSpace(p))
		}
	}
	return out
}

// hardCut splits text at word boundaries so no piece exceeds max.
func hardCut(text string, max int) []string {
	var pieces []string
	words := strings.Fields(text)
	var buf strings.Builder
	for _, w := range words {
		if buf.Len() > 0 && buf.Len()+1+len(w) > max {
			pieces = append(pieces, buf.String())
			buf.Reset()
		}
		if buf.Len() > 0 {
			buf.WriteString(" ")
		}
		buf.WriteString(w)
	}
	if buf.Len() > 0 {
		pieces = append(pieces, buf.String())
	}
	return pieces
}

// overlapTail returns roughly the last n characters of s, extended left to
// a word boundary.
func overlapTail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	cut := len(s) - n
	if idx := strings.IndexAny(s[cut:], " \n"); idx >= 0 {
		cut += idx + 1
	}
	if cut >= len(s) {
		return ""
	}
	return s[cut:]
}
