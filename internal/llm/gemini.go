package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"policyguard/internal/config"
	"policyguard/internal/logging"
	"policyguard/internal/policy"
)

// =============================================================================
// GEMINI CLIENT
// =============================================================================

// GeminiClient talks to the Gemini API over raw HTTP. Structured calls pin
// the response to a JSON schema; Compose streams over SSE.
type GeminiClient struct {
	apiKey     string
	model      string
	baseURL    string
	httpClient *http.Client
	retry      RetryPolicy
}

// NewGeminiClient creates a Gemini client from configuration.
func NewGeminiClient(cfg config.LLMConfig, retry RetryPolicy) (*GeminiClient, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("gemini API key is required")
	}
	model := cfg.Model
	if model == "" {
		model = "gemini-2.0-flash"
	}
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = "https://generativelanguage.googleapis.com/v1beta"
	}
	timeout := 2 * time.Minute
	if cfg.Timeout != "" {
		if d, err := time.ParseDuration(cfg.Timeout); err == nil {
			timeout = d
		}
	}
	if retry.MaxTries == 0 {
		retry = DefaultRetry
	}

	return &GeminiClient{
		apiKey:     cfg.APIKey,
		model:      model,
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: timeout},
		retry:      retry,
	}, nil
}

// =============================================================================
// WIRE TYPES
// =============================================================================

type geminiPart struct {
	Text string `json:"text,omitempty"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiGenerationConfig struct {
	Temperature      float64                `json:"temperature"`
	MaxOutputTokens  int                    `json:"maxOutputTokens,omitempty"`
	ResponseMimeType string                 `json:"responseMimeType,omitempty"`
	ResponseSchema   map[string]interface{} `json:"responseSchema,omitempty"`
}

type geminiRequest struct {
	Contents          []geminiContent        `json:"contents"`
	SystemInstruction *geminiContent         `json:"systemInstruction,omitempty"`
	GenerationConfig  geminiGenerationConfig `json:"generationConfig"`
}

type geminiResponse struct {
	Candidates []struct {
		Content struct {
			Parts []geminiPart `json:"parts"`
		} `json:"content"`
	} `json:"candidates"`
	Error *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// =============================================================================
// STRUCTURED CALLS
// =============================================================================

// complete sends one non-streamed generation request. When schema is set
// the response is pinned to application/json conforming to it.
func (c *GeminiClient) complete(ctx context.Context, op, systemPrompt, userPrompt string, schema map[string]interface{}) (string, error) {
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.httpClient.Timeout)
		defer cancel()
	}

	reqBody := geminiRequest{
		Contents: []geminiContent{
			{Role: "user", Parts: []geminiPart{{Text: userPrompt}}},
		},
		GenerationConfig: geminiGenerationConfig{Temperature: 0.1},
	}
	if systemPrompt != "" {
		reqBody.SystemInstruction = &geminiContent{Parts: []geminiPart{{Text: systemPrompt}}}
	}
	if schema != nil {
		reqBody.GenerationConfig.ResponseMimeType = "application/json"
		reqBody.GenerationConfig.ResponseSchema = schema
	}

	url := fmt.Sprintf("%s/models/%s:generateContent?key=%s", c.baseURL, c.model, c.apiKey)

	var out string
	start := time.Now()
	err := c.retry.Do(ctx, op, func() error {
		jsonData, err := json.Marshal(reqBody)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}

		req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(jsonData))
		if err != nil {
			return fmt.Errorf("failed to create request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("%w: %v", policy.ErrProviderUnavailable, err)
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("%w: reading response: %v", policy.ErrProviderUnavailable, err)
		}
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			return fmt.Errorf("%w: status %d: %s", policy.ErrProviderUnavailable, resp.StatusCode, string(body))
		}
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("API request failed with status %d: %s", resp.StatusCode, string(body))
		}

		var geminiResp geminiResponse
		if err := json.Unmarshal(body, &geminiResp); err != nil {
			return fmt.Errorf("failed to parse response: %w", err)
		}
		if geminiResp.Error != nil {
			return fmt.Errorf("API error: %s", geminiResp.Error.Message)
		}
		if len(geminiResp.Candidates) == 0 || len(geminiResp.Candidates[0].Content.Parts) == 0 {
			return fmt.Errorf("no completion returned")
		}

		var result strings.Builder
		for _, part := range geminiResp.Candidates[0].Content.Parts {
			result.WriteString(part.Text)
		}
		out = strings.TrimSpace(result.String())
		return nil
	})
	if err != nil {
		return "", err
	}

	logging.LLMDebug("%s: completed in %v response_len=%d", op, time.Since(start), len(out))
	return out, nil
}

// ClassifyChunk asks for one kind from the closed enum. Out-of-enum
// answers return ErrUnknownKind; the caller keeps its prior.
func (c *GeminiClient) ClassifyChunk(ctx context.Context, text, heading string) (policy.Kind, error) {
	schema := map[string]interface{}{
		"type": "STRING",
		"enum": kindEnum(),
	}
	raw, err := c.complete(ctx, "ClassifyChunk", classifySystemPrompt, classifyUserPrompt(text, heading), schema)
	if err != nil {
		return "", err
	}
	raw = strings.Trim(strings.TrimSpace(raw), `"`)
	return policy.ParseKind(strings.ToLower(raw))
}

// EvaluateExclusion decides whether chunkText excludes item.
func (c *GeminiClient) EvaluateExclusion(ctx context.Context, chunkText, item string) (ExclusionEval, error) {
	schema := map[string]interface{}{
		"type": "OBJECT",
		"properties": map[string]interface{}{
			"excluded":   map[string]interface{}{"type": "BOOLEAN"},
			"confidence": map[string]interface{}{"type": "NUMBER"},
			"reason":     map[string]interface{}{"type": "STRING"},
		},
		"required": []string{"excluded", "confidence", "reason"},
	}
	raw, err := c.complete(ctx, "EvaluateExclusion", exclusionSystemPrompt, probeUserPrompt(chunkText, item), schema)
	if err != nil {
		return ExclusionEval{}, err
	}
	var eval ExclusionEval
	if err := json.Unmarshal([]byte(raw), &eval); err != nil {
		return ExclusionEval{}, fmt.Errorf("exclusion answer not schema-conforming: %w", err)
	}
	eval.Confidence = clamp01(eval.Confidence)
	return eval, nil
}

// EvaluateInclusion decides whether chunkText covers item.
func (c *GeminiClient) EvaluateInclusion(ctx context.Context, chunkText, item string) (InclusionEval, error) {
	schema := map[string]interface{}{
		"type": "OBJECT",
		"properties": map[string]interface{}{
			"covered":    map[string]interface{}{"type": "BOOLEAN"},
			"confidence": map[string]interface{}{"type": "NUMBER"},
			"reason":     map[string]interface{}{"type": "STRING"},
		},
		"required": []string{"covered", "confidence", "reason"},
	}
	raw, err := c.complete(ctx, "EvaluateInclusion", inclusionSystemPrompt, probeUserPrompt(chunkText, item), schema)
	if err != nil {
		return InclusionEval{}, err
	}
	var eval InclusionEval
	if err := json.Unmarshal([]byte(raw), &eval); err != nil {
		return InclusionEval{}, fmt.Errorf("inclusion answer not schema-conforming: %w", err)
	}
	eval.Confidence = clamp01(eval.Confidence)
	return eval, nil
}

// ExtractFinancials pulls deductible/cap/conditions from chunkText.
func (c *GeminiClient) ExtractFinancials(ctx context.Context, chunkText, item string) (FinancialTerms, error) {
	schema := map[string]interface{}{
		"type": "OBJECT",
		"properties": map[string]interface{}{
			"deductible": map[string]interface{}{"type": "NUMBER", "nullable": true},
			"cap":        map[string]interface{}{"type": "NUMBER", "nullable": true},
			"conditions": map[string]interface{}{
				"type":  "ARRAY",
				"items": map[string]interface{}{"type": "STRING"},
			},
		},
	}
	raw, err := c.complete(ctx, "ExtractFinancials", financialSystemPrompt, probeUserPrompt(chunkText, item), schema)
	if err != nil {
		return FinancialTerms{}, err
	}
	var terms FinancialTerms
	if err := json.Unmarshal([]byte(raw), &terms); err != nil {
		return FinancialTerms{}, fmt.Errorf("financial answer not schema-conforming: %w", err)
	}
	return terms, nil
}

// =============================================================================
// COMPOSE (STREAMING)
// =============================================================================

// Compose streams the final answer over SSE. Connection failures before
// the first token are retried; once a token has been delivered the stream
// fails rather than restarting, so callers never see duplicated text.
func (c *GeminiClient) Compose(ctx context.Context, in ComposeInput) (<-chan string, <-chan error) {
	contentChan := make(chan string, 100)
	errorChan := make(chan error, 1)

	go func() {
		defer close(contentChan)
		defer close(errorChan)

		reqBody := geminiRequest{
			Contents: []geminiContent{
				{Role: "user", Parts: []geminiPart{{Text: composeUserPrompt(in)}}},
			},
			SystemInstruction: &geminiContent{Parts: []geminiPart{{Text: composeSystemPrompt}}},
			GenerationConfig:  geminiGenerationConfig{Temperature: 0.3},
		}
		jsonData, err := json.Marshal(reqBody)
		if err != nil {
			errorChan <- fmt.Errorf("failed to marshal request: %w", err)
			return
		}

		url := fmt.Sprintf("%s/models/%s:streamGenerateContent?alt=sse&key=%s", c.baseURL, c.model, c.apiKey)

		tries := c.retry.MaxTries
		if tries <= 0 {
			tries = 1
		}
		var lastErr error
		for attempt := 0; attempt < tries; attempt++ {
			if attempt > 0 {
				select {
				case <-time.After(c.retry.Base << uint(attempt-1)):
				case <-ctx.Done():
					errorChan <- ctx.Err()
					return
				}
			}

			streamed, err := c.streamOnce(ctx, url, jsonData, contentChan)
			if err == nil {
				return
			}
			if streamed {
				// Tokens already went out; restarting would duplicate them.
				errorChan <- err
				return
			}
			lastErr = err
			if ctx.Err() != nil {
				errorChan <- ctx.Err()
				return
			}
		}
		errorChan <- fmt.Errorf("max retries exceeded: %w", lastErr)
	}()

	return contentChan, errorChan
}

// streamOnce runs one SSE attempt. The returned bool reports whether any
// token was delivered before the failure.
func (c *GeminiClient) streamOnce(ctx context.Context, url string, jsonData []byte, contentChan chan<- string) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(jsonData))
	if err != nil {
		return false, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false, fmt.Errorf("%w: %v", policy.ErrProviderUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			return false, fmt.Errorf("%w: status %d: %s", policy.ErrProviderUnavailable, resp.StatusCode, string(body))
		}
		return false, fmt.Errorf("API request failed with status %d: %s", resp.StatusCode, string(body))
	}

	streamed := false
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		payload := strings.TrimPrefix(line, "data: ")
		if payload == "[DONE]" {
			break
		}

		var chunk geminiResponse
		if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
			continue
		}
		for _, cand := range chunk.Candidates {
			for _, part := range cand.Content.Parts {
				if part.Text == "" {
					continue
				}
				select {
				case contentChan <- part.Text:
					streamed = true
				case <-ctx.Done():
					return streamed, ctx.Err()
				}
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return streamed, fmt.Errorf("%w: stream: %v", policy.ErrProviderUnavailable, err)
	}
	return streamed, nil
}

// ComposeText is the non-streamed form of Compose.
func (c *GeminiClient) ComposeText(ctx context.Context, in ComposeInput) (string, error) {
	return c.complete(ctx, "ComposeText", composeSystemPrompt, composeUserPrompt(in), nil)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func kindEnum() []string {
	out := make([]string, len(policy.AllKinds))
	for i, k := range policy.AllKinds {
		out[i] = string(k)
	}
	return out
}
