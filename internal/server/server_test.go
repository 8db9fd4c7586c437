package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"policyguard/internal/agent"
	"policyguard/internal/chat"
	"policyguard/internal/chunker"
	"policyguard/internal/config"
	"policyguard/internal/embedding"
	"policyguard/internal/ingest"
	"policyguard/internal/llm"
	"policyguard/internal/store"
)

const testDim = 32

const samplePolicy = "EXCLUSIONS\n" +
	"We do not cover flood damage of any kind.\n\n" +
	"COVERAGE\n" +
	"We will pay for engine repair after a covered loss."

type fixture struct {
	llm    *llm.MockClient
	server *httptest.Server
}

func newFixture(t *testing.T, asyncMin int) *fixture {
	t.Helper()
	s, err := store.New(":memory:", testDim)
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	embed := embedding.NewHashEngine(testDim)
	mock := &llm.MockClient{}
	pipeline := ingest.New(s, nil, chunker.New(config.ChunkerConfig{Size: 800, Overlap: 0.15, MinSize: 50}), embed, nil)
	orch := chat.New(s, agent.New(s, embed, mock, config.AgentConfig{}), mock, 4)

	srv := New(config.ServerConfig{AsyncIngestMin: asyncMin}, pipeline, ingest.NewJobs(pipeline), orch, s, 30*time.Second)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	return &fixture{llm: mock, server: ts}
}

func (f *fixture) post(t *testing.T, path string, body interface{}) *http.Response {
	t.Helper()
	b, err := json.Marshal(body)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.Post(f.server.URL+path, "application/json", bytes.NewReader(b))
	if err != nil {
		t.Fatalf("POST %s: %v", path, err)
	}
	return resp
}

func (f *fixture) ingestPolicy(t *testing.T, policyID string) {
	t.Helper()
	resp := f.post(t, "/api/policies", map[string]string{
		"policy_id":    policyID,
		"mime":         "text/plain",
		"document_b64": base64.StdEncoding.EncodeToString([]byte(samplePolicy)),
	})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("ingest returned %d", resp.StatusCode)
	}
}

func decodeBody(t *testing.T, resp *http.Response) map[string]interface{} {
	t.Helper()
	defer resp.Body.Close()
	var out map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	return out
}

// =============================================================================
// INGESTION ENDPOINTS
// =============================================================================

func TestIngestSync(t *testing.T) {
	f := newFixture(t, 1<<20)

	resp := f.post(t, "/api/policies", map[string]string{
		"policy_id":    "pol-1",
		"mime":         "text/plain",
		"document_b64": base64.StdEncoding.EncodeToString([]byte(samplePolicy)),
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	body := decodeBody(t, resp)
	if body["policy_id"] != "pol-1" {
		t.Errorf("policy_id = %v", body["policy_id"])
	}
	if body["chunk_count"].(float64) == 0 {
		t.Error("chunk_count = 0")
	}
}

func TestIngestAsync(t *testing.T) {
	f := newFixture(t, 1)

	resp := f.post(t, "/api/policies", map[string]string{
		"policy_id":    "pol-1",
		"mime":         "text/plain",
		"document_b64": base64.StdEncoding.EncodeToString([]byte(samplePolicy)),
	})
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", resp.StatusCode)
	}
	jobID, _ := decodeBody(t, resp)["job_id"].(string)
	if jobID == "" {
		t.Fatal("no job_id in 202 response")
	}

	deadline := time.After(5 * time.Second)
	for {
		resp, err := http.Get(f.server.URL + "/api/jobs/" + jobID)
		if err != nil {
			t.Fatal(err)
		}
		job := decodeBody(t, resp)
		switch job["status"] {
		case "done":
			return
		case "failed":
			t.Fatalf("job failed: %v", job["error"])
		}
		select {
		case <-deadline:
			t.Fatal("job did not finish")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestIngestMultipart(t *testing.T) {
	f := newFixture(t, 1<<20)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("document", "policy.txt")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := part.Write([]byte(samplePolicy)); err != nil {
		t.Fatal(err)
	}
	if err := mw.WriteField("policy_id", "pol-mp"); err != nil {
		t.Fatal(err)
	}
	if err := mw.WriteField("mime", "text/plain"); err != nil {
		t.Fatal(err)
	}
	mw.Close()

	resp, err := http.Post(f.server.URL+"/api/policies", mw.FormDataContentType(), &buf)
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	body := decodeBody(t, resp)
	if body["policy_id"] != "pol-mp" {
		t.Errorf("policy_id = %v", body["policy_id"])
	}
}

func TestIngestBadRequests(t *testing.T) {
	f := newFixture(t, 1<<20)

	cases := []map[string]string{
		{"mime": "text/plain"},
		{"document_b64": base64.StdEncoding.EncodeToString([]byte("x"))},
		{"mime": "text/plain", "document_b64": "not!!base64"},
	}
	for i, body := range cases {
		resp := f.post(t, "/api/policies", body)
		resp.Body.Close()
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("case %d: status = %d, want 400", i, resp.StatusCode)
		}
	}
}

func TestJobNotFound(t *testing.T) {
	f := newFixture(t, 1<<20)
	resp, err := http.Get(f.server.URL + "/api/jobs/missing")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

func TestStatsAndDelete(t *testing.T) {
	f := newFixture(t, 1<<20)
	f.ingestPolicy(t, "pol-1")

	resp, err := http.Get(f.server.URL + "/api/policies/pol-1/stats")
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("stats status = %d", resp.StatusCode)
	}
	stats := decodeBody(t, resp)
	if stats["chunk_count"].(float64) == 0 {
		t.Error("stats chunk_count = 0")
	}

	req, _ := http.NewRequest(http.MethodDelete, f.server.URL+"/api/policies/pol-1", nil)
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("delete status = %d", resp.StatusCode)
	}

	resp, err = http.Get(f.server.URL + "/api/policies/pol-1/stats")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("stats after delete = %d, want 404", resp.StatusCode)
	}
}

// =============================================================================
// SESSIONS AND CHAT
// =============================================================================

func (f *fixture) createSession(t *testing.T, policyID string) string {
	t.Helper()
	resp := f.post(t, "/api/sessions", map[string]string{"policy_id": policyID})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("create session status = %d", resp.StatusCode)
	}
	id, _ := decodeBody(t, resp)["session_id"].(string)
	if id == "" {
		t.Fatal("no session_id")
	}
	return id
}

func TestChatStreamsEvents(t *testing.T) {
	f := newFixture(t, 1<<20)
	f.ingestPolicy(t, "pol-1")
	f.llm.EvaluateExclusionFunc = func(_ context.Context, chunkText, _ string) (llm.ExclusionEval, error) {
		if strings.Contains(chunkText, "flood") {
			return llm.ExclusionEval{Excluded: true, Confidence: 0.9, Reason: "flood is expressly excluded"}, nil
		}
		return llm.ExclusionEval{}, nil
	}
	f.llm.ComposeTextFunc = func(_ context.Context, _ llm.ComposeInput) (string, error) {
		return "Flood damage is not covered by this policy.", nil
	}
	sessionID := f.createSession(t, "pol-1")

	resp := f.post(t, "/api/chat", map[string]string{
		"session_id": sessionID,
		"policy_id":  "pol-1",
		"message":    "Is flood damage covered?",
	})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("chat status = %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "application/x-ndjson" {
		t.Errorf("content type = %q", ct)
	}

	var events []map[string]interface{}
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		var ev map[string]interface{}
		if err := json.Unmarshal(scanner.Bytes(), &ev); err != nil {
			t.Fatalf("bad event line %q: %v", scanner.Text(), err)
		}
		events = append(events, ev)
	}
	if len(events) == 0 {
		t.Fatal("no events streamed")
	}

	last := events[len(events)-1]
	if last["type"] != "verdict" {
		t.Fatalf("last event type = %v, want verdict", last["type"])
	}
	verdict := last["verdict"].(map[string]interface{})
	if verdict["status"] != "NOT_COVERED" {
		t.Errorf("status = %v, want NOT_COVERED", verdict["status"])
	}
	for _, ev := range events[:len(events)-1] {
		if ev["type"] != "token" {
			t.Errorf("pre-trailer event type = %v", ev["type"])
		}
	}
}

func TestChatPolicyMismatch(t *testing.T) {
	f := newFixture(t, 1<<20)
	f.ingestPolicy(t, "pol-1")
	sessionID := f.createSession(t, "pol-1")

	resp := f.post(t, "/api/chat", map[string]string{
		"session_id": sessionID,
		"policy_id":  "pol-other",
		"message":    "Is flood covered?",
	})
	resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("status = %d, want 409", resp.StatusCode)
	}
}

func TestChatUnknownSession(t *testing.T) {
	f := newFixture(t, 1<<20)

	resp := f.post(t, "/api/chat", map[string]string{
		"session_id": "missing",
		"message":    "hi",
	})
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

func TestChatMissingFields(t *testing.T) {
	f := newFixture(t, 1<<20)
	resp := f.post(t, "/api/chat", map[string]string{"message": "hi"})
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}
