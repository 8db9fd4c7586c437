package server

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"policyguard/internal/chat"
	"policyguard/internal/logging"
)

// =============================================================================
// INGESTION
// =============================================================================

type ingestRequest struct {
	PolicyID    string `json:"policy_id,omitempty"`
	Name        string `json:"name,omitempty"`
	MIME        string `json:"mime"`
	DocumentB64 string `json:"document_b64"`
}

type asyncIngestResponse struct {
	JobID string `json:"job_id"`
}

// handleIngest accepts a document, as JSON with a base64 body or as a
// multipart upload. Small documents are ingested inline; large ones
// return 202 with a job id to poll.
func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	var (
		policyID string
		mime     string
		data     []byte
	)

	if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data") {
		if err := r.ParseMultipartForm(64 << 20); err != nil {
			badRequest(w, "invalid multipart body")
			return
		}
		file, header, err := r.FormFile("document")
		if err != nil {
			badRequest(w, "document file field is required")
			return
		}
		defer file.Close()
		data, err = io.ReadAll(file)
		if err != nil {
			badRequest(w, "failed to read document upload")
			return
		}
		policyID = r.FormValue("policy_id")
		mime = r.FormValue("mime")
		if mime == "" {
			mime = header.Header.Get("Content-Type")
		}
	} else {
		var req ingestRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			badRequest(w, "invalid JSON body")
			return
		}
		if req.DocumentB64 == "" {
			badRequest(w, "document_b64 is required")
			return
		}
		var err error
		data, err = base64.StdEncoding.DecodeString(req.DocumentB64)
		if err != nil {
			badRequest(w, "document_b64 is not valid base64")
			return
		}
		policyID = req.PolicyID
		mime = req.MIME
	}
	if mime == "" {
		badRequest(w, "mime is required")
		return
	}

	if len(data) >= s.asyncIngestMin {
		jobID := s.jobs.Start(policyID, data, mime)
		writeJSON(w, http.StatusAccepted, asyncIngestResponse{JobID: jobID})
		return
	}

	res, err := s.pipeline.Ingest(r.Context(), policyID, data, mime)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleDeletePolicy(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.store.DeletePolicy(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"policy_id": id, "status": "deleted"})
}

func (s *Server) handlePolicyStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.Stats(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleJobStatus(w http.ResponseWriter, r *http.Request) {
	job, err := s.jobs.Get(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// =============================================================================
// SESSIONS AND CHAT
// =============================================================================

type createSessionRequest struct {
	PolicyID string `json:"policy_id"`
}

type createSessionResponse struct {
	SessionID string `json:"session_id"`
	PolicyID  string `json:"policy_id"`
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, "invalid JSON body")
		return
	}
	if req.PolicyID == "" {
		badRequest(w, "policy_id is required")
		return
	}
	sess, err := s.orch.CreateSession(r.Context(), req.PolicyID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, createSessionResponse{SessionID: sess.ID, PolicyID: sess.PolicyID})
}

type chatRequest struct {
	SessionID string `json:"session_id"`
	PolicyID  string `json:"policy_id"`
	Message   string `json:"message"`
}

// handleChat streams one turn as line-delimited JSON events: token events
// in order, then a verdict trailer, or a terminal error event.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, "invalid JSON body")
		return
	}
	if req.SessionID == "" || req.Message == "" {
		badRequest(w, "session_id and message are required")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.turnTimeout)
	defer cancel()

	events, err := s.orch.Turn(ctx, req.SessionID, req.PolicyID, req.Message)
	if err != nil {
		writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher, _ := w.(http.Flusher)

	enc := json.NewEncoder(w)
	for ev := range events {
		if err := enc.Encode(streamEvent(ev)); err != nil {
			logging.Chat("chat stream write failed: %v", err)
			return
		}
		if flusher != nil {
			flusher.Flush()
		}
	}
}

// wireEvent is the NDJSON shape; TurnError does not marshal its cause.
type wireEvent struct {
	Type    chat.EventType `json:"type"`
	Token   string         `json:"token,omitempty"`
	Verdict interface{}    `json:"verdict,omitempty"`
	Error   *wireError     `json:"error,omitempty"`
}

type wireError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func streamEvent(ev chat.Event) wireEvent {
	out := wireEvent{Type: ev.Type, Token: ev.Token}
	if ev.Verdict != nil {
		out.Verdict = ev.Verdict
	}
	if ev.Err != nil {
		out.Error = &wireError{Code: ev.Err.Code, Message: ev.Err.Message}
	}
	return out
}
