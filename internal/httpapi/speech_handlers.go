package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/lukasbauer/gptian/internal/costs"
	"github.com/lukasbauer/gptian/internal/pipeline"
)

type speechTextRequest struct {
	Text     string `json:"text"`
	Language string `json:"language,omitempty"`
}

type speechSessionResponse struct {
	ID        string             `json:"id"`
	Origin    string             `json:"origin"`
	Language  string             `json:"language"`
	State     string             `json:"state"`
	Deadline  time.Time          `json:"deadline"`
	Complete  bool               `json:"complete"`
	Pending   int                `json:"pending"`
	CreatedAt time.Time          `json:"created_at"`
	Events    []pipeline.Event   `json:"events"`
	Usage     costs.SessionUsage `json:"usage"`
	Costs     costs.SessionCosts `json:"costs"`
	Error     string             `json:"error,omitempty"`
}

func newSpeechSessionResponse(s *Session) speechSessionResponse {
	resp := speechSessionResponse{
		ID:        s.ID,
		Origin:    s.Origin,
		Language:  s.Language,
		State:     s.Pipeline.State().String(),
		Deadline:  s.Pipeline.Deadline().UTC(),
		Complete:  s.Pipeline.Complete(),
		Pending:   s.Pipeline.Pending(),
		CreatedAt: s.CreatedAt,
		Events:    s.Events(),
		Usage:     s.Usage.Usage(),
		Costs:     s.Usage.Costs(),
	}
	if err := s.Err(); err != nil {
		resp.Error = err.Error()
	}
	return resp
}

// handleCreateSpeechSession starts a pipeline. The body is optional; text in it
// is ingested as the first fragment.
func (r *Router) handleCreateSpeechSession(w http.ResponseWriter, req *http.Request) {
	if r.deps.Sessions == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "speech is not configured"})
		return
	}

	var body speechTextRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil && !errors.Is(err, io.EOF) {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	language := strings.TrimSpace(body.Language)
	if language == "" {
		language = r.cfg.DefaultLanguage
	}
	if r.deps.Voices != nil && r.cfg.TTSProvider == "azure" {
		if _, ok := r.deps.Voices.Lookup(language); !ok {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unsupported language"})
			return
		}
	}

	s, err := r.deps.Sessions.Start(StartOptions{Origin: "http", Language: language})
	if err != nil {
		if errors.Is(err, ErrDraining) {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "server is shutting down"})
			return
		}
		r.logger.Printf("speech: failed to start session: %v", err)
		captureError(req, err, "start speech session")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to start session"})
		return
	}

	if body.Text != "" {
		if err := s.Pipeline.Ingest(body.Text); err != nil {
			r.logger.Printf("speech %s: initial ingest: %v", s.ID, err)
		}
	}

	writeJSON(w, http.StatusCreated, newSpeechSessionResponse(s))
}

func (r *Router) handleIngestSpeechText(w http.ResponseWriter, req *http.Request) {
	s, ok := r.lookupSession(w, req)
	if !ok {
		return
	}

	var body speechTextRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	if body.Text == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "text is required"})
		return
	}

	if err := s.Pipeline.Ingest(body.Text); err != nil {
		if errors.Is(err, pipeline.ErrTerminated) || errors.Is(err, pipeline.ErrAlreadyClosed) {
			writeJSON(w, http.StatusConflict, map[string]string{"error": "session has terminated"})
			return
		}
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to ingest text"})
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]any{
		"id":       s.ID,
		"state":    s.Pipeline.State().String(),
		"deadline": s.Pipeline.Deadline().UTC(),
		"pending":  s.Pipeline.Pending(),
	})
}

func (r *Router) handleGetSpeechSession(w http.ResponseWriter, req *http.Request) {
	s, ok := r.lookupSession(w, req)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, newSpeechSessionResponse(s))
}

// handleGetSpeechAudio serves one synthesized sentence. The batch defaults to 0
// and can be selected with ?batch=n.
func (r *Router) handleGetSpeechAudio(w http.ResponseWriter, req *http.Request) {
	s, ok := r.lookupSession(w, req)
	if !ok {
		return
	}

	seq, err := strconv.Atoi(req.PathValue("seq"))
	if err != nil || seq < 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid sequence number"})
		return
	}
	batch := 0
	if v := req.URL.Query().Get("batch"); v != "" {
		batch, err = strconv.Atoi(v)
		if err != nil || batch < 0 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid batch"})
			return
		}
	}

	path := s.Pipeline.AudioPath(batch, seq)
	if _, err := os.Stat(path); err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "audio not found"})
		return
	}
	w.Header().Set("Content-Type", audioContentType(path))
	http.ServeFile(w, req, path)
}

func (r *Router) lookupSession(w http.ResponseWriter, req *http.Request) (*Session, bool) {
	if r.deps.Sessions == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "speech is not configured"})
		return nil, false
	}
	s, err := r.deps.Sessions.Get(req.PathValue("id"))
	if err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "session not found"})
		return nil, false
	}
	return s, true
}

func audioContentType(path string) string {
	switch {
	case strings.HasSuffix(path, ".mp3"):
		return "audio/mpeg"
	case strings.HasSuffix(path, ".wav"):
		return "audio/wav"
	case strings.HasSuffix(path, ".ogg"), strings.HasSuffix(path, ".opus"):
		return "audio/ogg"
	default:
		return "application/octet-stream"
	}
}
