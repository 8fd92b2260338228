package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/lukasbauer/gptian/internal/eventlog"
	"github.com/lukasbauer/gptian/internal/llm"
)

const chatTimeout = 60 * time.Second

// chatMessage is a history entry as the web client sends it. The client marks
// assistant turns with author "bot"; role is accepted as well.
type chatMessage struct {
	Content string `json:"content"`
	Author  string `json:"author,omitempty"`
	Role    string `json:"role,omitempty"`
}

type chatRequest struct {
	Prompt    string        `json:"prompt"`
	History   []chatMessage `json:"history"`
	Actor     string        `json:"actor,omitempty"`
	Accuracy  string        `json:"accuracy,omitempty"`
	MaxTokens int           `json:"max_tokens,omitempty"`

	// Only used by the streaming endpoint.
	Speak    bool   `json:"speak,omitempty"`
	Language string `json:"language,omitempty"`
}

type chatResponse struct {
	Content string `json:"content"`
	Author  string `json:"author"`
	Loading bool   `json:"loading"`
}

func (c chatRequest) toLLM() llm.Request {
	history := make([]llm.Message, 0, len(c.History))
	for _, m := range c.History {
		role := strings.ToLower(m.Role)
		if role == "" {
			switch strings.ToLower(m.Author) {
			case "bot", "assistant":
				role = "assistant"
			default:
				role = "user"
			}
		}
		history = append(history, llm.Message{Role: role, Content: m.Content})
	}
	return llm.Request{
		Prompt:    c.Prompt,
		History:   history,
		Actor:     c.Actor,
		MaxTokens: c.MaxTokens,
		Accuracy:  llm.Accuracy(strings.ToLower(c.Accuracy)),
	}
}

func (r *Router) handleChat(w http.ResponseWriter, req *http.Request) {
	if r.deps.LLM == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "chat is not configured"})
		return
	}

	var body chatRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	if strings.TrimSpace(body.Prompt) == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "prompt is required"})
		return
	}

	ctx, cancel := context.WithTimeout(req.Context(), chatTimeout)
	defer cancel()

	requestID := uuid.NewString()
	completion, err := r.deps.LLM.Complete(ctx, body.toLLM())
	if err != nil {
		r.logger.Printf("chat: completion failed: %v", err)
		r.deps.Metrics.RecordChat("rest", err, 0, 0)
		r.deps.EventLog.LogAsync(requestID, eventlog.EventChatError, map[string]any{"error": err.Error()})
		if !errors.Is(err, context.Canceled) {
			captureError(req, err, "chat completion failed")
		}
		writeJSON(w, http.StatusBadGateway, map[string]string{"error": "failed to generate answer"})
		return
	}

	r.deps.Metrics.RecordChat("rest", nil, completion.Usage.PromptTokens, completion.Usage.CompletionTokens)
	r.deps.EventLog.LogAsync(requestID, eventlog.EventChatCompleted, map[string]any{
		"mode":              "rest",
		"prompt_tokens":     completion.Usage.PromptTokens,
		"completion_tokens": completion.Usage.CompletionTokens,
	})

	writeJSON(w, http.StatusOK, chatResponse{
		Content: completion.Content,
		Author:  "bot",
		Loading: false,
	})
}
