package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/lukasbauer/gptian/internal/llm"
	"github.com/lukasbauer/gptian/internal/metrics"
)

func TestHandleChat(t *testing.T) {
	fake := &fakeLLM{content: "Hello there."}
	h := newTestRouter(t, Deps{LLM: fake}).handler()

	body := `{
		"prompt": "How are you?",
		"history": [
			{"content": "Hi", "author": "user"},
			{"content": "Hello!", "author": "bot"},
			{"content": "", "author": "user"}
		],
		"accuracy": "HIGH",
		"max_tokens": 64
	}`
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/chat", strings.NewReader(body)))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	var resp chatResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	want := chatResponse{Content: "Hello there.", Author: "bot", Loading: false}
	if resp != want {
		t.Errorf("response = %+v, want %+v", resp, want)
	}

	req := fake.lastRequest()
	if req.Prompt != "How are you?" {
		t.Errorf("Prompt = %q", req.Prompt)
	}
	if req.Accuracy != llm.AccuracyHigh || req.MaxTokens != 64 {
		t.Errorf("Accuracy = %q MaxTokens = %d", req.Accuracy, req.MaxTokens)
	}
	if len(req.History) != 3 {
		t.Fatalf("len(History) = %d, want 3", len(req.History))
	}
	if req.History[0].Role != "user" || req.History[1].Role != "assistant" {
		t.Errorf("History roles = %q, %q", req.History[0].Role, req.History[1].Role)
	}
}

func TestHandleChat_Errors(t *testing.T) {
	tests := []struct {
		name string
		llm  llm.Client
		body string
		want int
	}{
		{"not configured", nil, `{"prompt":"hi"}`, http.StatusServiceUnavailable},
		{"invalid body", &fakeLLM{}, `{`, http.StatusBadRequest},
		{"empty prompt", &fakeLLM{}, `{"prompt":"   "}`, http.StatusBadRequest},
		{"provider error", &fakeLLM{err: errors.New("rate limited")}, `{"prompt":"hi"}`, http.StatusBadGateway},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newTestRouter(t, Deps{LLM: tt.llm, Metrics: metrics.NewCollector()}).handler()
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/chat", strings.NewReader(tt.body)))
			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d", rec.Code, tt.want)
			}
		})
	}
}

func TestChatRequestToLLM(t *testing.T) {
	tests := []struct {
		name string
		msg  chatMessage
		want string
	}{
		{"bot author", chatMessage{Author: "bot"}, "assistant"},
		{"assistant author", chatMessage{Author: "Assistant"}, "assistant"},
		{"user author", chatMessage{Author: "user"}, "user"},
		{"no author", chatMessage{}, "user"},
		{"explicit role wins", chatMessage{Author: "bot", Role: "system"}, "system"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.msg.Content = "x"
			got := chatRequest{History: []chatMessage{tt.msg}}.toLLM()
			if got.History[0].Role != tt.want {
				t.Errorf("Role = %q, want %q", got.History[0].Role, tt.want)
			}
		})
	}
}
