package httpapi

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/lukasbauer/gptian/internal/pipeline"
	"github.com/lukasbauer/gptian/internal/tts"
)

func TestSpeechSessionFlow(t *testing.T) {
	synth := &fakeSynth{}
	reg := newTestRegistry(t, synth)
	srv := httptest.NewServer(newTestRouter(t, Deps{Sessions: reg}).handler())
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/speech/sessions", "application/json", strings.NewReader(`{"text":"你好。"}`))
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	var created speechSessionResponse
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
		t.Fatalf("decode: %v", err)
	}
	resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusCreated)
	}
	if created.ID == "" || created.Language != "zh-CN" || created.Origin != "http" {
		t.Errorf("created = %+v", created)
	}

	resp, err = http.Post(srv.URL+"/speech/sessions/"+created.ID+"/text", "application/json", strings.NewReader(`{"text":"今天天气很好。"}`))
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Errorf("ingest status = %d, want %d", resp.StatusCode, http.StatusAccepted)
	}

	s, err := reg.Get(created.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	waitSession(t, s)

	resp, err = http.Get(srv.URL + "/speech/sessions/" + created.ID)
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	var status speechSessionResponse
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		t.Fatalf("decode: %v", err)
	}
	resp.Body.Close()

	if status.State != "terminated" {
		t.Errorf("state = %q, want %q", status.State, "terminated")
	}
	if !status.Complete {
		t.Error("complete = false after termination")
	}
	if status.Usage.TTSCharacters == 0 || status.Costs.TotalCostCents <= 0 {
		t.Errorf("usage = %+v costs = %+v", status.Usage, status.Costs)
	}
	var texts []string
	for _, ev := range status.Events {
		if ev.Type == pipeline.EventSentenceSynthesized {
			texts = append(texts, ev.Text)
		}
	}
	if strings.Join(texts, "|") != "你好。|今天天气很好。" {
		t.Errorf("synthesized = %q", texts)
	}

	resp, err = http.Get(srv.URL + "/speech/sessions/" + created.ID + "/audio/0")
	if err != nil {
		t.Fatalf("get audio: %v", err)
	}
	audio, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("audio status = %d, want %d", resp.StatusCode, http.StatusOK)
	}
	if string(audio) != "audio:zh-CN:你好。" {
		t.Errorf("audio = %q", audio)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "audio/mpeg" {
		t.Errorf("Content-Type = %q, want audio/mpeg", ct)
	}

	// The session has terminated, so further text is rejected.
	resp, err = http.Post(srv.URL+"/speech/sessions/"+created.ID+"/text", "application/json", strings.NewReader(`{"text":"再见。"}`))
	if err != nil {
		t.Fatalf("late ingest: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("late ingest status = %d, want %d", resp.StatusCode, http.StatusConflict)
	}
}

func TestCreateSpeechSession_Validation(t *testing.T) {
	reg := newTestRegistry(t, &fakeSynth{})

	tests := []struct {
		name string
		deps Deps
		body string
		want int
	}{
		{"no registry", Deps{}, `{}`, http.StatusServiceUnavailable},
		{"invalid json", Deps{Sessions: reg}, `{`, http.StatusBadRequest},
		{"unsupported language", Deps{Sessions: reg, Voices: tts.NewVoiceMap(nil)}, `{"language":"xx-XX"}`, http.StatusBadRequest},
		{"empty body", Deps{Sessions: reg}, ``, http.StatusCreated},
		{"supported language", Deps{Sessions: reg, Voices: tts.NewVoiceMap(nil)}, `{"language":"en-US"}`, http.StatusCreated},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newTestRouter(t, tt.deps).handler()
			rec := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodPost, "/speech/sessions", strings.NewReader(tt.body))
			h.ServeHTTP(rec, req)
			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d (body %s)", rec.Code, tt.want, rec.Body.String())
			}
		})
	}
}

func TestCreateSpeechSession_Draining(t *testing.T) {
	reg := newTestRegistry(t, &fakeSynth{})
	reg.StartDraining()
	h := newTestRouter(t, Deps{Sessions: reg}).handler()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/speech/sessions", strings.NewReader(`{}`)))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusServiceUnavailable)
	}
}

func TestSpeechSessionLookupErrors(t *testing.T) {
	reg := newTestRegistry(t, &fakeSynth{})
	s, err := reg.Start(StartOptions{Origin: "http"})
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	h := newTestRouter(t, Deps{Sessions: reg}).handler()

	tests := []struct {
		name   string
		method string
		path   string
		body   string
		want   int
	}{
		{"unknown session", http.MethodGet, "/speech/sessions/nope", "", http.StatusNotFound},
		{"unknown session text", http.MethodPost, "/speech/sessions/nope/text", `{"text":"hi"}`, http.StatusNotFound},
		{"missing text", http.MethodPost, "/speech/sessions/" + s.ID + "/text", `{}`, http.StatusBadRequest},
		{"bad sequence", http.MethodGet, "/speech/sessions/" + s.ID + "/audio/abc", "", http.StatusBadRequest},
		{"negative batch", http.MethodGet, "/speech/sessions/" + s.ID + "/audio/0?batch=-1", "", http.StatusBadRequest},
		{"audio not written yet", http.MethodGet, "/speech/sessions/" + s.ID + "/audio/3", "", http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			var body io.Reader
			if tt.body != "" {
				body = strings.NewReader(tt.body)
			}
			h.ServeHTTP(rec, httptest.NewRequest(tt.method, tt.path, body))
			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d", rec.Code, tt.want)
			}
		})
	}
}

func TestAudioContentType(t *testing.T) {
	tests := map[string]string{
		"a/0.mp3":  "audio/mpeg",
		"a/0.wav":  "audio/wav",
		"a/0.ogg":  "audio/ogg",
		"a/0.opus": "audio/ogg",
		"a/0.raw":  "application/octet-stream",
	}
	for path, want := range tests {
		if got := audioContentType(path); got != want {
			t.Errorf("audioContentType(%q) = %q, want %q", path, got, want)
		}
	}
}
