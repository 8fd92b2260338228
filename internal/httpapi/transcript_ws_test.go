package httpapi

import (
	"context"
	"errors"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/lukasbauer/gptian/internal/stt"
)

// scriptedRecognizer returns one recognition per call, repeating the last.
type scriptedRecognizer struct {
	mu      sync.Mutex
	results []*stt.Recognition
	errs    []error
	calls   int
}

func (s *scriptedRecognizer) Recognize(ctx context.Context, audio []byte) (*stt.Recognition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.calls
	s.calls++
	if i < len(s.errs) && s.errs[i] != nil {
		return nil, s.errs[i]
	}
	if i >= len(s.results) {
		i = len(s.results) - 1
	}
	return s.results[i], nil
}

func readTranscript(t *testing.T, conn *websocket.Conn) transcriptMessage {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var msg transcriptMessage
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read: %v", err)
	}
	return msg
}

func TestAudioTranscript(t *testing.T) {
	rec := &scriptedRecognizer{results: []*stt.Recognition{
		// Still speaking the first segment.
		{Segments: []stt.Segment{{Text: "hello", Start: 0, End: 1}}, Duration: 1.2},
		// First segment complete, second in progress.
		{Segments: []stt.Segment{{Text: "hello", Start: 0, End: 1}, {Text: "world", Start: 1.2, End: 2}}, Duration: 2.3},
		// Trailing silence ends the utterance.
		{Segments: []stt.Segment{{Text: "hello", Start: 0, End: 1}, {Text: "world", Start: 1.2, End: 2}}, Duration: 4},
	}}
	transcriber := stt.NewTranscriber(rec, stt.TranscriberConfig{EndSilence: time.Second})
	srv := httptest.NewServer(newTestRouter(t, Deps{Transcriber: transcriber}).handler())
	defer srv.Close()

	conn := dialWS(t, srv, "/chat/stream/audioTranscript")

	for i := 0; i < 2; i++ {
		if err := conn.WriteMessage(websocket.BinaryMessage, []byte{byte(i)}); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	msg := readTranscript(t, conn)
	if msg.Transcript != "hello" || msg.Command != "" {
		t.Errorf("partial = %+v, want transcript %q", msg, "hello")
	}

	if err := conn.WriteMessage(websocket.BinaryMessage, []byte{2}); err != nil {
		t.Fatalf("write: %v", err)
	}
	msg = readTranscript(t, conn)
	if msg.Transcript != "hello world" || msg.Command != streamDone {
		t.Errorf("final = %+v, want %q with DONE", msg, "hello world")
	}

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, _, err := conn.ReadMessage(); !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		t.Errorf("expected a normal close after DONE, got %v", err)
	}
}

func TestAudioTranscript_RecognizerError(t *testing.T) {
	rec := &scriptedRecognizer{
		errs: []error{errors.New("upstream 500")},
		results: []*stt.Recognition{
			{Segments: []stt.Segment{{Text: "ok", Start: 0, End: 0.5}}, Duration: 3},
		},
	}
	transcriber := stt.NewTranscriber(rec, stt.TranscriberConfig{EndSilence: time.Second})
	srv := httptest.NewServer(newTestRouter(t, Deps{Transcriber: transcriber}).handler())
	defer srv.Close()

	conn := dialWS(t, srv, "/chat/stream/audioTranscript")

	if err := conn.WriteMessage(websocket.BinaryMessage, []byte{1}); err != nil {
		t.Fatalf("write: %v", err)
	}
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var errMsg map[string]string
	if err := conn.ReadJSON(&errMsg); err != nil {
		t.Fatalf("read: %v", err)
	}
	if errMsg["error"] != "transcription failed" {
		t.Errorf("error = %q, want %q", errMsg["error"], "transcription failed")
	}

	// The connection survives and the next chunk is transcribed.
	if err := conn.WriteMessage(websocket.BinaryMessage, []byte{2}); err != nil {
		t.Fatalf("write: %v", err)
	}
	msg := readTranscript(t, conn)
	if msg.Transcript != "ok" || msg.Command != streamDone {
		t.Errorf("final = %+v", msg)
	}
}

func TestAudioTranscript_AudioTooLarge(t *testing.T) {
	rec := &scriptedRecognizer{results: []*stt.Recognition{
		{Segments: []stt.Segment{{Text: "hi", Start: 0, End: 0.5}}, Duration: 1},
	}}
	transcriber := stt.NewTranscriber(rec, stt.TranscriberConfig{EndSilence: time.Second})
	r := newRouter(RouterConfig{DefaultLanguage: "zh-CN", MaxAudioBytes: 4}, log.New(io.Discard, "", 0), Deps{Transcriber: transcriber})
	srv := httptest.NewServer(r.handler())
	defer srv.Close()

	conn := dialWS(t, srv, "/chat/stream/audioTranscript")

	for i := 0; i < 2; i++ {
		if err := conn.WriteMessage(websocket.BinaryMessage, []byte{1, 2, 3}); err != nil {
			t.Fatalf("write: %v", err)
		}
	}

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var errMsg map[string]string
	if err := conn.ReadJSON(&errMsg); err != nil {
		t.Fatalf("read: %v", err)
	}
	if errMsg["error"] != "audio too large" {
		t.Errorf("error = %q, want %q", errMsg["error"], "audio too large")
	}
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, _, err := conn.ReadMessage(); !websocket.IsCloseError(err, websocket.CloseMessageTooBig) {
		t.Errorf("expected a message too big close, got %v", err)
	}
}

func TestAudioTranscript_NotConfigured(t *testing.T) {
	h := newTestRouter(t, Deps{}).handler()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/chat/stream/audioTranscript", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusServiceUnavailable)
	}
}
