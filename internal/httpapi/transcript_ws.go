package httpapi

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/lukasbauer/gptian/internal/eventlog"
	"github.com/lukasbauer/gptian/internal/stt"
)

const transcribeTimeout = 30 * time.Second

type transcriptMessage struct {
	Transcript string `json:"transcript"`
	Command    string `json:"command,omitempty"`
}

// handleAudioTranscript accepts binary audio frames and answers with the
// transcript so far. Once the utterance is complete the final transcript is
// sent with command DONE and the connection is closed.
func (r *Router) handleAudioTranscript(w http.ResponseWriter, req *http.Request) {
	if r.deps.Transcriber == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "transcription is not configured"})
		return
	}

	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Printf("transcript ws: upgrade failed: %v", err)
		return
	}

	id := uuid.NewString()
	session := stt.NewSession(r.deps.Transcriber, r.cfg.MaxAudioBytes)
	var connMu sync.Mutex
	write := func(v any) error {
		connMu.Lock()
		defer connMu.Unlock()
		_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
		return conn.WriteJSON(v)
	}
	closeWith := func(code int) {
		connMu.Lock()
		defer connMu.Unlock()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(code, ""),
			time.Now().Add(time.Second))
	}
	defer func() {
		_ = conn.Close()
		r.logger.Printf("transcript ws %s: disconnected", id)
	}()

	for {
		msgType, chunk, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				r.logger.Printf("transcript ws %s: read error: %v", id, err)
			}
			return
		}
		if msgType != websocket.BinaryMessage {
			continue
		}

		ctx, cancel := context.WithTimeout(context.Background(), transcribeTimeout)
		result, err := session.Submit(ctx, chunk)
		cancel()
		if err != nil {
			if errors.Is(err, stt.ErrEmptyAudio) {
				continue
			}
			if errors.Is(err, stt.ErrAudioTooLarge) {
				r.logger.Printf("transcript ws %s: %v", id, err)
				r.deps.EventLog.LogAsync(id, eventlog.EventTranscriptError, map[string]any{"error": err.Error()})
				_ = write(map[string]string{"error": "audio too large"})
				closeWith(websocket.CloseMessageTooBig)
				return
			}
			r.logger.Printf("transcript ws %s: transcription failed: %v", id, err)
			r.deps.EventLog.LogAsync(id, eventlog.EventTranscriptError, map[string]any{"error": err.Error()})
			captureError(req, err, "transcription failed")
			if err := write(map[string]string{"error": "transcription failed"}); err != nil {
				return
			}
			continue
		}

		if result.Done {
			r.deps.Metrics.RecordTranscript(true, result.AudioSeconds)
			final := ""
			if len(result.Transcripts) > 0 {
				final = result.Transcripts[len(result.Transcripts)-1]
			}
			r.deps.EventLog.LogAsync(id, eventlog.EventTranscriptFinal, map[string]any{
				"transcript":    final,
				"audio_seconds": result.AudioSeconds,
			})
			_ = write(transcriptMessage{Transcript: final, Command: streamDone})
			closeWith(websocket.CloseNormalClosure)
			return
		}

		for _, t := range result.Transcripts {
			r.deps.Metrics.RecordTranscript(false, 0)
			r.deps.EventLog.LogAsync(id, eventlog.EventTranscriptPartial, map[string]any{"transcript": t})
			if err := write(transcriptMessage{Transcript: t}); err != nil {
				return
			}
		}
	}
}
