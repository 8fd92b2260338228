package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/lukasbauer/gptian/internal/eventlog"
	"github.com/lukasbauer/gptian/internal/pipeline"
)

const (
	wsWriteTimeout = 10 * time.Second
	streamDone     = "DONE"
)

// chatStream is one /chat/stream connection. Each incoming message is answered
// token by token; with speak set the tokens also feed a speech session owned by
// the connection.
type chatStream struct {
	r      *Router
	id     string
	conn   *websocket.Conn
	connMu sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc

	speech *Session
}

func (r *Router) handleChatStream(w http.ResponseWriter, req *http.Request) {
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Printf("chat ws: upgrade failed: %v", err)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &chatStream{
		r:      r,
		id:     uuid.NewString(),
		conn:   conn,
		ctx:    ctx,
		cancel: cancel,
	}
	r.logger.Printf("chat ws %s: connected", s.id)
	s.run()
}

func (s *chatStream) run() {
	defer s.cleanup()

	for {
		_, msg, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.r.logger.Printf("chat ws %s: read error: %v", s.id, err)
			}
			return
		}

		var body chatRequest
		if err := json.Unmarshal(msg, &body); err != nil {
			_ = s.write(map[string]string{"error": "invalid message"})
			continue
		}
		if strings.TrimSpace(body.Prompt) == "" {
			_ = s.write(map[string]string{"error": "prompt is required"})
			continue
		}
		if err := s.answer(body); err != nil {
			s.r.logger.Printf("chat ws %s: %v", s.id, err)
			return
		}
	}
}

// answer streams one reply. A non-nil error means the connection is unusable.
func (s *chatStream) answer(body chatRequest) error {
	if s.r.deps.LLM == nil {
		if err := s.write(map[string]string{"error": "chat is not configured"}); err != nil {
			return err
		}
		return s.write(map[string]string{"content": streamDone})
	}

	language := body.Language
	if language == "" {
		language = s.r.cfg.DefaultLanguage
	}

	ctx, cancel := context.WithTimeout(s.ctx, chatTimeout)
	defer cancel()

	tokens, err := s.r.deps.LLM.Stream(ctx, body.toLLM())
	if err != nil {
		s.r.deps.Metrics.RecordChat("stream", err, 0, 0)
		s.r.deps.EventLog.LogAsync(s.id, eventlog.EventChatError, map[string]any{"error": err.Error()})
		if err := s.write(map[string]string{"error": "failed to generate answer"}); err != nil {
			return err
		}
		return s.write(map[string]string{"content": streamDone})
	}

	chunks := 0
	for tok := range tokens {
		chunks++
		if err := s.write(map[string]string{"content": tok}); err != nil {
			cancel()
			return err
		}
		if body.Speak {
			s.speak(tok, language)
		}
	}

	s.r.deps.Metrics.RecordChat("stream", nil, 0, chunks)
	s.r.deps.EventLog.LogAsync(s.id, eventlog.EventChatCompleted, map[string]any{
		"mode":   "stream",
		"chunks": chunks,
		"speak":  body.Speak,
	})
	return s.write(map[string]string{"content": streamDone})
}

// speak feeds a token into the connection's speech session, starting a new one
// when there is none, the language changed or the old one no longer accepts text.
func (s *chatStream) speak(tok, language string) {
	for attempt := 0; attempt < 2; attempt++ {
		if s.speech != nil && s.speech.Language != language {
			s.r.logger.Printf("chat ws %s: language changed to %s, replacing session %s", s.id, language, s.speech.ID)
			s.speech.Cancel()
			s.speech = nil
		}
		if s.speech == nil {
			sess, err := s.startSpeech(language)
			if err != nil {
				s.r.logger.Printf("chat ws %s: start speech: %v", s.id, err)
				_ = s.write(map[string]string{"error": "speech is unavailable"})
				return
			}
			s.speech = sess
		}

		err := s.speech.Pipeline.Ingest(tok)
		if err == nil {
			return
		}
		if !errors.Is(err, pipeline.ErrTerminated) && !errors.Is(err, pipeline.ErrAlreadyClosed) {
			s.r.logger.Printf("chat ws %s: ingest: %v", s.id, err)
			return
		}
		// Terminated sessions stay in the registry for status queries only.
		s.speech.Cancel()
		s.speech = nil
	}
}

func (s *chatStream) startSpeech(language string) (*Session, error) {
	if s.r.deps.Sessions == nil {
		return nil, errors.New("no session registry")
	}
	return s.r.deps.Sessions.Start(StartOptions{
		Origin:   "chat",
		Language: language,
		Observe: func(ev pipeline.Event) {
			_ = s.write(map[string]any{"speech": ev})
		},
	})
}

func (s *chatStream) write(v any) error {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return s.conn.WriteJSON(v)
}

func (s *chatStream) cleanup() {
	s.cancel()
	if s.speech != nil {
		s.speech.Cancel()
	}
	s.connMu.Lock()
	_ = s.conn.Close()
	s.connMu.Unlock()
	s.r.logger.Printf("chat ws %s: disconnected", s.id)
}
