package httpapi

import (
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/gorilla/websocket"

	"github.com/lukasbauer/gptian/internal/eventlog"
	"github.com/lukasbauer/gptian/internal/llm"
	"github.com/lukasbauer/gptian/internal/metrics"
	"github.com/lukasbauer/gptian/internal/stt"
	"github.com/lukasbauer/gptian/internal/tts"
)

type RouterConfig struct {
	FrontendURL     string // allowed CORS origin, "*" when empty
	TTSProvider     string
	DefaultLanguage string

	MaxAudioBytes int           // per transcript connection, 0 for no cap
	EchoDelay     time.Duration // pause between /stream echo messages
}

// Deps are the collaborators the handlers call into. Any of them may be nil, in
// which case the endpoints that need it answer 503.
type Deps struct {
	LLM            llm.Client
	Sessions       *SessionRegistry
	Transcriber    *stt.Transcriber
	NewSynthesizer func() tts.Client // used for voice previews
	Voices         *tts.VoiceMap
	EventLog       *eventlog.Logger
	Metrics        *metrics.Collector
}

type Router struct {
	cfg      RouterConfig
	logger   *log.Logger
	deps     Deps
	upgrader websocket.Upgrader
	previews *previewCache
	mux      *http.ServeMux
}

func NewRouter(cfg RouterConfig, logger *log.Logger, deps Deps) http.Handler {
	return newRouter(cfg, logger, deps).handler()
}

func newRouter(cfg RouterConfig, logger *log.Logger, deps Deps) *Router {
	if logger == nil {
		logger = log.Default()
	}
	if cfg.DefaultLanguage == "" {
		cfg.DefaultLanguage = "zh-CN"
	}
	if cfg.EchoDelay < 0 {
		cfg.EchoDelay = 0
	}
	r := &Router{
		cfg:    cfg,
		logger: logger,
		deps:   deps,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		previews: newPreviewCache(),
		mux:      http.NewServeMux(),
	}
	r.routes()
	return r
}

func (r *Router) handler() http.Handler {
	return withSentryRecovery(withCORS(r.cfg.FrontendURL, r.mux))
}

func (r *Router) routes() {
	r.mux.HandleFunc("GET /healthz", r.handleHealthz)
	r.mux.HandleFunc("GET /test", r.handleTest)
	if r.deps.Metrics != nil {
		r.mux.Handle("GET /metrics", r.deps.Metrics.Handler())
	}

	r.mux.HandleFunc("GET /voices", r.handleListVoices)
	r.mux.HandleFunc("POST /voices/preview", r.handlePreviewVoice)

	r.mux.HandleFunc("POST /chat", r.handleChat)
	r.mux.HandleFunc("GET /chat/stream", r.handleChatStream)
	r.mux.HandleFunc("GET /chat/stream/audioTranscript", r.handleAudioTranscript)
	r.mux.HandleFunc("GET /stream", r.handleEchoStream)

	r.mux.HandleFunc("POST /speech/sessions", r.handleCreateSpeechSession)
	r.mux.HandleFunc("POST /speech/sessions/{id}/text", r.handleIngestSpeechText)
	r.mux.HandleFunc("GET /speech/sessions/{id}", r.handleGetSpeechSession)
	r.mux.HandleFunc("GET /speech/sessions/{id}/audio/{seq}", r.handleGetSpeechAudio)
}

func (r *Router) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Router) handleTest(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"msg": "server is working"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func withSentryRecovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				hub := sentry.CurrentHub().Clone()
				hub.Scope().SetRequest(req)
				hub.RecoverWithContext(req.Context(), err)
				hub.Flush(2 * time.Second)
				http.Error(w, `{"error": "internal server error"}`, http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, req)
	})
}

func withCORS(origin string, next http.Handler) http.Handler {
	if origin == "" {
		origin = "*"
	}
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", origin)
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if req.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, req)
	})
}

func nowUTC() time.Time { return time.Now().UTC() }

func captureError(req *http.Request, err error, msg string) {
	sentry.WithScope(func(scope *sentry.Scope) {
		scope.SetRequest(req)
		scope.SetExtra("message", msg)
		sentry.CaptureException(err)
	})
}
