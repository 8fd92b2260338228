package app

import (
	"context"
	"fmt"
	"log"
	"math"
	"net"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/time/rate"

	"github.com/lukasbauer/gptian/internal/eventlog"
	"github.com/lukasbauer/gptian/internal/httpapi"
	"github.com/lukasbauer/gptian/internal/llm"
	"github.com/lukasbauer/gptian/internal/metrics"
	"github.com/lukasbauer/gptian/internal/pipeline"
	"github.com/lukasbauer/gptian/internal/segment"
	"github.com/lukasbauer/gptian/internal/stt"
	"github.com/lukasbauer/gptian/internal/tts"
)

type App struct {
	cfg         Config
	logger      *log.Logger
	db          *pgxpool.Pool
	eventLog    *eventlog.Logger
	metrics     *metrics.Collector
	httpClient  *http.Client // shared by every provider client, keeps connections alive
	voices      *tts.VoiceMap
	segmenter   segment.Segmenter
	limiter     *rate.Limiter // shared by every session, nil when unlimited
	llm         llm.Client
	transcriber *stt.Transcriber
	sessions    *httpapi.SessionRegistry
}

func New(cfg Config, logger *log.Logger) (*App, error) {
	a := &App{
		cfg:     cfg,
		logger:  logger,
		metrics: metrics.NewCollector(),
	}

	if cfg.DatabaseURL != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		db, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("open database: %w", err)
		}
		if err := db.Ping(ctx); err != nil {
			db.Close()
			return nil, fmt.Errorf("ping database: %w", err)
		}
		a.db = db
	} else {
		logger.Printf("app: DATABASE_URL not set, session events are not persisted")
	}
	a.eventLog = eventlog.New(a.db)
	if err := a.eventLog.EnsureSchema(context.Background()); err != nil {
		a.Close()
		return nil, err
	}

	a.httpClient = &http.Client{
		Timeout: 30 * time.Second,
		Transport: &http.Transport{
			DialContext: (&net.Dialer{
				Timeout:   5 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			MaxIdleConns:          100,
			MaxIdleConnsPerHost:   10,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   5 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
		},
	}

	a.voices = tts.NewVoiceMap(nil)
	if cfg.VoiceMapFile != "" {
		voices, err := tts.LoadVoiceMap(cfg.VoiceMapFile)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.voices = voices
	}
	if cfg.TTSProvider == "azure" {
		if _, ok := a.voices.Lookup(cfg.DefaultLanguage); !ok {
			a.Close()
			return nil, fmt.Errorf("no voice configured for default language %q", cfg.DefaultLanguage)
		}
	}

	switch cfg.Segmenter {
	case "delimiter":
		delims := cfg.SentenceDelimiters
		if delims == "" {
			delims = segment.DefaultDelimiters
		}
		a.segmenter = segment.NewDelimiter(delims)
	default:
		a.segmenter = segment.NewUnicode()
	}

	if cfg.SynthesisRateLimit > 0 {
		burst := int(math.Ceil(cfg.SynthesisRateLimit))
		a.limiter = rate.NewLimiter(rate.Limit(cfg.SynthesisRateLimit), burst)
	}

	if cfg.OpenAIAPIKey != "" {
		a.llm = llm.NewOpenAIClient(llm.OpenAIConfig{
			APIKey:  cfg.OpenAIAPIKey,
			BaseURL: cfg.OpenAIBaseURL,
			Model:   cfg.OpenAIModel,
			// Streamed answers can outlive the shared client's timeout.
			HTTPClient: &http.Client{Transport: a.httpClient.Transport},
		})
	} else {
		logger.Printf("app: OPENAI_API_KEY not set, chat endpoints disabled")
	}

	if cfg.DeepgramAPIKey != "" {
		a.transcriber = stt.NewTranscriber(stt.NewDeepgramClient(stt.DeepgramConfig{
			APIKey:     cfg.DeepgramAPIKey,
			Language:   cfg.STTLanguage,
			Model:      cfg.STTModel,
			HTTPClient: a.httpClient,
		}), stt.TranscriberConfig{
			EndSilence: time.Duration(cfg.STTEndSilenceMs) * time.Millisecond,
		})
	} else {
		logger.Printf("app: DEEPGRAM_API_KEY not set, transcription disabled")
	}

	a.sessions = httpapi.NewSessionRegistry(httpapi.RegistryConfig{
		Factory:     a.newPipeline,
		Logger:      logger,
		EventLog:    a.eventLog,
		Metrics:     a.metrics,
		TTSProvider: cfg.TTSProvider,
	})

	return a, nil
}

// newSynthesizer builds a client for one session. Pipelines close their
// synthesizer, so each session gets its own.
func (a *App) newSynthesizer() tts.Client {
	var client tts.Client
	switch a.cfg.TTSProvider {
	case "elevenlabs":
		client = tts.NewElevenLabsClient(tts.ElevenLabsConfig{
			APIKey:     a.cfg.ElevenLabsAPIKey,
			VoiceID:    a.cfg.TTSVoiceID,
			Stability:  a.cfg.TTSStability,
			Similarity: a.cfg.TTSSimilarity,
			HTTPClient: a.httpClient,
		})
	default:
		client = tts.NewAzureClient(tts.AzureConfig{
			APIKey:     a.cfg.SpeechKey,
			Region:     a.cfg.SpeechRegion,
			Voices:     a.voices,
			HTTPClient: a.httpClient,
		})
	}
	return tts.NewRateLimited(client, a.limiter)
}

func (a *App) newPipeline(sessionID, language string, events chan<- pipeline.Event) (*pipeline.Pipeline, error) {
	cfg := a.cfg.PipelineConfig()
	if language != "" {
		cfg.Language = language
	}
	return pipeline.New(pipeline.Options{
		SessionID:   sessionID,
		Config:      cfg,
		Synthesizer: a.newSynthesizer(),
		Segmenter:   a.segmenter,
		Logger:      a.logger,
		Events:      events,
		Metrics:     a.metrics,
	})
}

// Sessions returns the registry used for graceful shutdown.
func (a *App) Sessions() *httpapi.SessionRegistry {
	return a.sessions
}

// EventLog returns the session event logger.
func (a *App) EventLog() *eventlog.Logger {
	return a.eventLog
}

func (a *App) Router() http.Handler {
	routerCfg := httpapi.RouterConfig{
		FrontendURL:     a.cfg.FrontendURL,
		TTSProvider:     a.cfg.TTSProvider,
		DefaultLanguage: a.cfg.DefaultLanguage,
		MaxAudioBytes:   a.cfg.STTMaxAudioBytes,
		EchoDelay:       100 * time.Millisecond,
	}
	deps := httpapi.Deps{
		LLM:            a.llm,
		Sessions:       a.sessions,
		Transcriber:    a.transcriber,
		NewSynthesizer: a.newSynthesizer,
		Voices:         a.voices,
		EventLog:       a.eventLog,
		Metrics:        a.metrics,
	}
	return httpapi.NewRouter(routerCfg, a.logger, deps)
}

func (a *App) Close() error {
	if a.db != nil {
		a.db.Close()
	}
	return nil
}
