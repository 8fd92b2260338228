package app

import (
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/lukasbauer/gptian/internal/pipeline"
)

type Config struct {
	HTTPAddr    string
	Environment string
	FrontendURL string // CORS origin, "*" when empty
	DatabaseURL string // optional, enables the session event log
	SentryDSN   string

	// Chat completion
	OpenAIAPIKey  string
	OpenAIBaseURL string
	OpenAIModel   string

	// Speech synthesis
	TTSProvider      string // "azure" or "elevenlabs"
	SpeechKey        string // Azure Speech key
	SpeechRegion     string // Azure Speech region, e.g. "eastasia"
	ElevenLabsAPIKey string
	TTSVoiceID       string  // ElevenLabs voice ID
	TTSStability     float64 // ElevenLabs voice stability (0.0-1.0)
	TTSSimilarity    float64 // ElevenLabs voice similarity boost (0.0-1.0)
	VoiceMapFile     string  // YAML language→voice table for Azure
	DefaultLanguage  string

	// Transcription
	DeepgramAPIKey   string
	STTLanguage      string
	STTModel         string
	STTEndSilenceMs  int
	STTMaxAudioBytes int

	// Incremental synthesis pipeline
	InitialTimeout       time.Duration
	SteadyTimeout        time.Duration
	SynthesisTimeout     time.Duration
	SynthesisCallTimeout time.Duration
	SynthesisMaxRetries  int
	SynthesisRateLimit   float64 // calls per second shared by all sessions, 0 = unlimited
	OutputDir            string
	AudioExt             string
	Segmenter            string // "unicode" or "delimiter"
	SentenceDelimiters   string

	// Tracing
	OTLPEndpoint string
	OTLPInsecure bool
}

func LoadConfigFromEnv() Config {
	return Config{
		HTTPAddr:    getenv("HTTP_ADDR", ":8080"),
		Environment: getenv("ENVIRONMENT", "development"),
		FrontendURL: getenv("FRONTEND_URL", ""),
		DatabaseURL: getenv("DATABASE_URL", ""),
		SentryDSN:   getenv("SENTRY_DSN", ""),

		OpenAIAPIKey:  getenv("OPENAI_API_KEY", ""),
		OpenAIBaseURL: getenv("OPENAI_BASE_URL", "https://api.openai.com/v1"),
		OpenAIModel:   getenv("OPENAI_MODEL", "gpt-4o-mini"),

		TTSProvider:      strings.ToLower(getenv("TTS_PROVIDER", "azure")),
		SpeechKey:        getenv("SPEECH_KEY", ""),
		SpeechRegion:     getenv("SPEECH_REGION", "eastasia"),
		ElevenLabsAPIKey: getenv("ELEVENLABS_API_KEY", ""),
		TTSVoiceID:       getenv("TTS_VOICE_ID", ""),
		TTSStability:     getenvFloatClamped("TTS_STABILITY", 0.5, 0, 1),
		TTSSimilarity:    getenvFloatClamped("TTS_SIMILARITY", 0.75, 0, 1),
		VoiceMapFile:     getenv("VOICE_MAP_FILE", ""),
		DefaultLanguage:  getenv("DEFAULT_LANGUAGE", "zh-CN"),

		DeepgramAPIKey:   getenv("DEEPGRAM_API_KEY", ""),
		STTLanguage:      getenv("STT_LANGUAGE", "zh-CN"),
		STTModel:         getenv("STT_MODEL", "nova-2"),
		STTEndSilenceMs:  getenvIntClamped("STT_END_SILENCE_MS", 1500, 300, 10000),
		STTMaxAudioBytes: getenvIntClamped("STT_MAX_AUDIO_BYTES", 10<<20, 64<<10, 100<<20),

		InitialTimeout:       getenvSeconds("INITIAL_TIMEOUT", 10*time.Second, 100*time.Millisecond, 5*time.Minute),
		SteadyTimeout:        getenvSeconds("STEADY_TIMEOUT", 2*time.Second, 50*time.Millisecond, time.Minute),
		SynthesisTimeout:     getenvSeconds("SYNTHESIS_TIMEOUT", 3*time.Second, 50*time.Millisecond, 5*time.Minute),
		SynthesisCallTimeout: getenvSeconds("SYNTHESIS_CALL_TIMEOUT", 15*time.Second, time.Second, 2*time.Minute),
		SynthesisMaxRetries:  getenvIntClamped("SYNTHESIS_MAX_RETRIES", 1, 0, 5),
		SynthesisRateLimit:   getenvFloatClamped("SYNTHESIS_RATE_LIMIT", 0, 0, 1000),
		OutputDir:            getenv("OUTPUT_DIR", filepath.Join("output", "synthesized")),
		AudioExt:             getenv("AUDIO_EXT", "mp3"),
		Segmenter:            strings.ToLower(getenv("SEGMENTER", "unicode")),
		SentenceDelimiters:   getenv("SENTENCE_DELIMITERS", ""),

		OTLPEndpoint: getenv("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		OTLPInsecure: getenvBool("OTEL_EXPORTER_OTLP_INSECURE", false),
	}
}

// PipelineConfig returns the per-session pipeline settings.
func (c Config) PipelineConfig() pipeline.Config {
	return pipeline.Config{
		InitialTimeout:   c.InitialTimeout,
		SteadyTimeout:    c.SteadyTimeout,
		SynthesisTimeout: c.SynthesisTimeout,
		CallTimeout:      c.SynthesisCallTimeout,
		MaxRetries:       c.SynthesisMaxRetries,
		RetryBackoff:     250 * time.Millisecond,
		OutputDir:        c.OutputDir,
		AudioExt:         c.AudioExt,
		Language:         c.DefaultLanguage,
	}
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

// getenvIntClamped parses an int and clamps it to [min, max]. Invalid values use def.
func getenvIntClamped(k string, def, min, max int) int {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	i, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return def
	}
	if i < min {
		return min
	}
	if i > max {
		return max
	}
	return i
}

// getenvFloatClamped parses a float and clamps it to [min, max]. Invalid values use def.
func getenvFloatClamped(k string, def, min, max float64) float64 {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
	if err != nil || math.IsNaN(f) {
		return def
	}
	if f < min {
		return min
	}
	if f > max {
		return max
	}
	return f
}

// getenvSeconds reads a duration given in seconds ("2", "0.5") or as a Go duration
// ("750ms"), clamped to [min, max].
func getenvSeconds(k string, def, min, max time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(k))
	if v == "" {
		return def
	}
	var d time.Duration
	if f, err := strconv.ParseFloat(v, 64); err == nil && !math.IsNaN(f) && !math.IsInf(f, 0) {
		d = time.Duration(f * float64(time.Second))
	} else if parsed, err := time.ParseDuration(v); err == nil {
		d = parsed
	} else {
		return def
	}
	if d < min {
		return min
	}
	if d > max {
		return max
	}
	return d
}

func getenvBool(k string, def bool) bool {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(strings.TrimSpace(v))
	if err != nil {
		return def
	}
	return b
}
