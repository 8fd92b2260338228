package app

import (
	"path/filepath"
	"testing"
	"time"
)

func TestGetenv(t *testing.T) {
	tests := []struct {
		name     string
		envKey   string
		envValue string
		defValue string
		want     string
	}{
		{
			name:     "env set",
			envKey:   "TEST_ENV_VAR",
			envValue: "custom_value",
			defValue: "default",
			want:     "custom_value",
		},
		{
			name:     "env not set",
			envKey:   "TEST_ENV_VAR_NOTSET",
			envValue: "",
			defValue: "default",
			want:     "default",
		},
		{
			name:     "empty default",
			envKey:   "TEST_ENV_VAR_EMPTY",
			envValue: "",
			defValue: "",
			want:     "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(tt.envKey, tt.envValue)

			got := getenv(tt.envKey, tt.defValue)
			if got != tt.want {
				t.Errorf("getenv(%q, %q) = %q, want %q", tt.envKey, tt.defValue, got, tt.want)
			}
		})
	}
}

func TestGetenvIntClamped(t *testing.T) {
	tests := []struct {
		name     string
		envValue string
		def      int
		min      int
		max      int
		want     int
	}{
		{"value within range", "500", 100, 0, 1000, 500},
		{"value below min - clamp to min", "-100", 100, 0, 1000, 0},
		{"value above max - clamp to max", "2000", 100, 0, 1000, 1000},
		{"env not set - use default", "", 100, 0, 1000, 100},
		{"invalid value - use default", "not_a_number", 100, 0, 1000, 100},
		{"boundary: exactly min", "200", 500, 200, 800, 200},
		{"boundary: exactly max", "800", 500, 200, 800, 800},
		{"surrounding spaces", " 42 ", 1, 0, 100, 42},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("TEST_INT_CLAMPED", tt.envValue)

			got := getenvIntClamped("TEST_INT_CLAMPED", tt.def, tt.min, tt.max)
			if got != tt.want {
				t.Errorf("getenvIntClamped(%q, %d, %d, %d) = %d, want %d",
					tt.envValue, tt.def, tt.min, tt.max, got, tt.want)
			}
		})
	}
}

func TestGetenvFloatClamped(t *testing.T) {
	tests := []struct {
		name     string
		envValue string
		def      float64
		min      float64
		max      float64
		want     float64
	}{
		{"value within range", "2.5", 0, 0, 10, 2.5},
		{"value below min", "-1", 0, 0, 10, 0},
		{"value above max", "50", 0, 0, 10, 10},
		{"env not set", "", 1.5, 0, 10, 1.5},
		{"invalid value", "fast", 1.5, 0, 10, 1.5},
		{"NaN uses default", "NaN", 1.5, 0, 10, 1.5},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("TEST_FLOAT_CLAMPED", tt.envValue)

			got := getenvFloatClamped("TEST_FLOAT_CLAMPED", tt.def, tt.min, tt.max)
			if got != tt.want {
				t.Errorf("getenvFloatClamped(%q, %f, %f, %f) = %f, want %f",
					tt.envValue, tt.def, tt.min, tt.max, got, tt.want)
			}
		})
	}
}

func TestGetenvSeconds(t *testing.T) {
	tests := []struct {
		name     string
		envValue string
		want     time.Duration
	}{
		{"whole seconds", "3", 3 * time.Second},
		{"fractional seconds", "0.5", 500 * time.Millisecond},
		{"go duration", "750ms", 750 * time.Millisecond},
		{"below min", "0", 100 * time.Millisecond},
		{"above max", "1h", time.Minute},
		{"invalid", "soon", 2 * time.Second},
		{"not set", "", 2 * time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("TEST_SECONDS", tt.envValue)

			got := getenvSeconds("TEST_SECONDS", 2*time.Second, 100*time.Millisecond, time.Minute)
			if got != tt.want {
				t.Errorf("getenvSeconds(%q) = %v, want %v", tt.envValue, got, tt.want)
			}
		})
	}
}

func TestGetenvBool(t *testing.T) {
	t.Setenv("TEST_BOOL", "true")
	if !getenvBool("TEST_BOOL", false) {
		t.Error("getenvBool(true) = false")
	}
	t.Setenv("TEST_BOOL", "maybe")
	if getenvBool("TEST_BOOL", false) {
		t.Error("getenvBool(invalid) should use default false")
	}
}

func TestLoadConfigFromEnvDefaults(t *testing.T) {
	for _, k := range []string{
		"HTTP_ADDR", "TTS_PROVIDER", "DEFAULT_LANGUAGE", "INITIAL_TIMEOUT", "STEADY_TIMEOUT",
		"SYNTHESIS_TIMEOUT", "SYNTHESIS_MAX_RETRIES", "SYNTHESIS_RATE_LIMIT", "OUTPUT_DIR",
		"AUDIO_EXT", "SEGMENTER", "STT_END_SILENCE_MS", "FRONTEND_URL",
	} {
		t.Setenv(k, "")
	}

	cfg := LoadConfigFromEnv()

	if cfg.HTTPAddr != ":8080" {
		t.Errorf("HTTPAddr = %q, want %q", cfg.HTTPAddr, ":8080")
	}
	if cfg.TTSProvider != "azure" {
		t.Errorf("TTSProvider = %q, want %q", cfg.TTSProvider, "azure")
	}
	if cfg.DefaultLanguage != "zh-CN" {
		t.Errorf("DefaultLanguage = %q, want %q", cfg.DefaultLanguage, "zh-CN")
	}
	if cfg.InitialTimeout != 10*time.Second {
		t.Errorf("InitialTimeout = %v, want %v", cfg.InitialTimeout, 10*time.Second)
	}
	if cfg.SteadyTimeout != 2*time.Second {
		t.Errorf("SteadyTimeout = %v, want %v", cfg.SteadyTimeout, 2*time.Second)
	}
	if cfg.SynthesisTimeout != 3*time.Second {
		t.Errorf("SynthesisTimeout = %v, want %v", cfg.SynthesisTimeout, 3*time.Second)
	}
	if cfg.SynthesisMaxRetries != 1 {
		t.Errorf("SynthesisMaxRetries = %d, want %d", cfg.SynthesisMaxRetries, 1)
	}
	if cfg.SynthesisRateLimit != 0 {
		t.Errorf("SynthesisRateLimit = %v, want 0", cfg.SynthesisRateLimit)
	}
	if cfg.OutputDir != filepath.Join("output", "synthesized") {
		t.Errorf("OutputDir = %q", cfg.OutputDir)
	}
	if cfg.AudioExt != "mp3" {
		t.Errorf("AudioExt = %q, want %q", cfg.AudioExt, "mp3")
	}
	if cfg.Segmenter != "unicode" {
		t.Errorf("Segmenter = %q, want %q", cfg.Segmenter, "unicode")
	}
	if cfg.STTEndSilenceMs != 1500 {
		t.Errorf("STTEndSilenceMs = %d, want %d", cfg.STTEndSilenceMs, 1500)
	}
}

func TestLoadConfigFromEnvCustomValues(t *testing.T) {
	t.Setenv("HTTP_ADDR", ":9090")
	t.Setenv("FRONTEND_URL", "https://app.example.com")
	t.Setenv("TTS_PROVIDER", "ElevenLabs")
	t.Setenv("INITIAL_TIMEOUT", "20")
	t.Setenv("STEADY_TIMEOUT", "1.5")
	t.Setenv("SYNTHESIS_TIMEOUT", "4")
	t.Setenv("SYNTHESIS_MAX_RETRIES", "9")
	t.Setenv("SYNTHESIS_RATE_LIMIT", "5")
	t.Setenv("SEGMENTER", "Delimiter")
	t.Setenv("SENTENCE_DELIMITERS", "。！")
	t.Setenv("OTEL_EXPORTER_OTLP_INSECURE", "true")

	cfg := LoadConfigFromEnv()

	if cfg.HTTPAddr != ":9090" {
		t.Errorf("HTTPAddr = %q, want %q", cfg.HTTPAddr, ":9090")
	}
	if cfg.FrontendURL != "https://app.example.com" {
		t.Errorf("FrontendURL = %q", cfg.FrontendURL)
	}
	if cfg.TTSProvider != "elevenlabs" {
		t.Errorf("TTSProvider = %q, want %q", cfg.TTSProvider, "elevenlabs")
	}
	if cfg.InitialTimeout != 20*time.Second {
		t.Errorf("InitialTimeout = %v, want %v", cfg.InitialTimeout, 20*time.Second)
	}
	if cfg.SteadyTimeout != 1500*time.Millisecond {
		t.Errorf("SteadyTimeout = %v, want %v", cfg.SteadyTimeout, 1500*time.Millisecond)
	}
	if cfg.SynthesisMaxRetries != 5 {
		t.Errorf("SynthesisMaxRetries = %d, want clamped %d", cfg.SynthesisMaxRetries, 5)
	}
	if cfg.SynthesisRateLimit != 5 {
		t.Errorf("SynthesisRateLimit = %v, want 5", cfg.SynthesisRateLimit)
	}
	if cfg.Segmenter != "delimiter" || cfg.SentenceDelimiters != "。！" {
		t.Errorf("Segmenter = %q delimiters %q", cfg.Segmenter, cfg.SentenceDelimiters)
	}
	if !cfg.OTLPInsecure {
		t.Error("OTLPInsecure = false, want true")
	}

	pc := cfg.PipelineConfig()
	if pc.InitialTimeout != cfg.InitialTimeout || pc.SteadyTimeout != cfg.SteadyTimeout || pc.SynthesisTimeout != cfg.SynthesisTimeout {
		t.Errorf("PipelineConfig() timeouts = %+v", pc)
	}
	if pc.MaxRetries != 5 || pc.Language != cfg.DefaultLanguage {
		t.Errorf("PipelineConfig() = %+v", pc)
	}
}
