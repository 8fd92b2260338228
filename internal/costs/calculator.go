// Package costs estimates what a speech session costs in provider fees.
package costs

import (
	"math"
	"os"
	"strconv"
	"sync"
)

// Pricing constants (in cents per unit for precision).
// These can be overridden via environment variables.
var (
	// AzureCentsPerThousandChars is the cost per 1K characters for Azure neural TTS.
	// Default: $15/1M chars = 1.5 cents/1K chars
	AzureCentsPerThousandChars = getEnvFloat("COST_AZURE_CENTS_PER_1K_CHARS", 1.5)

	// ElevenLabsCentsPerThousandChars is the cost per 1K characters for ElevenLabs TTS.
	// Default: $0.18/1K chars = 18 cents/1K chars
	ElevenLabsCentsPerThousandChars = getEnvFloat("COST_ELEVENLABS_CENTS_PER_1K_CHARS", 18.0)

	// DeepgramCentsPerMinute is the cost per minute for Deepgram pre-recorded STT.
	// Default: $0.0043/min = 0.43 cents/min
	DeepgramCentsPerMinute = getEnvFloat("COST_DEEPGRAM_CENTS_PER_MIN", 0.43)

	// OpenAICentsPerThousandInputTokens is the cost per 1K input tokens for GPT-4o-mini.
	// Default: $0.15/1M = $0.00015/1K = 0.015 cents/1K tokens
	OpenAICentsPerThousandInputTokens = getEnvFloat("COST_OPENAI_INPUT_CENTS_PER_1K", 0.015)

	// OpenAICentsPerThousandOutputTokens is the cost per 1K output tokens for GPT-4o-mini.
	// Default: $0.60/1M = $0.0006/1K = 0.06 cents/1K tokens
	OpenAICentsPerThousandOutputTokens = getEnvFloat("COST_OPENAI_OUTPUT_CENTS_PER_1K", 0.06)
)

// SessionUsage contains the raw usage of a session used for cost calculation.
type SessionUsage struct {
	TTSProvider     string  `json:"tts_provider"`   // "azure" or "elevenlabs"
	TTSCharacters   int     `json:"tts_characters"` // Characters successfully synthesized
	STTSeconds      float64 `json:"stt_seconds"`    // Audio processed by STT
	LLMInputTokens  int     `json:"llm_input_tokens"`
	LLMOutputTokens int     `json:"llm_output_tokens"`
}

// SessionCosts contains the estimated costs for a session in cents.
// Sessions are short, so values keep four decimals instead of rounding to whole cents.
type SessionCosts struct {
	TTSCostCents   float64 `json:"tts_cost_cents"`
	STTCostCents   float64 `json:"stt_cost_cents"`
	LLMCostCents   float64 `json:"llm_cost_cents"`
	TotalCostCents float64 `json:"total_cost_cents"`
}

// CalculateSessionCosts computes the costs for a session based on usage.
func CalculateSessionCosts(u SessionUsage) SessionCosts {
	ttsRate := AzureCentsPerThousandChars
	if u.TTSProvider == "elevenlabs" {
		ttsRate = ElevenLabsCentsPerThousandChars
	}
	ttsCents := (float64(u.TTSCharacters) / 1000.0) * ttsRate

	sttCents := (u.STTSeconds / 60.0) * DeepgramCentsPerMinute

	llmInputCents := (float64(u.LLMInputTokens) / 1000.0) * OpenAICentsPerThousandInputTokens
	llmOutputCents := (float64(u.LLMOutputTokens) / 1000.0) * OpenAICentsPerThousandOutputTokens

	costs := SessionCosts{
		TTSCostCents: round4(ttsCents),
		STTCostCents: round4(sttCents),
		LLMCostCents: round4(llmInputCents + llmOutputCents),
	}
	costs.TotalCostCents = round4(costs.TTSCostCents + costs.STTCostCents + costs.LLMCostCents)
	return costs
}

// Tracker accumulates usage for one session. It is safe for concurrent use.
type Tracker struct {
	mu    sync.Mutex
	usage SessionUsage
}

// NewTracker creates a tracker for the given TTS provider.
func NewTracker(ttsProvider string) *Tracker {
	return &Tracker{usage: SessionUsage{TTSProvider: ttsProvider}}
}

func (t *Tracker) AddTTSCharacters(n int) {
	t.mu.Lock()
	t.usage.TTSCharacters += n
	t.mu.Unlock()
}

func (t *Tracker) AddSTTSeconds(s float64) {
	t.mu.Lock()
	t.usage.STTSeconds += s
	t.mu.Unlock()
}

func (t *Tracker) AddLLMTokens(input, output int) {
	t.mu.Lock()
	t.usage.LLMInputTokens += input
	t.usage.LLMOutputTokens += output
	t.mu.Unlock()
}

// Usage returns a copy of the accumulated usage.
func (t *Tracker) Usage() SessionUsage {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.usage
}

// Costs returns the estimated costs of the accumulated usage.
func (t *Tracker) Costs() SessionCosts {
	return CalculateSessionCosts(t.Usage())
}

func round4(f float64) float64 {
	return math.Round(f*10000) / 10000
}

// getEnvFloat returns an environment variable as float64, or the default if not set.
func getEnvFloat(key string, defaultVal float64) float64 {
	if val := os.Getenv(key); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			return f
		}
	}
	return defaultVal
}
