package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"
)

// Voice is one language the synthesizer can speak.
type Voice struct {
	Language string `json:"language"`
	Voice    string `json:"voice"`
}

// previewCache keeps recent preview clips per language to save synthesis calls.
type previewCache struct {
	sync.RWMutex
	data map[string]cachedAudio
}

type cachedAudio struct {
	audio     []byte
	expiresAt time.Time
}

const (
	previewCacheDuration = 24 * time.Hour
	previewTimeout       = 30 * time.Second
)

// previewTexts are spoken by /voices/preview, falling back to English.
var previewTexts = map[string]string{
	"zh": "你好，我是你的语音助手。有什么可以帮你的吗？",
	"ja": "こんにちは。何かお手伝いできることはありますか？",
	"ko": "안녕하세요. 무엇을 도와드릴까요?",
	"fr": "Bonjour, je suis votre assistant vocal. Comment puis-je vous aider ?",
	"de": "Hallo, ich bin Ihr Sprachassistent. Wie kann ich helfen?",
	"es": "Hola, soy tu asistente de voz. ¿En qué puedo ayudarte?",
	"en": "Hello, I am your voice assistant. How can I help you?",
}

func newPreviewCache() *previewCache {
	return &previewCache{data: make(map[string]cachedAudio)}
}

func previewText(language string) string {
	base, _, _ := strings.Cut(language, "-")
	if text, ok := previewTexts[strings.ToLower(base)]; ok {
		return text
	}
	return previewTexts["en"]
}

// handleListVoices returns the languages the configured voice map covers.
func (r *Router) handleListVoices(w http.ResponseWriter, _ *http.Request) {
	voices := []Voice{}
	if r.deps.Voices != nil {
		for _, lang := range r.deps.Voices.Languages() {
			name, _ := r.deps.Voices.Lookup(lang)
			voices = append(voices, Voice{Language: lang, Voice: name})
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"provider":         r.cfg.TTSProvider,
		"default_language": r.cfg.DefaultLanguage,
		"voices":           voices,
	})
}

// handlePreviewVoice synthesizes a short greeting in the requested language.
func (r *Router) handlePreviewVoice(w http.ResponseWriter, req *http.Request) {
	if r.deps.NewSynthesizer == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "speech is not configured"})
		return
	}

	var body struct {
		Language string `json:"language"`
	}
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	if body.Language == "" {
		body.Language = r.cfg.DefaultLanguage
	}
	if r.deps.Voices != nil && r.cfg.TTSProvider == "azure" {
		if _, ok := r.deps.Voices.Lookup(body.Language); !ok {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unsupported language"})
			return
		}
	}

	r.previews.RLock()
	cached, found := r.previews.data[body.Language]
	r.previews.RUnlock()

	if found && time.Now().Before(cached.expiresAt) {
		writeAudio(w, cached.audio, "HIT")
		return
	}

	audio, err := r.generatePreviewAudio(req.Context(), body.Language)
	if err != nil {
		r.logger.Printf("voice: failed to generate preview: %v", err)
		captureError(req, err, "voice preview failed")
		writeJSON(w, http.StatusBadGateway, map[string]string{"error": "failed to generate preview"})
		return
	}

	r.previews.Lock()
	r.previews.data[body.Language] = cachedAudio{
		audio:     audio,
		expiresAt: time.Now().Add(previewCacheDuration),
	}
	r.previews.Unlock()

	writeAudio(w, audio, "MISS")
}

func (r *Router) generatePreviewAudio(ctx context.Context, language string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, previewTimeout)
	defer cancel()

	synth := r.deps.NewSynthesizer()
	if closer, ok := synth.(io.Closer); ok {
		defer closer.Close()
	}
	audio, err := synth.Synthesize(ctx, previewText(language), language)
	if err != nil {
		return nil, fmt.Errorf("synthesize preview: %w", err)
	}
	return audio, nil
}

func writeAudio(w http.ResponseWriter, audio []byte, cache string) {
	w.Header().Set("Content-Type", "audio/mpeg")
	w.Header().Set("Content-Length", fmt.Sprintf("%d", len(audio)))
	w.Header().Set("X-Cache", cache)
	_, _ = w.Write(audio)
}
