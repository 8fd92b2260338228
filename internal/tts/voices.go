package tts

import (
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

// DefaultVoices maps language codes to Azure neural voices.
var DefaultVoices = map[string]string{
	"zh-CN": "zh-CN-XiaoxiaoNeural",
	"zh-HK": "zh-HK-HiuMaanNeural",
	"zh-TW": "zh-TW-HsiaoChenNeural",
	"en-US": "en-US-JennyNeural",
	"en-GB": "en-GB-SoniaNeural",
	"ja-JP": "ja-JP-NanamiNeural",
	"ko-KR": "ko-KR-SunHiNeural",
	"fr-FR": "fr-FR-DeniseNeural",
	"de-DE": "de-DE-KatjaNeural",
	"es-ES": "es-ES-ElviraNeural",
}

// VoiceMap is a static language→voice lookup table.
type VoiceMap struct {
	voices map[string]string
}

// NewVoiceMap copies the given table. A nil table uses DefaultVoices.
func NewVoiceMap(voices map[string]string) *VoiceMap {
	if voices == nil {
		voices = DefaultVoices
	}
	m := &VoiceMap{voices: make(map[string]string, len(voices))}
	for lang, voice := range voices {
		if lang != "" && voice != "" {
			m.voices[lang] = voice
		}
	}
	return m
}

type voiceMapFile struct {
	Voices map[string]string `yaml:"voices"`
}

// LoadVoiceMap reads a YAML file of the form:
//
//	voices:
//	  zh-CN: zh-CN-XiaoxiaoNeural
//	  en-US: en-US-JennyNeural
func LoadVoiceMap(path string) (*VoiceMap, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read voice map: %w", err)
	}
	var f voiceMapFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse voice map: %w", err)
	}
	if len(f.Voices) == 0 {
		return nil, fmt.Errorf("voice map %s has no voices", path)
	}
	return NewVoiceMap(f.Voices), nil
}

// Lookup returns the voice configured for a language.
func (m *VoiceMap) Lookup(language string) (string, bool) {
	voice, ok := m.voices[language]
	return voice, ok
}

// Languages returns the configured languages in sorted order.
func (m *VoiceMap) Languages() []string {
	langs := make([]string, 0, len(m.voices))
	for lang := range m.voices {
		langs = append(langs, lang)
	}
	sort.Strings(langs)
	return langs
}
