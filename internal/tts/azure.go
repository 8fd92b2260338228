package tts

import (
	"bytes"
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
)

const (
	azureEndpointFormat = "https://%s.tts.speech.microsoft.com/cognitiveservices/v1"
	azureOutputFormat   = "audio-16khz-32kbitrate-mono-mp3"
)

// AzureClient implements the Client interface using the Azure Speech REST API.
type AzureClient struct {
	apiKey       string
	endpoint     string
	outputFormat string
	voices       *VoiceMap
	httpClient   *http.Client
	closed       atomic.Bool
}

// AzureConfig holds configuration for the Azure client.
type AzureConfig struct {
	APIKey       string
	Region       string // e.g., "eastasia"
	Endpoint     string // overrides the region-derived endpoint
	OutputFormat string // X-Microsoft-OutputFormat header value
	Voices       *VoiceMap
	HTTPClient   *http.Client
}

// NewAzureClient creates a new Azure Speech client.
func NewAzureClient(cfg AzureConfig) *AzureClient {
	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = fmt.Sprintf(azureEndpointFormat, cfg.Region)
	}
	outputFormat := cfg.OutputFormat
	if outputFormat == "" {
		outputFormat = azureOutputFormat
	}
	voices := cfg.Voices
	if voices == nil {
		voices = NewVoiceMap(nil)
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &AzureClient{
		apiKey:       cfg.APIKey,
		endpoint:     endpoint,
		outputFormat: outputFormat,
		voices:       voices,
		httpClient:   httpClient,
	}
}

// Synthesize converts text to speech and returns MP3 audio.
func (c *AzureClient) Synthesize(ctx context.Context, text, language string) ([]byte, error) {
	if c.closed.Load() {
		return nil, ErrClosed
	}

	ssml, err := buildSSML(text, language, c.voices)
	if err != nil {
		return nil, fmt.Errorf("failed to build ssml: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, strings.NewReader(ssml))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/ssml+xml")
	httpReq.Header.Set("X-Microsoft-OutputFormat", c.outputFormat)
	httpReq.Header.Set("Ocp-Apim-Subscription-Key", c.apiKey)
	httpReq.Header.Set("User-Agent", "gptian")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("Azure speech API error: %s - %s", resp.Status, string(respBody))
	}

	audio, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read audio: %w", err)
	}
	if len(audio) == 0 {
		return nil, fmt.Errorf("Azure speech API returned no audio")
	}
	return audio, nil
}

// Close releases the client. Closing twice returns ErrClosed.
func (c *AzureClient) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return ErrClosed
	}
	return nil
}

// buildSSML selects the mapped voice for the language; an unmapped language is passed
// through as a language hint on an unnamed voice element.
func buildSSML(text, language string, voices *VoiceMap) (string, error) {
	var escaped bytes.Buffer
	if err := xml.EscapeText(&escaped, []byte(text)); err != nil {
		return "", err
	}
	lang := language
	if lang == "" {
		lang = "zh-CN"
	}
	voice, mapped := voices.Lookup(lang)
	var attr bytes.Buffer
	if err := xml.EscapeText(&attr, []byte(lang)); err != nil {
		return "", err
	}
	lang = attr.String()

	var b strings.Builder
	fmt.Fprintf(&b, `<speak version="1.0" xmlns="http://www.w3.org/2001/10/synthesis" xml:lang="%s">`, lang)
	if mapped {
		fmt.Fprintf(&b, `<voice name="%s">`, voice)
	} else {
		fmt.Fprintf(&b, `<voice xml:lang="%s">`, lang)
	}
	b.Write(escaped.Bytes())
	b.WriteString(`</voice></speak>`)
	return b.String(), nil
}
