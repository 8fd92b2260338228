package stt

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

const deepgramListenURL = "https://api.deepgram.com/v1/listen"

// DeepgramClient implements Recognizer using Deepgram's pre-recorded REST API.
type DeepgramClient struct {
	apiKey      string
	baseURL     string
	language    string
	model       string
	contentType string
	uttSplit    time.Duration
	httpClient  *http.Client
}

// DeepgramConfig holds configuration for the Deepgram client.
type DeepgramConfig struct {
	APIKey      string
	BaseURL     string
	Language    string        // e.g., "zh-CN"
	Model       string        // e.g., "nova-2"
	ContentType string        // e.g., "audio/webm" for browser MediaRecorder chunks
	UttSplit    time.Duration // silence that splits utterances, 0 for default
	HTTPClient  *http.Client
}

// deepgramResponse is the subset of the pre-recorded response we use.
type deepgramResponse struct {
	Metadata struct {
		Duration float64 `json:"duration"`
	} `json:"metadata"`
	Results struct {
		Channels []struct {
			Alternatives []struct {
				Transcript string  `json:"transcript"`
				Confidence float64 `json:"confidence"`
			} `json:"alternatives"`
		} `json:"channels"`
		Utterances []struct {
			Start      float64 `json:"start"`
			End        float64 `json:"end"`
			Confidence float64 `json:"confidence"`
			Transcript string  `json:"transcript"`
		} `json:"utterances"`
	} `json:"results"`
}

// NewDeepgramClient creates a new Deepgram client.
func NewDeepgramClient(cfg DeepgramConfig) *DeepgramClient {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = deepgramListenURL
	}
	model := cfg.Model
	if model == "" {
		model = "nova-2"
	}
	contentType := cfg.ContentType
	if contentType == "" {
		contentType = "audio/webm"
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &DeepgramClient{
		apiKey:      cfg.APIKey,
		baseURL:     baseURL,
		language:    cfg.Language,
		model:       model,
		contentType: contentType,
		uttSplit:    cfg.UttSplit,
		httpClient:  httpClient,
	}
}

// Recognize transcribes the audio buffer and returns its utterances.
func (c *DeepgramClient) Recognize(ctx context.Context, audio []byte) (*Recognition, error) {
	if len(audio) == 0 {
		return nil, ErrEmptyAudio
	}

	q := url.Values{}
	q.Set("model", c.model)
	if c.language != "" {
		q.Set("language", c.language)
	}
	q.Set("punctuate", "true")
	q.Set("utterances", "true")
	if c.uttSplit > 0 {
		q.Set("utt_split", strconv.FormatFloat(c.uttSplit.Seconds(), 'f', -1, 64))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"?"+q.Encode(), bytes.NewReader(audio))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Token "+c.apiKey)
	req.Header.Set("Content-Type", c.contentType)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("Deepgram API error: %s - %s", resp.Status, string(body))
	}

	var parsed deepgramResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}

	rec := &Recognition{Duration: parsed.Metadata.Duration}
	for _, u := range parsed.Results.Utterances {
		rec.Segments = append(rec.Segments, Segment{
			Text:       u.Transcript,
			Start:      u.Start,
			End:        u.End,
			Confidence: u.Confidence,
		})
	}

	// Without utterances, fall back to the channel transcript as one open segment.
	if len(rec.Segments) == 0 && len(parsed.Results.Channels) > 0 && len(parsed.Results.Channels[0].Alternatives) > 0 {
		alt := parsed.Results.Channels[0].Alternatives[0]
		if alt.Transcript != "" {
			rec.Segments = []Segment{{
				Text:       alt.Transcript,
				End:        rec.Duration,
				Confidence: alt.Confidence,
			}}
		}
	}
	return rec, nil
}
