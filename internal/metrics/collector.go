// Package metrics exposes Prometheus metrics for speech sessions, synthesis,
// transcription and chat traffic.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "gptian"

// Collector owns its own registry so that several collectors can coexist in tests.
// All methods are safe to call on a nil *Collector.
type Collector struct {
	registry *prometheus.Registry

	synthesisTotal    *prometheus.CounterVec
	synthesisDuration *prometheus.HistogramVec
	synthesizedChars  prometheus.Counter
	sentencesFailed   prometheus.Counter
	batchesFlushed    prometheus.Counter

	sessionsActive  prometheus.Gauge
	sessionsStarted *prometheus.CounterVec

	transcripts       *prometheus.CounterVec
	transcribedAudio  prometheus.Counter
	chatRequestsTotal *prometheus.CounterVec
	chatTokens        *prometheus.CounterVec
}

// NewCollector registers all metrics plus the Go runtime and process collectors.
func NewCollector() *Collector {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Collector{
		registry: reg,
		synthesisTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "synthesis_attempts_total",
			Help:      "Synthesis calls by outcome",
		}, []string{"outcome"}),
		synthesisDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "synthesis_duration_seconds",
			Help:      "Duration of a single synthesis call",
			Buckets:   []float64{.05, .1, .25, .5, 1, 2, 4, 8},
		}, []string{"outcome"}),
		synthesizedChars: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "synthesized_characters_total",
			Help:      "Characters successfully synthesized",
		}),
		sentencesFailed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sentences_failed_total",
			Help:      "Sentences that failed after all retries",
		}),
		batchesFlushed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batches_flushed_total",
			Help:      "Idle-timeout flushes of a non-empty buffer",
		}),
		sessionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Speech sessions currently running",
		}),
		sessionsStarted: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_started_total",
			Help:      "Speech sessions started by origin",
		}, []string{"origin"}),
		transcripts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transcripts_total",
			Help:      "Transcripts relayed to clients",
		}, []string{"kind"}),
		transcribedAudio: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transcribed_audio_seconds_total",
			Help:      "Seconds of audio sent for transcription",
		}),
		chatRequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chat_requests_total",
			Help:      "Chat completions by mode and status",
		}, []string{"mode", "status"}),
		chatTokens: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chat_tokens_total",
			Help:      "LLM tokens used by kind",
		}, []string{"kind"}),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	if c == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

// Registry returns the underlying registry.
func (c *Collector) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.registry
}

// RecordSynthesis records one synthesis attempt.
func (c *Collector) RecordSynthesis(err error, chars int, d time.Duration) {
	if c == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	} else {
		c.synthesizedChars.Add(float64(chars))
	}
	c.synthesisTotal.WithLabelValues(outcome).Inc()
	c.synthesisDuration.WithLabelValues(outcome).Observe(d.Seconds())
}

func (c *Collector) RecordSentenceFailed() {
	if c == nil {
		return
	}
	c.sentencesFailed.Inc()
}

func (c *Collector) RecordBatchFlushed() {
	if c == nil {
		return
	}
	c.batchesFlushed.Inc()
}

// SessionStarted increments the active gauge. origin is "http" or "chat".
func (c *Collector) SessionStarted(origin string) {
	if c == nil {
		return
	}
	c.sessionsStarted.WithLabelValues(origin).Inc()
	c.sessionsActive.Inc()
}

func (c *Collector) SessionEnded() {
	if c == nil {
		return
	}
	c.sessionsActive.Dec()
}

// RecordTranscript counts a relayed transcript and the audio it covered.
func (c *Collector) RecordTranscript(final bool, audioSeconds float64) {
	if c == nil {
		return
	}
	kind := "partial"
	if final {
		kind = "final"
	}
	c.transcripts.WithLabelValues(kind).Inc()
	if audioSeconds > 0 {
		c.transcribedAudio.Add(audioSeconds)
	}
}

// RecordChat records a chat completion. mode is "rest" or "stream".
func (c *Collector) RecordChat(mode string, err error, promptTokens, completionTokens int) {
	if c == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	c.chatRequestsTotal.WithLabelValues(mode, status).Inc()
	if promptTokens > 0 {
		c.chatTokens.WithLabelValues("prompt").Add(float64(promptTokens))
	}
	if completionTokens > 0 {
		c.chatTokens.WithLabelValues("completion").Add(float64(completionTokens))
	}
}
