package resilience

import (
	"bytes"
	"context"

	"github.com/radubobirnac/vocallocal/internal/observe"
	"github.com/radubobirnac/vocallocal/pkg/provider/transcribe"
)

// TranscribeFallback wraps an ordered set of transcription providers with
// automatic failover. Each provider has its own circuit breaker. Because a
// chunk must be re-readable on failover, the fallback operates on a byte
// slice and hands each provider a fresh reader.
type TranscribeFallback struct {
	group   *FallbackGroup[transcribe.Provider]
	metrics *observe.Metrics
}

// TranscribeOption is a functional option for [NewTranscribeFallback].
type TranscribeOption func(*TranscribeFallback)

// WithProviderMetrics sets the metrics instance used for per-provider
// request and error counters. Default: [observe.DefaultMetrics].
func WithProviderMetrics(m *observe.Metrics) TranscribeOption {
	return func(f *TranscribeFallback) { f.metrics = m }
}

// NewTranscribeFallback creates a [TranscribeFallback] with primary as the
// preferred backend.
func NewTranscribeFallback(primary transcribe.Provider, primaryName string, cfg FallbackConfig, opts ...TranscribeOption) *TranscribeFallback {
	f := &TranscribeFallback{
		group: NewFallbackGroup(primary, primaryName, cfg),
	}
	for _, o := range opts {
		o(f)
	}
	if f.metrics == nil {
		f.metrics = observe.DefaultMetrics()
	}
	return f
}

// AddFallback registers an additional transcription provider as a fallback.
func (f *TranscribeFallback) AddFallback(name string, provider transcribe.Provider) {
	f.group.AddFallback(name, provider)
}

// Transcribe submits audio to the first healthy provider, failing over in
// registration order. The same filename and config are passed to every
// provider so a fallback preserves language and prompt parameters. Every
// provider call is counted on the request/error metrics under the provider's
// registered name.
func (f *TranscribeFallback) Transcribe(ctx context.Context, audio []byte, filename string, cfg transcribe.Config) (transcribe.Result, error) {
	return ExecuteWithResult(f.group, func(name string, p transcribe.Provider) (transcribe.Result, error) {
		result, err := p.Transcribe(ctx, bytes.NewReader(audio), filename, cfg)
		f.metrics.RecordProviderRequest(ctx, name, err)
		return result, err
	})
}
