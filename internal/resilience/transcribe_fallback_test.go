package resilience

import (
	"context"
	"errors"
	"testing"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/radubobirnac/vocallocal/internal/observe"
	"github.com/radubobirnac/vocallocal/pkg/provider/transcribe"
	"github.com/radubobirnac/vocallocal/pkg/provider/transcribe/mock"
)

func TestTranscribeFallback_PrimarySuccess(t *testing.T) {
	primary := &mock.Provider{
		TranscribeFn: func(_ context.Context, _ mock.TranscribeCall) (transcribe.Result, error) {
			return transcribe.Result{Text: "from primary"}, nil
		},
	}
	secondary := &mock.Provider{}

	f := NewTranscribeFallback(primary, "primary", FallbackConfig{})
	f.AddFallback("secondary", secondary)

	res, err := f.Transcribe(context.Background(), []byte("audio"), "chunk-1.wav", transcribe.Config{Model: "whisper-1"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Text != "from primary" {
		t.Fatalf("Text = %q, want from primary", res.Text)
	}
	if len(secondary.Calls()) != 0 {
		t.Fatal("secondary should not have been called")
	}
}

func TestTranscribeFallback_FailoverPreservesConfig(t *testing.T) {
	primary := &mock.Provider{
		TranscribeFn: func(_ context.Context, _ mock.TranscribeCall) (transcribe.Result, error) {
			return transcribe.Result{}, errors.New("quota exhausted")
		},
	}
	secondary := &mock.Provider{
		TranscribeFn: func(_ context.Context, _ mock.TranscribeCall) (transcribe.Result, error) {
			return transcribe.Result{Text: "from secondary"}, nil
		},
	}

	f := NewTranscribeFallback(primary, "primary", FallbackConfig{})
	f.AddFallback("secondary", secondary)

	cfg := transcribe.Config{Model: "gpt-4o-mini-transcribe", Language: "de", Prompt: "context"}
	res, err := f.Transcribe(context.Background(), []byte("audio"), "chunk-2.wav", cfg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Text != "from secondary" {
		t.Fatalf("Text = %q, want from secondary", res.Text)
	}

	calls := secondary.Calls()
	if len(calls) != 1 {
		t.Fatalf("secondary calls = %d, want 1", len(calls))
	}
	if calls[0].Config != cfg {
		t.Fatalf("fallback config = %+v, want %+v", calls[0].Config, cfg)
	}
	if string(calls[0].Audio) != "audio" {
		t.Fatal("fallback did not receive a fresh copy of the audio")
	}
}

func TestTranscribeFallback_AllFail(t *testing.T) {
	failing := func(_ context.Context, _ mock.TranscribeCall) (transcribe.Result, error) {
		return transcribe.Result{}, errors.New("boom")
	}
	f := NewTranscribeFallback(&mock.Provider{TranscribeFn: failing}, "primary", FallbackConfig{})
	f.AddFallback("secondary", &mock.Provider{TranscribeFn: failing})

	_, err := f.Transcribe(context.Background(), []byte("audio"), "chunk-3.wav", transcribe.Config{})
	if !errors.Is(err, ErrAllFailed) {
		t.Fatalf("err = %v, want ErrAllFailed", err)
	}
}

func TestTranscribeFallback_CountsProviderRequests(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	primary := &mock.Provider{
		TranscribeFn: func(_ context.Context, _ mock.TranscribeCall) (transcribe.Result, error) {
			return transcribe.Result{}, errors.New("overloaded")
		},
	}
	secondary := &mock.Provider{
		TranscribeFn: func(_ context.Context, _ mock.TranscribeCall) (transcribe.Result, error) {
			return transcribe.Result{Text: "ok"}, nil
		},
	}
	f := NewTranscribeFallback(primary, "openai", FallbackConfig{}, WithProviderMetrics(m))
	f.AddFallback("whisper", secondary)

	if _, err := f.Transcribe(context.Background(), []byte("audio"), "chunk-4.wav", transcribe.Config{}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}

	requests := sumDataPoints(rm, "vocallocal.provider.requests")
	if requests != 2 {
		t.Errorf("provider.requests = %d, want 2 (one per attempted provider)", requests)
	}
	errorsCount := sumDataPoints(rm, "vocallocal.provider.errors")
	if errorsCount != 1 {
		t.Errorf("provider.errors = %d, want 1 for the failed primary", errorsCount)
	}
}

// sumDataPoints totals every data point of a counter across attribute sets.
func sumDataPoints(rm metricdata.ResourceMetrics, name string) int64 {
	var total int64
	for _, sm := range rm.ScopeMetrics {
		for _, met := range sm.Metrics {
			if met.Name != name {
				continue
			}
			if sum, ok := met.Data.(metricdata.Sum[int64]); ok {
				for _, dp := range sum.DataPoints {
					total += dp.Value
				}
			}
		}
	}
	return total
}
