// Package transcribe runs resolved transcription requests against the
// provider stack and accounts their usage.
package transcribe

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/radubobirnac/vocallocal/internal/observe"
	"github.com/radubobirnac/vocallocal/pkg/provider/transcribe"
	"github.com/radubobirnac/vocallocal/pkg/types"
)

// Transcriber is the provider stack the executor submits audio to.
// [resilience.TranscribeFallback] satisfies it.
type Transcriber interface {
	Transcribe(ctx context.Context, audio []byte, filename string, cfg transcribe.Config) (transcribe.Result, error)
}

// UsageRecorder accepts usage increments for the accounting ledger. The call
// must not block the transcription path.
type UsageRecorder interface {
	Record(ctx context.Context, userID string, service types.Service, amount float64)
}

// FailedError reports that a chunk could not be transcribed by any provider.
// The chunk's place in the transcript is lost; callers surface the sequence
// number so clients can mark the gap.
type FailedError struct {
	Seq uint64
	Err error
}

func (e *FailedError) Error() string {
	return fmt.Sprintf("transcribe: chunk %d failed: %v", e.Seq, e.Err)
}

func (e *FailedError) Unwrap() error { return e.Err }

// Request is one chunk (or file segment) to transcribe. Model must already be
// resolved; the executor performs no authorization.
type Request struct {
	SessionID string
	Seq       uint64
	UserID    string

	Audio    []byte
	Filename string

	Model    string
	Language string

	// DurationSeconds is the audio length used for accounting when the
	// provider does not report one.
	DurationSeconds float64
}

// Executor submits resolved requests to the provider stack and records usage
// exactly once per (session, sequence) pair, so a client retry of an already
// transcribed chunk is never billed twice.
type Executor struct {
	providers Transcriber
	usage     UsageRecorder
	metrics   *observe.Metrics

	mu        sync.Mutex
	accounted map[string]map[uint64]struct{}
}

// Option is a functional option for [NewExecutor].
type Option func(*Executor)

// WithMetrics sets the metrics instance. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(e *Executor) { e.metrics = m }
}

// NewExecutor creates an Executor. usage may be nil when accounting is
// disabled.
func NewExecutor(providers Transcriber, usage UsageRecorder, opts ...Option) *Executor {
	e := &Executor{
		providers: providers,
		usage:     usage,
		accounted: make(map[string]map[uint64]struct{}),
	}
	for _, o := range opts {
		o(e)
	}
	if e.metrics == nil {
		e.metrics = observe.DefaultMetrics()
	}
	return e
}

// Transcribe runs one request through the provider stack. On success it
// returns the fragment and accounts the audio duration; on failure it returns
// a [*FailedError] and accounts nothing.
func (e *Executor) Transcribe(ctx context.Context, req Request) (types.TranscriptFragment, error) {
	start := time.Now()
	result, err := e.providers.Transcribe(ctx, req.Audio, req.Filename, transcribe.Config{
		Model:    req.Model,
		Language: req.Language,
	})
	e.metrics.TranscribeDuration.Record(ctx, time.Since(start).Seconds(), metric.WithAttributes(
		attribute.String("model", req.Model),
	))
	if err != nil {
		observe.Logger(ctx).Error("chunk transcription failed",
			"session_id", req.SessionID,
			"seq", req.Seq,
			"model", req.Model,
			"err", err,
		)
		return types.TranscriptFragment{}, &FailedError{Seq: req.Seq, Err: err}
	}

	e.account(ctx, req, result)

	return types.TranscriptFragment{
		Seq:         req.Seq,
		Text:        result.Text,
		SourceModel: req.Model,
	}, nil
}

// account records the request's transcription minutes at most once per
// (session, sequence) pair. A request with no usable duration is not marked
// as accounted, so a later retry carrying one can still bill it.
func (e *Executor) account(ctx context.Context, req Request, result transcribe.Result) {
	if e.usage == nil || req.UserID == "" {
		return
	}

	seconds := result.Duration.Seconds()
	if seconds <= 0 {
		seconds = req.DurationSeconds
	}
	if seconds <= 0 {
		observe.Logger(ctx).Warn("no audio duration for chunk, usage not accounted",
			"session_id", req.SessionID,
			"seq", req.Seq,
			"user_id", req.UserID,
		)
		return
	}

	e.mu.Lock()
	seqs, ok := e.accounted[req.SessionID]
	if !ok {
		seqs = make(map[uint64]struct{})
		e.accounted[req.SessionID] = seqs
	}
	if _, done := seqs[req.Seq]; done {
		e.mu.Unlock()
		return
	}
	seqs[req.Seq] = struct{}{}
	e.mu.Unlock()

	e.usage.Record(ctx, req.UserID, types.ServiceTranscription, seconds/60)
}

// EndSession drops the accounting state held for a finished session.
func (e *Executor) EndSession(sessionID string) {
	e.mu.Lock()
	delete(e.accounted, sessionID)
	e.mu.Unlock()
}
