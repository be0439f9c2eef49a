// Package segment produces independently decodable audio chunks from two
// kinds of source: a live recording driven on a fixed wall-clock cadence, and
// large pre-recorded files split on container boundaries.
//
// Both modes share one contract: every emitted chunk carries a complete
// container header and decodes without reference to any other chunk. The live
// producer guarantees this by fully stopping and restarting its encoder at
// each interval boundary instead of slicing a continuous byte stream; the
// file splitter guarantees it by cutting with ffmpeg in segment mode.
package segment

import (
	"context"
	"errors"
	"time"

	"github.com/radubobirnac/vocallocal/internal/observe"
	"github.com/radubobirnac/vocallocal/pkg/types"
)

// ErrChunkInvalid marks a chunk that was dropped as empty or corrupt, e.g.
// zero bytes from an encoder stopped too soon after starting.
var ErrChunkInvalid = errors.New("segment: invalid chunk")

// Encoder is the recording device abstraction driven by [LiveProducer].
//
// Start begins a fresh recording; Stop ends it and returns the complete
// encoded audio, container header included. The producer never calls Start
// while a recording is active, so implementations need not support
// overlapping recordings.
type Encoder interface {
	Start() error
	Stop() ([]byte, error)
}

// LiveProducer turns a live recording into a sequence of self-contained
// chunks by stopping and restarting its [Encoder] on a fixed interval.
// Cancelling the Run context flushes a final, possibly shorter, chunk.
type LiveProducer struct {
	enc       Encoder
	sessionID string
	interval  time.Duration
	minBytes  int
	buffer    int
	metrics   *observe.Metrics
}

// Option is a functional option for [NewLiveProducer].
type Option func(*LiveProducer)

// WithInterval sets the chunk cadence. Default: 65s.
func WithInterval(d time.Duration) Option {
	return func(p *LiveProducer) {
		p.interval = d
	}
}

// WithMinChunkBytes sets the smallest chunk the producer will emit; shorter
// flushes are dropped as corrupt. Default: 128.
func WithMinChunkBytes(n int) Option {
	return func(p *LiveProducer) {
		p.minBytes = n
	}
}

// WithChunkBuffer sets how many chunks the output channel holds before the
// producer waits for the consumer. Default: 4.
func WithChunkBuffer(n int) Option {
	return func(p *LiveProducer) {
		if n >= 0 {
			p.buffer = n
		}
	}
}

// WithMetrics sets the metrics instance used for drop accounting.
// Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(p *LiveProducer) {
		p.metrics = m
	}
}

// NewLiveProducer creates a producer for one recording session. enc must be
// stopped; the producer owns its lifecycle from Run onwards.
func NewLiveProducer(enc Encoder, sessionID string, opts ...Option) *LiveProducer {
	p := &LiveProducer{
		enc:       enc,
		sessionID: sessionID,
		interval:  65 * time.Second,
		minBytes:  128,
		buffer:    4,
	}
	for _, o := range opts {
		o(p)
	}
	if p.metrics == nil {
		p.metrics = observe.DefaultMetrics()
	}
	return p
}

// Run starts the encoder and returns a channel of chunks. The channel is
// closed after the final flush when ctx is cancelled. Sequence numbers start
// at 1 and increase strictly; dropped chunks do not consume a number so that
// downstream ordering has no holes.
//
// All encoder calls happen on one goroutine: the encoder is always stopped
// before it is restarted, so there is never more than one active recording.
func (p *LiveProducer) Run(ctx context.Context) (<-chan types.Chunk, error) {
	if err := p.enc.Start(); err != nil {
		return nil, err
	}

	out := make(chan types.Chunk, p.buffer)
	go p.loop(ctx, out)
	return out, nil
}

func (p *LiveProducer) loop(ctx context.Context, out chan<- types.Chunk) {
	defer close(out)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	var seq uint64
	started := time.Now()

	for {
		select {
		case <-ticker.C:
			elapsed := time.Since(started)
			if chunk, ok := p.rotate(ctx, &seq, elapsed); ok {
				select {
				case out <- chunk:
				case <-ctx.Done():
					return
				}
			}
			if err := p.enc.Start(); err != nil {
				observe.Logger(ctx).Error("live producer: encoder restart failed, stopping session",
					"session_id", p.sessionID, "err", err)
				return
			}
			started = time.Now()

		case <-ctx.Done():
			// Final flush. The encoder is running; stop it one last time and
			// emit whatever partial interval it recorded. The send must not
			// block: after cancellation the consumer may already be gone, and
			// a full buffer would otherwise pin this goroutine forever.
			elapsed := time.Since(started)
			if chunk, ok := p.rotate(context.WithoutCancel(ctx), &seq, elapsed); ok {
				select {
				case out <- chunk:
				default:
					observe.Logger(context.WithoutCancel(ctx)).Warn("live producer: final flush dropped, consumer stopped draining",
						"session_id", p.sessionID,
						"seq", chunk.Seq,
						"bytes", len(chunk.Audio),
					)
					p.metrics.ChunksDropped.Add(context.WithoutCancel(ctx), 1)
				}
			}
			return
		}
	}
}

// rotate stops the encoder and validates the flushed bytes. It returns the
// chunk and true when the flush produced usable audio; otherwise the chunk is
// dropped with a logged warning and false is returned.
func (p *LiveProducer) rotate(ctx context.Context, seq *uint64, elapsed time.Duration) (types.Chunk, bool) {
	data, err := p.enc.Stop()
	if err != nil || len(data) < p.minBytes {
		if err == nil {
			err = ErrChunkInvalid
		}
		observe.Logger(ctx).Warn("live producer: dropping chunk",
			"session_id", p.sessionID,
			"bytes", len(data),
			"err", err,
		)
		p.metrics.ChunksDropped.Add(ctx, 1)
		return types.Chunk{}, false
	}

	*seq++
	return types.Chunk{
		Seq:       *seq,
		Audio:     data,
		Duration:  elapsed,
		SessionID: p.sessionID,
	}, true
}
