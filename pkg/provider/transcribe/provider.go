// Package transcribe defines the Provider interface for batch speech-to-text
// backends.
//
// A transcription provider wraps a hosted or local speech API (OpenAI,
// Deepgram, a whisper-server instance) behind a uniform batch interface: one
// self-contained audio chunk in, one text result out. Chunks arrive with a
// valid container header, so providers never need to reconstruct framing.
//
// Implementations must be safe for concurrent use; chunks from many sessions
// are transcribed in parallel.
package transcribe

import (
	"context"
	"errors"
	"io"
	"time"
)

// ErrUnsupportedModel is returned by a provider when the requested model
// identifier is not one the backend can serve. The executor treats it like
// any other provider failure and falls back.
var ErrUnsupportedModel = errors.New("transcribe: unsupported model")

// Config carries per-request recognition parameters. The same Config is
// reused unchanged when the executor falls back to a secondary provider.
type Config struct {
	// Model is the canonical model identifier (e.g. "gpt-4o-mini-transcribe").
	// Providers map it to their own model naming; an unmappable model yields
	// ErrUnsupportedModel.
	Model string

	// Language is an ISO-639-1 hint (e.g. "en"). Empty means auto-detect
	// where the backend supports it.
	Language string

	// Prompt optionally biases recognition with preceding context. Providers
	// without prompt support ignore it.
	Prompt string
}

// Result is a completed transcription of one chunk.
type Result struct {
	// Text is the transcribed speech content.
	Text string

	// Duration is the audio length as reported by the backend. Zero when the
	// backend does not report it; callers fall back to their own hint.
	Duration time.Duration

	// Language is the detected or confirmed language, when reported.
	Language string
}

// Provider is the abstraction over any batch speech-to-text backend.
type Provider interface {
	// Transcribe submits one complete audio file or chunk and blocks until
	// the backend returns text or fails. filename conveys the container
	// format through its extension (e.g. "chunk-3.webm"); backends use it to
	// set upload metadata.
	//
	// Implementations must respect ctx cancellation and return promptly when
	// the deadline expires.
	Transcribe(ctx context.Context, audio io.Reader, filename string, cfg Config) (Result, error)
}
