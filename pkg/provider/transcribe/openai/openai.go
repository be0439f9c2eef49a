// Package openai provides a transcription provider backed by the OpenAI
// audio transcriptions API.
package openai

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/radubobirnac/vocallocal/pkg/provider/transcribe"
)

// modelNames maps canonical pipeline model identifiers to OpenAI API model
// names. Identity entries are listed explicitly so that an unknown model is
// rejected rather than passed through blind.
var modelNames = map[string]string{
	"gpt-4o-mini-transcribe": "gpt-4o-mini-transcribe",
	"gpt-4o-transcribe":      "gpt-4o-transcribe",
	"whisper-1":              "whisper-1",
}

// Provider implements transcribe.Provider using the OpenAI API.
type Provider struct {
	client oai.Client
}

// Compile-time interface assertion.
var _ transcribe.Provider = (*Provider)(nil)

// config holds optional configuration for the provider.
type config struct {
	baseURL string
	timeout time.Duration
}

// Option is a functional option for Provider.
type Option func(*config)

// WithBaseURL overrides the default OpenAI API base URL. Useful for
// API-compatible proxies and test servers.
func WithBaseURL(url string) Option {
	return func(c *config) {
		c.baseURL = url
	}
}

// WithTimeout sets a per-request HTTP timeout. Defaults to 120s, which
// accommodates multi-minute file segments.
func WithTimeout(d time.Duration) Option {
	return func(c *config) {
		c.timeout = d
	}
}

// New constructs a new OpenAI transcription Provider.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("openai: apiKey must not be empty")
	}

	cfg := &config{timeout: 120 * time.Second}
	for _, o := range opts {
		o(cfg)
	}

	reqOpts := []option.RequestOption{
		option.WithAPIKey(apiKey),
	}
	if cfg.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.baseURL))
	}
	if cfg.timeout > 0 {
		reqOpts = append(reqOpts, option.WithHTTPClient(&http.Client{
			Timeout: cfg.timeout,
		}))
	}

	return &Provider{client: oai.NewClient(reqOpts...)}, nil
}

// Transcribe implements transcribe.Provider.
func (p *Provider) Transcribe(ctx context.Context, audio io.Reader, filename string, cfg transcribe.Config) (transcribe.Result, error) {
	model, ok := modelNames[cfg.Model]
	if !ok {
		return transcribe.Result{}, fmt.Errorf("openai: model %q: %w", cfg.Model, transcribe.ErrUnsupportedModel)
	}

	params := oai.AudioTranscriptionNewParams{
		File:  oai.File(audio, filename, contentType(filename)),
		Model: oai.AudioModel(model),
	}
	if cfg.Language != "" {
		params.Language = oai.String(cfg.Language)
	}
	if cfg.Prompt != "" {
		params.Prompt = oai.String(cfg.Prompt)
	}

	res, err := p.client.Audio.Transcriptions.New(ctx, params)
	if err != nil {
		return transcribe.Result{}, fmt.Errorf("openai: transcribe %s: %w", filename, err)
	}

	return transcribe.Result{
		Text:     res.Text,
		Language: cfg.Language,
	}, nil
}

// contentType guesses the MIME type for the multipart upload from the file
// extension. OpenAI rejects uploads with an unknown container, so default to
// WAV which is what the live producer emits.
func contentType(filename string) string {
	switch ext(filename) {
	case "webm":
		return "audio/webm"
	case "ogg", "oga":
		return "audio/ogg"
	case "mp3":
		return "audio/mpeg"
	case "mp4", "m4a":
		return "audio/mp4"
	case "flac":
		return "audio/flac"
	default:
		return "audio/wav"
	}
}

func ext(filename string) string {
	for i := len(filename) - 1; i >= 0; i-- {
		if filename[i] == '.' {
			return filename[i+1:]
		}
	}
	return ""
}
