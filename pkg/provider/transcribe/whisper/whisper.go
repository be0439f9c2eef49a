// Package whisper provides a transcription provider backed by a local
// whisper-server instance (whisper.cpp), which exposes a REST API at
// POST /inference.
//
// whisper-server is loaded with a single model at startup, so the canonical
// model identifier in [transcribe.Config] is forwarded as a hint only; the
// server decides what it can honour. This makes the provider a natural
// fallback tier: it accepts any model and answers with whatever local model
// is running.
package whisper

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"time"

	"github.com/radubobirnac/vocallocal/pkg/provider/transcribe"
)

// Provider implements transcribe.Provider against a whisper-server REST API.
type Provider struct {
	serverURL  string
	httpClient *http.Client
}

// Compile-time interface assertion.
var _ transcribe.Provider = (*Provider)(nil)

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithHTTPClient replaces the default HTTP client (120s timeout). Mainly for
// tests.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) {
		p.httpClient = c
	}
}

// New creates a Provider that connects to the whisper-server at serverURL
// (e.g. "http://localhost:8080"). serverURL must be non-empty.
func New(serverURL string, opts ...Option) (*Provider, error) {
	if serverURL == "" {
		return nil, errors.New("whisper: serverURL must not be empty")
	}
	p := &Provider{
		serverURL:  serverURL,
		httpClient: &http.Client{Timeout: 120 * time.Second},
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// Transcribe POSTs the audio to the whisper-server /inference endpoint as
// multipart/form-data and returns the transcribed text.
func (p *Provider) Transcribe(ctx context.Context, audio io.Reader, filename string, cfg transcribe.Config) (transcribe.Result, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)

	// Primary audio field.
	fw, err := mw.CreateFormFile("file", filename)
	if err != nil {
		return transcribe.Result{}, fmt.Errorf("whisper: create form file: %w", err)
	}
	if _, err := io.Copy(fw, audio); err != nil {
		return transcribe.Result{}, fmt.Errorf("whisper: write audio data: %w", err)
	}

	// Optional hint fields.
	if cfg.Language != "" {
		if err := mw.WriteField("language", cfg.Language); err != nil {
			return transcribe.Result{}, fmt.Errorf("whisper: write language field: %w", err)
		}
	}
	if cfg.Prompt != "" {
		if err := mw.WriteField("prompt", cfg.Prompt); err != nil {
			return transcribe.Result{}, fmt.Errorf("whisper: write prompt field: %w", err)
		}
	}
	if err := mw.WriteField("response_format", "json"); err != nil {
		return transcribe.Result{}, fmt.Errorf("whisper: write response_format field: %w", err)
	}

	if err := mw.Close(); err != nil {
		return transcribe.Result{}, fmt.Errorf("whisper: close multipart writer: %w", err)
	}

	endpoint := p.serverURL + "/inference"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, &body)
	if err != nil {
		return transcribe.Result{}, fmt.Errorf("whisper: create request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return transcribe.Result{}, fmt.Errorf("whisper: http request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return transcribe.Result{}, fmt.Errorf("whisper: server returned HTTP %d", resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return transcribe.Result{}, fmt.Errorf("whisper: read response body: %w", err)
	}

	var result struct {
		Text     string `json:"text"`
		Language string `json:"language"`
	}
	if err := json.Unmarshal(data, &result); err != nil {
		return transcribe.Result{}, fmt.Errorf("whisper: parse JSON response: %w", err)
	}

	return transcribe.Result{
		Text:     result.Text,
		Language: result.Language,
	}, nil
}
