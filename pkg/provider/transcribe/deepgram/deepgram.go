// Package deepgram provides a transcription provider backed by the Deepgram
// pre-recorded audio API (POST /v1/listen).
package deepgram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/radubobirnac/vocallocal/pkg/provider/transcribe"
)

// defaultBaseURL is the Deepgram hosted API endpoint.
const defaultBaseURL = "https://api.deepgram.com"

// modelNames maps canonical pipeline model identifiers to Deepgram model
// names. The pipeline's premium tiers map onto nova-2; the baseline tier maps
// onto the cheaper base model.
var modelNames = map[string]string{
	"gpt-4o-mini-transcribe": "nova-2",
	"gpt-4o-transcribe":      "nova-2",
	"whisper-1":              "base",
}

// Provider implements transcribe.Provider against the Deepgram API.
type Provider struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
}

// Compile-time interface assertion.
var _ transcribe.Provider = (*Provider)(nil)

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithBaseURL overrides the hosted API endpoint. Mainly for tests.
func WithBaseURL(u string) Option {
	return func(p *Provider) {
		p.baseURL = u
	}
}

// WithHTTPClient replaces the default HTTP client (120s timeout).
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) {
		p.httpClient = c
	}
}

// New creates a Deepgram Provider. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("deepgram: apiKey must not be empty")
	}
	p := &Provider{
		apiKey:     apiKey,
		baseURL:    defaultBaseURL,
		httpClient: &http.Client{Timeout: 120 * time.Second},
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// listenResponse is the subset of the Deepgram response the provider reads.
type listenResponse struct {
	Metadata struct {
		Duration float64 `json:"duration"`
	} `json:"metadata"`
	Results struct {
		Channels []struct {
			Alternatives []struct {
				Transcript string `json:"transcript"`
			} `json:"alternatives"`
			DetectedLanguage string `json:"detected_language"`
		} `json:"channels"`
	} `json:"results"`
}

// Transcribe submits the audio body to /v1/listen and returns the first
// channel's best alternative.
func (p *Provider) Transcribe(ctx context.Context, audio io.Reader, filename string, cfg transcribe.Config) (transcribe.Result, error) {
	model, ok := modelNames[cfg.Model]
	if !ok {
		return transcribe.Result{}, fmt.Errorf("deepgram: model %q: %w", cfg.Model, transcribe.ErrUnsupportedModel)
	}

	q := url.Values{}
	q.Set("model", model)
	q.Set("smart_format", "true")
	if cfg.Language != "" {
		q.Set("language", cfg.Language)
	} else {
		q.Set("detect_language", "true")
	}

	endpoint := p.baseURL + "/v1/listen?" + q.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, audio)
	if err != nil {
		return transcribe.Result{}, fmt.Errorf("deepgram: create request: %w", err)
	}
	req.Header.Set("Authorization", "Token "+p.apiKey)
	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return transcribe.Result{}, fmt.Errorf("deepgram: http request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return transcribe.Result{}, fmt.Errorf("deepgram: server returned HTTP %d: %s", resp.StatusCode, body)
	}

	var lr listenResponse
	if err := json.NewDecoder(resp.Body).Decode(&lr); err != nil {
		return transcribe.Result{}, fmt.Errorf("deepgram: parse JSON response: %w", err)
	}
	if len(lr.Results.Channels) == 0 || len(lr.Results.Channels[0].Alternatives) == 0 {
		return transcribe.Result{}, errors.New("deepgram: response contains no transcript")
	}

	ch := lr.Results.Channels[0]
	return transcribe.Result{
		Text:     ch.Alternatives[0].Transcript,
		Duration: time.Duration(lr.Metadata.Duration * float64(time.Second)),
		Language: ch.DetectedLanguage,
	}, nil
}
