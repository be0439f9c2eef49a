// Package mock provides a test double for transcribe.Provider.
package mock

import (
	"context"
	"io"
	"sync"

	"github.com/radubobirnac/vocallocal/pkg/provider/transcribe"
)

// TranscribeCall records a single invocation of Provider.Transcribe.
type TranscribeCall struct {
	// Audio is a copy of the bytes read from the audio reader.
	Audio []byte

	Filename string
	Config   transcribe.Config
}

// Provider is a mock transcribe.Provider. Set TranscribeFn to control the
// response; when nil, Transcribe returns a zero Result. All invocations are
// recorded and retrievable via Calls.
type Provider struct {
	// TranscribeFn, when set, supplies the result for each call.
	TranscribeFn func(ctx context.Context, call TranscribeCall) (transcribe.Result, error)

	mu    sync.Mutex
	calls []TranscribeCall
}

// Compile-time interface assertion.
var _ transcribe.Provider = (*Provider)(nil)

// Transcribe implements transcribe.Provider.
func (p *Provider) Transcribe(ctx context.Context, audio io.Reader, filename string, cfg transcribe.Config) (transcribe.Result, error) {
	data, err := io.ReadAll(audio)
	if err != nil {
		return transcribe.Result{}, err
	}
	call := TranscribeCall{Audio: data, Filename: filename, Config: cfg}

	p.mu.Lock()
	p.calls = append(p.calls, call)
	p.mu.Unlock()

	if p.TranscribeFn != nil {
		return p.TranscribeFn(ctx, call)
	}
	return transcribe.Result{}, nil
}

// Calls returns a copy of all recorded invocations.
func (p *Provider) Calls() []TranscribeCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]TranscribeCall, len(p.calls))
	copy(out, p.calls)
	return out
}
