package transcript

import (
	"context"
	"strings"
	"sync"

	"github.com/radubobirnac/vocallocal/internal/observe"
	"github.com/radubobirnac/vocallocal/pkg/types"
)

// Merger assembles one session's fragments into a deduplicated transcript.
// Fragments are applied strictly in sequence order starting at 1; arrivals
// ahead of the next expected sequence are buffered and applied once the gap
// closes. A Merger is safe for concurrent use.
type Merger struct {
	windowWords int

	mu      sync.Mutex
	window  []string
	parts   []string
	nextSeq uint64
	pending map[uint64]string
}

// NewMerger creates a Merger. windowWords < 1 selects [DefaultWindowWords].
func NewMerger(windowWords int) *Merger {
	if windowWords < 1 {
		windowWords = DefaultWindowWords
	}
	return &Merger{
		windowWords: windowWords,
		nextSeq:     1,
		pending:     make(map[uint64]string),
	}
}

// Add feeds a fragment into the merger and returns the deduplicated text of
// every fragment applied by this call, keyed by sequence number. A fragment
// that arrives ahead of its turn is buffered and applied by the Add that
// closes the gap, so the returned map may be empty or hold several entries.
// Fragments with a sequence number already applied are ignored.
func (m *Merger) Add(frag types.TranscriptFragment) map[uint64]string {
	m.mu.Lock()
	defer m.mu.Unlock()

	applied := make(map[uint64]string)
	if frag.Seq < m.nextSeq {
		return applied
	}
	m.pending[frag.Seq] = frag.Text

	for {
		text, ok := m.pending[m.nextSeq]
		if !ok {
			break
		}
		delete(m.pending, m.nextSeq)

		stripped, next := Dedupe(m.window, text, m.windowWords)
		m.window = next
		if stripped != "" {
			m.parts = append(m.parts, stripped)
		}
		applied[m.nextSeq] = stripped
		m.nextSeq++
	}
	return applied
}

// Transcript returns the merged transcript so far.
func (m *Merger) Transcript() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return strings.Join(m.parts, " ")
}

// Pending reports how many fragments are buffered waiting for a sequence gap
// to close.
func (m *Merger) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}

// NextSeq returns the sequence number the merger will apply next.
func (m *Merger) NextSeq() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.nextSeq
}

// Sessions tracks one [Merger] per live session and reports the number of
// open sessions on the [observe.Metrics.ActiveSessions] gauge.
type Sessions struct {
	windowWords int
	metrics     *observe.Metrics

	mu      sync.Mutex
	mergers map[string]*Merger
}

// SessionsOption is a functional option for [NewSessions].
type SessionsOption func(*Sessions)

// WithSessionMetrics sets the metrics instance. Default: [observe.DefaultMetrics].
func WithSessionMetrics(m *observe.Metrics) SessionsOption {
	return func(s *Sessions) { s.metrics = m }
}

// NewSessions creates a session registry whose mergers use windowWords.
func NewSessions(windowWords int, opts ...SessionsOption) *Sessions {
	s := &Sessions{
		windowWords: windowWords,
		mergers:     make(map[string]*Merger),
	}
	for _, o := range opts {
		o(s)
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	return s
}

// Get returns the merger for sessionID, creating it on first use.
func (s *Sessions) Get(sessionID string) *Merger {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.mergers[sessionID]
	if !ok {
		m = NewMerger(s.windowWords)
		s.mergers[sessionID] = m
		s.metrics.ActiveSessions.Add(context.Background(), 1)
	}
	return m
}

// Close removes the session and returns its final transcript. Closing an
// unknown session is a no-op returning the empty string.
func (s *Sessions) Close(sessionID string) string {
	s.mu.Lock()
	m, ok := s.mergers[sessionID]
	delete(s.mergers, sessionID)
	s.mu.Unlock()
	if !ok {
		return ""
	}
	s.metrics.ActiveSessions.Add(context.Background(), -1)
	return m.Transcript()
}
