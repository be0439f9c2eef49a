// Package types holds the domain types shared across the VocalLocal
// transcription pipeline: audio chunks, access decisions, transcript
// fragments, and usage accounting records.
package types

import "time"

// Role is the caller's authorization role.
type Role string

const (
	RoleAdmin      Role = "admin"
	RoleSuperUser  Role = "super_user"
	RoleNormalUser Role = "normal_user"
)

// IsValid reports whether r is a recognised role.
func (r Role) IsValid() bool {
	switch r {
	case RoleAdmin, RoleSuperUser, RoleNormalUser:
		return true
	}
	return false
}

// IsPrivileged reports whether the role bypasses entitlement checks entirely.
func (r Role) IsPrivileged() bool {
	return r == RoleAdmin || r == RoleSuperUser
}

// Service identifies a billable service type in the usage ledger.
type Service string

const (
	ServiceTranscription Service = "transcription_minutes"
	ServiceTranslation   Service = "translation_words"
	ServiceTTS           Service = "tts_minutes"
	ServiceAICredits     Service = "ai_credits"
)

// IsValid reports whether s is a recognised service type.
func (s Service) IsValid() bool {
	switch s {
	case ServiceTranscription, ServiceTranslation, ServiceTTS, ServiceAICredits:
		return true
	}
	return false
}

// Chunk is one bounded, independently decodable unit of audio submitted for
// transcription. Chunks are produced by the segment producer and consumed
// exactly once by the resolve → transcribe path; they are never persisted.
type Chunk struct {
	// Seq is the chunk's position within its session. Strictly increasing.
	Seq uint64

	// Audio is the complete encoded audio, including container header.
	Audio []byte

	// Duration is a best-effort hint of the chunk's audio length. May be zero
	// when the producer cannot determine it (e.g. uploaded blobs).
	Duration time.Duration

	// SessionID identifies the recording session the chunk belongs to.
	SessionID string
}

// ModelRequest asks the resolver to authorize a model for a caller.
type ModelRequest struct {
	// RequestedModel is the client-supplied model identifier. May be a
	// deprecated alias; canonicalization happens inside the resolver.
	RequestedModel string

	// UserID identifies the account the request is billed against.
	UserID string

	// Role is the caller's authorization role.
	Role Role

	// SessionID ties the request to a recording session for logging.
	SessionID string
}

// AccessDecision is the resolver's answer. It is logged but never persisted.
type AccessDecision struct {
	// Allowed reports whether the caller may proceed with ResolvedModel.
	Allowed bool

	// ResolvedModel is the canonical model to use. On a degraded or denied
	// decision this is the baseline free model offered as an alternative.
	ResolvedModel string

	// Reason is a human-readable explanation, set on denial or degradation.
	Reason string

	// Degraded marks a fallback decision substituted because the entitlement
	// backend timed out or errored, rather than an explicit policy outcome.
	Degraded bool
}

// TranscriptFragment is the transcription result for a single chunk. It is
// consumed by the overlap deduplicator and discarded once merged into the
// session's running transcript.
type TranscriptFragment struct {
	Seq         uint64
	Text        string
	SourceModel string
}

// UsagePeriod holds one user's consumption counters for the current month.
// It is mutated only by the usage ledger and the reset coordinator.
type UsagePeriod struct {
	TranscriptionMinutes float64 `json:"transcriptionMinutes"`
	TranslationWords     float64 `json:"translationWords"`
	TTSMinutes           float64 `json:"ttsMinutes"`
	AICredits            float64 `json:"aiCredits"`

	// ResetDate is the first instant of a future month, UTC.
	ResetDate time.Time `json:"resetDate"`
}

// Counter returns a pointer to the counter for the given service so callers
// can increment it uniformly. Returns nil for unknown services.
func (p *UsagePeriod) Counter(s Service) *float64 {
	switch s {
	case ServiceTranscription:
		return &p.TranscriptionMinutes
	case ServiceTranslation:
		return &p.TranslationWords
	case ServiceTTS:
		return &p.TTSMinutes
	case ServiceAICredits:
		return &p.AICredits
	}
	return nil
}

// Total returns the sum of all counters. Used by bulk reset reporting.
func (p *UsagePeriod) Total() float64 {
	return p.TranscriptionMinutes + p.TranslationWords + p.TTSMinutes + p.AICredits
}

// IsZero reports whether every counter is zero.
func (p *UsagePeriod) IsZero() bool {
	return p.TranscriptionMinutes == 0 && p.TranslationWords == 0 &&
		p.TTSMinutes == 0 && p.AICredits == 0
}

// UsageArchiveRecord is an immutable snapshot of a closed usage period,
// created exactly once per user per reset cycle.
type UsageArchiveRecord struct {
	// Period is the closed month in "YYYY-MM" form, UTC.
	Period string `json:"period"`

	UserID string `json:"userId"`

	// Usage is the snapshot of the period's counters at archive time.
	Usage UsagePeriod `json:"usage"`

	ArchivedAt time.Time `json:"archivedAt"`
}

// PeriodKey formats t's month as a "YYYY-MM" archive period key in UTC.
func PeriodKey(t time.Time) string {
	return t.UTC().Format("2006-01")
}

// NextMonthStart returns the first instant of the calendar month following t,
// in UTC. This is the authoritative rule for advancing ResetDate.
func NextMonthStart(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month()+1, 1, 0, 0, 0, 0, time.UTC)
}
