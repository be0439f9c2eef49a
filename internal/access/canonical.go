// Package access resolves requested model identifiers to authorized,
// canonical ones under a hard latency budget.
//
// Resolution has two halves: canonicalization, a static table that upgrades
// deprecated model aliases so stale clients keep working, and authorization,
// a bounded-time entitlement check that degrades to the baseline free model
// instead of blocking the transcription path when the backend is slow.
package access

// modelAliases maps deprecated or legacy model identifiers to their current
// equivalents. The table is applied before authorization on every call path
// (transcription, translation, TTS) so stale client requests are upgraded
// transparently. All map values must themselves be canonical.
var modelAliases = map[string]string{
	// Pre-rename transcription tiers.
	"whisper":                        "whisper-1",
	"whisper-large":                  "whisper-1",
	"gpt-4o-transcribe-preview":      "gpt-4o-transcribe",
	"gpt-4o-mini-transcribe-preview": "gpt-4o-mini-transcribe",

	// Retired premium tier, folded into the full 4o model.
	"gpt-4o-transcribe-hd": "gpt-4o-transcribe",
}

// Canonical translates a possibly deprecated model identifier to its current
// equivalent. Identifiers that are already canonical (or unknown) are
// returned unchanged, which makes Canonical idempotent.
func Canonical(model string) string {
	if current, ok := modelAliases[model]; ok {
		return current
	}
	return model
}
