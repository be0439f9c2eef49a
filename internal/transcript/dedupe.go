// Package transcript merges per-chunk transcription fragments into a
// session's running transcript, removing the text duplicated across chunk
// boundaries by natural speech continuity.
package transcript

import (
	"strings"
	"unicode/utf8"

	"github.com/antzucaro/matchr"
)

// DefaultWindowWords is the trailing-word window compared across chunk
// boundaries when no explicit size is configured.
const DefaultWindowWords = 10

// punctCutset lists the punctuation stripped from token edges before
// comparison.
const punctCutset = ".,!?;:\"'()[]…—-"

// Tokens splits text into comparison tokens: whitespace-separated words,
// lowercased, with edge punctuation removed. Empty tokens (pure punctuation)
// are dropped.
func Tokens(text string) []string {
	fields := strings.Fields(text)
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		if t := normalizeToken(f); t != "" {
			out = append(out, t)
		}
	}
	return out
}

func normalizeToken(tok string) string {
	return strings.ToLower(strings.Trim(tok, punctCutset))
}

// tokenEqual reports whether two normalized tokens refer to the same spoken
// word. Exact matches always qualify; for words of five or more runes a
// Damerau-Levenshtein distance of one is tolerated, since speech models
// routinely disagree on a single character at chunk boundaries ("color" vs
// "colour" truncated, doubled letters, and the like).
func tokenEqual(a, b string) bool {
	if a == b {
		return true
	}
	if utf8.RuneCountInString(a) < 5 || utf8.RuneCountInString(b) < 5 {
		return false
	}
	return matchr.DamerauLevenshtein(a, b) <= 1
}

// Dedupe strips from fragment the longest leading run of words that matches
// a trailing run of prevWindow, and returns the stripped text together with
// the trailing window to carry into the next call.
//
// prevWindow holds normalized tokens (as produced by [Tokens]); fragment is
// raw text. The returned text preserves the fragment's original casing and
// punctuation with whitespace collapsed to single spaces. windowWords bounds
// the size of the returned window; values < 1 select [DefaultWindowWords].
//
// Dedupe is pure: it reads nothing but its arguments, so overlap handling is
// testable without any I/O.
func Dedupe(prevWindow []string, fragment string, windowWords int) (string, []string) {
	if windowWords < 1 {
		windowWords = DefaultWindowWords
	}

	words := strings.Fields(fragment)
	norm := make([]string, len(words))
	for i, w := range words {
		norm[i] = normalizeToken(w)
	}

	overlap := longestOverlap(prevWindow, norm)
	stripped := strings.Join(words[overlap:], " ")

	// The next window is the tail of everything appended so far: previous
	// window plus the surviving words. Taking the combined tail keeps the
	// window full even when a fragment is shorter than the window itself.
	combined := prevWindow
	for _, n := range norm[overlap:] {
		if n != "" {
			combined = append(combined, n)
		}
	}
	if len(combined) > windowWords {
		combined = combined[len(combined)-windowWords:]
	}
	next := make([]string, len(combined))
	copy(next, combined)

	return stripped, next
}

// longestOverlap returns the largest n such that the last n tokens of window
// match the first n tokens of frag. A fragment shorter than the window is
// compared in full.
func longestOverlap(window, frag []string) int {
	max := len(window)
	if len(frag) < max {
		max = len(frag)
	}
	for n := max; n > 0; n-- {
		if suffixMatchesPrefix(window, frag, n) {
			return n
		}
	}
	return 0
}

func suffixMatchesPrefix(window, frag []string, n int) bool {
	off := len(window) - n
	for i := 0; i < n; i++ {
		if !tokenEqual(window[off+i], frag[i]) {
			return false
		}
	}
	return true
}
