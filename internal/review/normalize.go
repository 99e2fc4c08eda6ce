package review

import (
	"strings"

	"github.com/antzucaro/matchr"
)

// choiceThreshold is the minimum Jaro-Winkler score for a fuzzy choice match.
const choiceThreshold = 0.85

// NormalizeChoice maps a raw option string onto the canonical spelling from
// choices. Exact case-insensitive matches win; otherwise the choice with the
// highest Jaro-Winkler similarity above the threshold is chosen. Extraction
// models tend to return lowercased or lightly misspelled option strings, and
// without this step those would never round-trip to the configured choices.
//
// Returns the canonical choice and true on a match, or the input unchanged
// and false when nothing scores high enough.
func NormalizeChoice(option string, choices []string) (string, bool) {
	trimmed := strings.TrimSpace(option)
	if trimmed == "" {
		return option, false
	}
	lower := strings.ToLower(trimmed)

	for _, c := range choices {
		if strings.ToLower(c) == lower {
			return c, true
		}
	}

	best := ""
	bestScore := 0.0
	for _, c := range choices {
		score := matchr.JaroWinkler(lower, strings.ToLower(c), false)
		if score > bestScore {
			best, bestScore = c, score
		}
	}
	if bestScore >= choiceThreshold {
		return best, true
	}
	return option, false
}
