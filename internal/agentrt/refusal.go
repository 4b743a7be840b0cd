package agentrt

import "strings"

// simpleRefusalPhrases are substrings matched anywhere in the completion,
// case-insensitive.
var simpleRefusalPhrases = []string{
	`"is_refusal":true`,
	"the ai refused to respond to this request",
	"content safety refusal",
}

// refusalWindow bounds how close "invalid_prompt" and a safety-reasons
// phrase must appear to each other to count as a refusal signal
// ("invalid_prompt … safety reasons", within 160 chars).
const refusalWindow = 160

// LooksLikeRefusal reports whether text (a completion, or a stringified
// error from a failed prompt) matches one of the known refusal signals.
// Exported so internal/runner can apply the same check to a Prompt error.
func LooksLikeRefusal(text string) bool {
	lower := strings.ToLower(text)
	if lower == "" {
		return false // handled separately as an empty-completion retry
	}
	for _, phrase := range simpleRefusalPhrases {
		if strings.Contains(lower, phrase) {
			return true
		}
	}
	return invalidPromptSafetyRefusal(lower)
}

// invalidPromptSafetyRefusal matches "invalid_prompt" followed within
// refusalWindow characters by a "safety reasons"-style phrase, in either
// order, since provider error text isn't consistent about which comes
// first.
func invalidPromptSafetyRefusal(lower string) bool {
	idx := strings.Index(lower, "invalid_prompt")
	if idx < 0 {
		return false
	}
	lo := idx - refusalWindow
	if lo < 0 {
		lo = 0
	}
	hi := idx + len("invalid_prompt") + refusalWindow
	if hi > len(lower) {
		hi = len(lower)
	}
	return strings.Contains(lower[lo:hi], "safety reasons")
}
