package tutor

import (
	"fmt"
	"strings"
)

// FormatFeedback renders a correction result as learner-facing text.
// The corrector's own overall feedback is appended when present.
func FormatFeedback(result CorrectionResult) string {
	if !result.Found() {
		msg := "Great! Your sentence is correct."
		if result.Feedback != "" {
			msg += " " + result.Feedback
		}
		return msg
	}

	var parts []string
	if len(result.Corrections) > 0 {
		parts = append(parts, "Here are some corrections:")
		for _, c := range result.Corrections {
			line := fmt.Sprintf("- %s: '%s' -> '%s'", capitalize(string(c.Kind)), c.Original, c.Corrected)
			if c.Explanation != "" {
				line += fmt.Sprintf(" (%s)", c.Explanation)
			}
			parts = append(parts, line)
		}
	}

	if result.BetterExpression != "" {
		parts = append(parts, fmt.Sprintf("A more natural way to say this: '%s'", result.BetterExpression))
	}

	if result.Feedback != "" {
		parts = append(parts, result.Feedback)
	}

	return strings.Join(parts, "\n")
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}
