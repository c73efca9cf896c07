package usecase

import (
	"fmt"
	"strings"
)

// buildSystemPrompt appends the turn directive to the configured facilitator
// prompt. Hint turns are told to give exactly one hint; ordinary turns are
// told to withhold hints.
func buildSystemPrompt(base string, stage int, consumesHint bool) string {
	lines := []string{
		strings.TrimSpace(base),
		"",
		fmt.Sprintf("Current stage: %d.", stage),
	}
	if consumesHint {
		lines = append(lines,
			"The team has spent one of its hints for this stage.",
			"Give exactly one concrete hint that moves them toward the next step without revealing the full solution.",
		)
	} else {
		lines = append(lines,
			"The team has not asked for a hint.",
			"Respond as the facilitator: acknowledge their reasoning and ask guiding questions, but do not give hints or solutions.",
		)
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}
