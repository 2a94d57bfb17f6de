package relay

import "strings"

// severityKeywords are checked in priority order; the first match wins.
var severityKeywords = []struct {
	priority Priority
	words    []string
}{
	{PriorityUrgent, []string{"urgent", "incident"}},
	{PriorityHigh, []string{"high priority", "critical"}},
	{PriorityMedium, []string{"medium priority"}},
	{PriorityLow, []string{"low priority"}},
}

// InferSeverity tags free text with a ticket priority from keywords. It is a
// heuristic; text without keywords is PriorityNormal.
func InferSeverity(text string) Priority {
	lower := strings.ToLower(text)
	for _, sk := range severityKeywords {
		for _, w := range sk.words {
			if strings.Contains(lower, w) {
				return sk.priority
			}
		}
	}
	return PriorityNormal
}
