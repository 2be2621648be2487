package executor

import "github.com/ashford-core/ashford-core/internal/domain"

// PreImage is the message label snapshot captured before a mutating
// provider call, from which the four system-label booleans are derived
// (spec.md §4.5 step 6, testable property 7).
type PreImage struct {
	Labels   []string
	Unread   bool
	Starred  bool
	InInbox  bool
	InTrash  bool
}

// FromLabels derives a PreImage from a message's current label set.
// Comparison against the canonical system-label tokens is case-sensitive
// uppercase, matching how the mail provider reports them.
func FromLabels(labels []string) PreImage {
	p := PreImage{Labels: labels}
	for _, l := range labels {
		switch l {
		case domain.SystemLabelUnread:
			p.Unread = true
		case domain.SystemLabelStarred:
			p.Starred = true
		case domain.SystemLabelInbox:
			p.InInbox = true
		case domain.SystemLabelTrash:
			p.InTrash = true
		}
	}
	return p
}
