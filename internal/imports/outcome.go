package imports

import (
	"fmt"
	"strings"
)

// NoteNoValidProducts is the summary of a job that owns no products.
const NoteNoValidProducts = "no valid products"

// DecideOutcome computes the terminal state of a job from its product counts.
// ready is false while any product is still active.
func DecideOutcome(c Counts) (state JobState, note string, ready bool) {
	if c.Active() > 0 {
		return "", "", false
	}
	total := c.Total()
	if total == 0 {
		return JobError, NoteNoValidProducts, true
	}
	if c.Error == total {
		if c.InfraErrors > 0 {
			return JobError, fmt.Sprintf("all %d products failed: lookup infrastructure unavailable (%d affected)", total, c.InfraErrors), true
		}
		return JobError, fmt.Sprintf("all %d products failed", total), true
	}
	var parts []string
	if c.Error > 0 {
		part := fmt.Sprintf("%d errors", c.Error)
		if c.InfraErrors > 0 {
			part += fmt.Sprintf(" (%d infrastructure)", c.InfraErrors)
		}
		parts = append(parts, part)
	}
	if c.NotFound > 0 {
		parts = append(parts, fmt.Sprintf("%d not found", c.NotFound))
	}
	return JobDone, strings.Join(parts, ", "), true
}
