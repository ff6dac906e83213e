package governance

import (
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

const maxCommandLength = 2000

var strict = bluemonday.StrictPolicy()

// SanitizeCommand strips any markup from inbound command text and caps its
// length before it reaches the planner or the ledger.
func SanitizeCommand(text string) string {
	clean := strict.Sanitize(text)
	clean = strings.TrimSpace(clean)
	if len(clean) > maxCommandLength {
		clean = clean[:maxCommandLength]
	}
	return clean
}
