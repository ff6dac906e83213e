package governance

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"

	"github.com/rahul/warden/internal/session"
)

var ErrPermissionDenied = errors.New("permission denied")

// Default deny rules: destructive payloads that never execute, independent
// of risk tier or confirmation.
var defaultDenied = []string{
	`rm\s+-rf\s+/(\s|$)`,
	`\bmkfs\.`,
	`dd\s+if=.*of=/dev/(sd|nvme|vd)`,
	`:\(\)\s*\{.*:\|:.*\};`,
	`>\s*/dev/(sd|nvme|vd)`,
}

// Guard enforces the capability allow-list and the dangerous-pattern
// deny-list. A disabled capability can never execute, even with explicit
// approval.
type Guard struct {
	enabled map[session.Kind]bool
	denied  []*regexp.Regexp
}

func NewGuard(enabled map[session.Kind]bool) *Guard {
	g := &Guard{
		enabled: make(map[session.Kind]bool, len(enabled)),
	}
	for k, v := range enabled {
		g.enabled[k] = v
	}
	for _, p := range defaultDenied {
		// Patterns are compile-time constants; a bad one is a programming error.
		g.denied = append(g.denied, regexp.MustCompile(`(?i)`+p))
	}
	return g
}

// DenyPattern adds a deny rule matched against raw action descriptors.
func (g *Guard) DenyPattern(pattern string) error {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return err
	}
	g.denied = append(g.denied, re)
	return nil
}

// CheckKind rejects steps whose capability kind is disabled in configuration.
func (g *Guard) CheckKind(kind session.Kind) error {
	if !g.enabled[kind] {
		return fmt.Errorf("%w: capability %q is disabled", ErrPermissionDenied, kind)
	}
	return nil
}

// CheckAction rejects action descriptors matching a deny rule.
func (g *Guard) CheckAction(action json.RawMessage) error {
	for _, re := range g.denied {
		if re.Match(action) {
			return fmt.Errorf("%w: action matches restricted pattern %s", ErrPermissionDenied, re.String())
		}
	}
	return nil
}
