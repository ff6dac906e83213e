package governance

import (
	"encoding/json"
	"regexp"

	"github.com/rahul/warden/internal/session"
)

// Risk classification is a pure function of (step, safety mode): a fixed rule
// table keyed by capability kind and the action name in the step descriptor,
// with regex escalation for destructive payloads. It is deterministic,
// side-effect-free, and evaluated once per step at plan time.

var tierByAction = map[session.Kind]map[string]session.Tier{
	session.KindDesktop: {
		"mouse_move": session.TierSafe,
		"screenshot": session.TierSafe,

		"mouse_click": session.TierModerate,
		"key_press":   session.TierModerate,
		"type_text":   session.TierModerate,
	},
	session.KindBrowser: {
		"content":    session.TierSafe,
		"read_page":  session.TierSafe,
		"screenshot": session.TierSafe,
		"scroll":     session.TierSafe,
		"wait":       session.TierSafe,
		"back":       session.TierSafe,
		"forward":    session.TierSafe,
		"reload":     session.TierSafe,
		"close":      session.TierSafe,

		"navigate": session.TierModerate,
		"click":    session.TierModerate,
		"type":     session.TierModerate,
		"press":    session.TierModerate,
	},
	session.KindSystem: {
		"read_file": session.TierSafe,
		"list_dir":  session.TierSafe,

		"write_file": session.TierModerate,
		"mkdir":      session.TierModerate,

		"run":         session.TierCritical,
		"delete_file": session.TierCritical,
	},
	session.KindApplication: {
		"search": session.TierSafe,
		"list":   session.TierSafe,

		"install":   session.TierCritical,
		"uninstall": session.TierCritical,
		"update":    session.TierCritical,
	},
}

// Payload patterns that force CRITICAL regardless of the action's base tier.
var criticalPayload = []*regexp.Regexp{
	regexp.MustCompile(`(?i)rm\s+-rf`),
	regexp.MustCompile(`(?i)\bmkfs\b`),
	regexp.MustCompile(`(?i)\bdd\s+if=`),
	regexp.MustCompile(`(?i)\bshutdown\b`),
	regexp.MustCompile(`(?i)\breboot\b`),
	regexp.MustCompile(`(?i)kill\s+-9`),
	regexp.MustCompile(`(?i)\bsudo\b`),
}

// Classify assigns a risk tier to a step. Unknown actions default to
// MODERATE so an unrecognised descriptor can never slip through as safe.
func Classify(step session.Step) session.Tier {
	for _, re := range criticalPayload {
		if re.Match(step.Action) {
			return session.TierCritical
		}
	}

	actions, ok := tierByAction[step.Kind]
	if !ok {
		return session.TierModerate
	}

	var desc struct {
		Action string `json:"action"`
	}
	if err := json.Unmarshal(step.Action, &desc); err != nil || desc.Action == "" {
		return session.TierModerate
	}

	tier, ok := actions[desc.Action]
	if !ok {
		return session.TierModerate
	}
	return tier
}

// RequiresConfirmation reports whether a tier needs human approval under the
// given safety mode. Under minimal mode nothing requires confirmation but
// every step is still audited.
func RequiresConfirmation(tier session.Tier, mode session.SafetyMode) bool {
	switch mode {
	case session.ModeStrict:
		return tier == session.TierModerate || tier == session.TierCritical
	case session.ModeModerate:
		return tier == session.TierCritical
	case session.ModeMinimal:
		return false
	}
	// Unknown modes behave as strict.
	return tier != session.TierSafe
}
