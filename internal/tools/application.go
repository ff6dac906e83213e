package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"

	"github.com/rahul/warden/internal/session"
)

// Package managers probed in preference order.
var packageManagers = []string{"apt-get", "dnf", "yum", "pacman", "snap", "brew"}

// ApplicationAdapter installs, removes and updates software through the
// first package manager found on the host.
type ApplicationAdapter struct {
	manager string
}

func NewApplicationAdapter() *ApplicationAdapter {
	return &ApplicationAdapter{}
}

func (a *ApplicationAdapter) Kind() session.Kind {
	return session.KindApplication
}

func (a *ApplicationAdapter) detectManager() (string, error) {
	if a.manager != "" {
		return a.manager, nil
	}
	for _, pm := range packageManagers {
		if _, err := exec.LookPath(pm); err == nil {
			a.manager = pm
			return pm, nil
		}
	}
	return "", fmt.Errorf("no supported package manager found")
}

func (a *ApplicationAdapter) Execute(ctx context.Context, action json.RawMessage) Result {
	var args struct {
		Action  string `json:"action"`
		Package string `json:"package"`
	}
	if err := json.Unmarshal(action, &args); err != nil {
		return failure(fmt.Sprintf("invalid action descriptor: %v", err))
	}

	pm, err := a.detectManager()
	if err != nil {
		return failure(err.Error())
	}

	command, err := buildPackageCommand(pm, args.Action, args.Package)
	if err != nil {
		return failure(err.Error())
	}

	cmd := exec.CommandContext(ctx, "bash", "-c", command)
	output, runErr := cmd.CombinedOutput()
	detail := strings.TrimSpace(string(output))
	if detail == "" {
		detail = "(no output)"
	}

	if runErr != nil {
		// A held dpkg/rpm lock clears once the other process finishes.
		if strings.Contains(detail, "lock") || strings.Contains(detail, "Lock") {
			return transient(fmt.Sprintf("package manager busy: %s", detail))
		}
		return failure(fmt.Sprintf("%s %s failed: %v\nOutput: %s", pm, args.Action, runErr, detail))
	}
	return success(detail)
}

func buildPackageCommand(pm, action, pkg string) (string, error) {
	if action != "list" && pkg == "" {
		return "", fmt.Errorf("package is required for %s", action)
	}

	switch action {
	case "install":
		switch pm {
		case "apt-get":
			return fmt.Sprintf("apt-get install -y %s", pkg), nil
		case "dnf", "yum":
			return fmt.Sprintf("%s install -y %s", pm, pkg), nil
		case "pacman":
			return fmt.Sprintf("pacman -S --noconfirm %s", pkg), nil
		case "snap":
			return fmt.Sprintf("snap install %s", pkg), nil
		case "brew":
			return fmt.Sprintf("brew install %s", pkg), nil
		}
	case "uninstall":
		switch pm {
		case "apt-get":
			return fmt.Sprintf("apt-get remove -y %s", pkg), nil
		case "dnf", "yum":
			return fmt.Sprintf("%s remove -y %s", pm, pkg), nil
		case "pacman":
			return fmt.Sprintf("pacman -R --noconfirm %s", pkg), nil
		case "snap":
			return fmt.Sprintf("snap remove %s", pkg), nil
		case "brew":
			return fmt.Sprintf("brew uninstall %s", pkg), nil
		}
	case "update":
		switch pm {
		case "apt-get":
			return fmt.Sprintf("apt-get install -y --only-upgrade %s", pkg), nil
		case "dnf", "yum":
			return fmt.Sprintf("%s upgrade -y %s", pm, pkg), nil
		case "pacman":
			return fmt.Sprintf("pacman -S --noconfirm %s", pkg), nil
		case "snap":
			return fmt.Sprintf("snap refresh %s", pkg), nil
		case "brew":
			return fmt.Sprintf("brew upgrade %s", pkg), nil
		}
	case "search":
		switch pm {
		case "apt-get":
			return fmt.Sprintf("apt-cache search %s", pkg), nil
		case "dnf", "yum":
			return fmt.Sprintf("%s search %s", pm, pkg), nil
		case "pacman":
			return fmt.Sprintf("pacman -Ss %s", pkg), nil
		case "snap":
			return fmt.Sprintf("snap find %s", pkg), nil
		case "brew":
			return fmt.Sprintf("brew search %s", pkg), nil
		}
	case "list":
		switch pm {
		case "apt-get":
			return "dpkg -l", nil
		case "dnf", "yum":
			return fmt.Sprintf("%s list installed", pm), nil
		case "pacman":
			return "pacman -Q", nil
		case "snap":
			return "snap list", nil
		case "brew":
			return "brew list", nil
		}
	default:
		return "", fmt.Errorf("unknown application action: %s", action)
	}
	return "", fmt.Errorf("action %s not supported for %s", action, pm)
}

// Verify checks that an installed package is actually present afterwards.
func (a *ApplicationAdapter) Verify(ctx context.Context, action json.RawMessage, res Result) error {
	var args struct {
		Action  string `json:"action"`
		Package string `json:"package"`
	}
	if err := json.Unmarshal(action, &args); err != nil || args.Action != "install" {
		return nil
	}

	pm, err := a.detectManager()
	if err != nil {
		return nil
	}

	var probe string
	switch pm {
	case "apt-get":
		probe = fmt.Sprintf("dpkg -s %s", args.Package)
	case "dnf", "yum":
		probe = fmt.Sprintf("rpm -q %s", args.Package)
	case "pacman":
		probe = fmt.Sprintf("pacman -Qi %s", args.Package)
	case "snap":
		probe = fmt.Sprintf("snap list %s", args.Package)
	case "brew":
		probe = fmt.Sprintf("brew list %s", args.Package)
	default:
		return nil
	}

	cmd := exec.CommandContext(ctx, "bash", "-c", probe)
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("postcondition failed: %s not present after install", args.Package)
	}
	return nil
}
