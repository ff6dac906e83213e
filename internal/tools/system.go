package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/rahul/warden/internal/session"
)

// SystemAdapter executes shell commands and workspace-rooted file
// operations. File paths are confined to the workspace root.
type SystemAdapter struct {
	Workspace string
}

func NewSystemAdapter(workspace string) *SystemAdapter {
	absRoot, _ := filepath.Abs(workspace)
	return &SystemAdapter{Workspace: absRoot}
}

func (s *SystemAdapter) Kind() session.Kind {
	return session.KindSystem
}

func (s *SystemAdapter) Execute(ctx context.Context, action json.RawMessage) Result {
	var args struct {
		Action  string `json:"action"`
		Command string `json:"command"`
		Path    string `json:"path"`
		Content string `json:"content"`
	}
	if err := json.Unmarshal(action, &args); err != nil {
		return failure(fmt.Sprintf("invalid action descriptor: %v", err))
	}

	switch args.Action {
	case "run":
		return s.runCommand(ctx, args.Command)
	case "read_file", "write_file", "list_dir", "delete_file", "mkdir":
		return s.fileOp(args.Action, args.Path, args.Content)
	default:
		return failure(fmt.Sprintf("unknown system action: %s", args.Action))
	}
}

func (s *SystemAdapter) runCommand(ctx context.Context, command string) Result {
	if command == "" {
		return failure("empty command")
	}

	cmd := exec.CommandContext(ctx, "bash", "-c", command)
	output, err := cmd.CombinedOutput()

	detail := strings.TrimSpace(string(output))
	if detail == "" {
		detail = "(no output)"
	}

	if err != nil {
		return failure(fmt.Sprintf("command failed: %v\nOutput: %s", err, detail))
	}
	return success(detail)
}

func (s *SystemAdapter) fileOp(op, name, content string) Result {
	if name == "" {
		return failure("path is required")
	}

	targetPath := filepath.Join(s.Workspace, name)
	rel, err := filepath.Rel(s.Workspace, targetPath)
	if err != nil || strings.HasPrefix(rel, "..") {
		return failure(fmt.Sprintf("unsafe path attempt: %s", name))
	}

	switch op {
	case "read_file":
		data, err := os.ReadFile(targetPath)
		if err != nil {
			return failure(fmt.Sprintf("failed to read file: %v", err))
		}
		return success(string(data))
	case "write_file":
		if err := os.WriteFile(targetPath, []byte(content), 0644); err != nil {
			return failure(fmt.Sprintf("failed to write file: %v", err))
		}
		return success(fmt.Sprintf("Wrote %s", name))
	case "list_dir":
		entries, err := os.ReadDir(targetPath)
		if err != nil {
			return failure(fmt.Sprintf("failed to list directory: %v", err))
		}
		var out strings.Builder
		for _, entry := range entries {
			typeStr := "file"
			if entry.IsDir() {
				typeStr = "dir"
			}
			fmt.Fprintf(&out, "[%s] %s\n", typeStr, entry.Name())
		}
		if out.Len() == 0 {
			return success("Directory is empty")
		}
		return success(out.String())
	case "delete_file":
		if err := os.Remove(targetPath); err != nil {
			return failure(fmt.Sprintf("failed to delete: %v", err))
		}
		return success(fmt.Sprintf("Deleted %s", name))
	case "mkdir":
		if err := os.MkdirAll(targetPath, 0755); err != nil {
			return failure(fmt.Sprintf("failed to create directory: %v", err))
		}
		return success(fmt.Sprintf("Created directory %s", name))
	}
	return failure("unreachable")
}

// Verify probes the postcondition of file operations: the target must exist
// after a write/mkdir and be gone after a delete. Shell commands have no
// generic postcondition beyond their exit status.
func (s *SystemAdapter) Verify(ctx context.Context, action json.RawMessage, res Result) error {
	var args struct {
		Action string `json:"action"`
		Path   string `json:"path"`
	}
	if err := json.Unmarshal(action, &args); err != nil {
		return nil
	}

	targetPath := filepath.Join(s.Workspace, args.Path)
	switch args.Action {
	case "write_file", "mkdir":
		if _, err := os.Stat(targetPath); err != nil {
			return fmt.Errorf("postcondition failed: %s does not exist after %s", args.Path, args.Action)
		}
	case "delete_file":
		if _, err := os.Stat(targetPath); err == nil {
			return fmt.Errorf("postcondition failed: %s still exists after delete", args.Path)
		}
	}
	return nil
}
