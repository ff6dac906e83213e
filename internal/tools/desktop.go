package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/rahul/warden/internal/session"
)

// DesktopAdapter drives the GUI through xdotool and captures the screen
// with ffmpeg (scrot as fallback).
type DesktopAdapter struct {
	ScreenshotDir string
}

func NewDesktopAdapter() *DesktopAdapter {
	return &DesktopAdapter{ScreenshotDir: "screenshots"}
}

func (d *DesktopAdapter) Kind() session.Kind {
	return session.KindDesktop
}

func (d *DesktopAdapter) Execute(ctx context.Context, action json.RawMessage) Result {
	var args struct {
		Action string `json:"action"`
		X      int    `json:"x"`
		Y      int    `json:"y"`
		Button string `json:"button"`
		Key    string `json:"key"`
		Text   string `json:"text"`
	}
	if err := json.Unmarshal(action, &args); err != nil {
		return failure(fmt.Sprintf("invalid action descriptor: %v", err))
	}

	switch args.Action {
	case "screenshot":
		return d.captureDesktop(ctx)
	case "mouse_move", "mouse_click", "key_press", "type_text":
		return d.runXdotool(ctx, args.Action, args.X, args.Y, args.Button, args.Key, args.Text)
	default:
		return failure(fmt.Sprintf("unknown desktop action: %s", args.Action))
	}
}

func (d *DesktopAdapter) captureDesktop(ctx context.Context) Result {
	os.MkdirAll(d.ScreenshotDir, 0755)
	filename := fmt.Sprintf("desktop_%d.png", time.Now().Unix())
	path := filepath.Join(d.ScreenshotDir, filename)

	cmd := exec.CommandContext(ctx, "ffmpeg", "-f", "x11grab", "-i", ":0.0", "-frames:v", "1", path, "-y")
	output, err := cmd.CombinedOutput()
	if err != nil {
		cmd = exec.CommandContext(ctx, "scrot", path)
		output, err = cmd.CombinedOutput()
		if err != nil {
			return failure(fmt.Sprintf("screen capture failed: %v\nOutput: %s", err, string(output)))
		}
	}

	absPath, _ := filepath.Abs(path)
	return success(fmt.Sprintf("Desktop screenshot saved to %s", absPath))
}

func (d *DesktopAdapter) runXdotool(ctx context.Context, action string, x, y int, button, key, text string) Result {
	var cmdArgs []string
	switch action {
	case "mouse_move":
		cmdArgs = []string{"mousemove", strconv.Itoa(x), strconv.Itoa(y)}
	case "mouse_click":
		if button == "" {
			button = "1"
		}
		cmdArgs = []string{"click", button}
	case "key_press":
		if key == "" {
			return failure("key is required for key_press")
		}
		cmdArgs = []string{"key", key}
	case "type_text":
		if text == "" {
			return failure("text is required for type_text")
		}
		cmdArgs = []string{"type", text}
	}

	cmd := exec.CommandContext(ctx, "xdotool", cmdArgs...)
	output, err := cmd.CombinedOutput()
	if err != nil {
		if strings.Contains(err.Error(), "executable file not found") {
			return failure("xdotool is not installed")
		}
		// X server hiccups (BadWindow etc.) usually clear on retry.
		return transient(fmt.Sprintf("xdotool failed: %v\nOutput: %s", err, string(output)))
	}

	return success(fmt.Sprintf("Executed desktop action: %s", action))
}
