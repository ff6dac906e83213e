package governance

import (
	"strings"
	"testing"
)

func TestSanitizeCommand(t *testing.T) {
	if got := SanitizeCommand("  install htop  "); got != "install htop" {
		t.Errorf("got %q", got)
	}
	if got := SanitizeCommand(`<script>alert(1)</script>open a browser`); got != "open a browser" {
		t.Errorf("markup not stripped: %q", got)
	}
	long := strings.Repeat("a", 3000)
	if got := SanitizeCommand(long); len(got) != maxCommandLength {
		t.Errorf("length = %d, want %d", len(got), maxCommandLength)
	}
}
