package registry

import (
	"os"
	"path/filepath"
	"testing"

	logx "relaybot/pkg/logx"
)

func TestOpenMissingFileDefaults(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "registry.json")

	r, err := Open(path, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if !r.Enabled() {
		t.Fatal("fresh registry must default to enabled")
	}
	if r.Seen() != 0 {
		t.Fatalf("Seen = %d, want 0", r.Seen())
	}
}

func TestOpenCorruptFile(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "registry.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := Open(path, logx.Nop()); err == nil {
		t.Fatal("expected error for corrupt registry file")
	}
}

func TestAddIsIdempotent(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "registry.json")
	r, err := Open(path, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	r.Add("a")
	r.Add("a")
	r.Add("b")
	r.Add("") // ignored

	if got := r.Seen(); got != 2 {
		t.Fatalf("Seen = %d, want 2", got)
	}
	if !r.Contains("a") || !r.Contains("b") {
		t.Fatal("added ids must be contained")
	}
	if r.Contains("c") {
		t.Fatal("unexpected id")
	}
}

func TestStateSurvivesReopen(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "registry.json")

	r, err := Open(path, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	r.Add("x")
	r.Add("y")
	r.SetEnabled(false)

	r2, err := Open(path, logx.Nop())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if r2.Enabled() {
		t.Fatal("disabled flag must survive reopen")
	}
	if r2.Seen() != 2 || !r2.Contains("x") || !r2.Contains("y") {
		t.Fatalf("seen set lost across reopen: %d ids", r2.Seen())
	}
}

func TestClearKeepsEnabledFlag(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "registry.json")
	r, err := Open(path, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	r.Add("a")
	r.SetEnabled(false)
	r.Clear()

	if r.Seen() != 0 {
		t.Fatalf("Seen = %d after Clear, want 0", r.Seen())
	}
	if r.Enabled() {
		t.Fatal("Clear must not touch the enabled flag")
	}

	r2, err := Open(path, logx.Nop())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if r2.Seen() != 0 || r2.Enabled() {
		t.Fatal("cleared state must persist")
	}
}
