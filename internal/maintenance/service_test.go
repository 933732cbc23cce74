package maintenance

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	logx "relaybot/pkg/logx"
)

func touch(t *testing.T, dir, name string, age time.Duration) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte("x"), 0o600); err != nil {
		t.Fatal(err)
	}
	if age > 0 {
		old := time.Now().Add(-age)
		if err := os.Chtimes(path, old, old); err != nil {
			t.Fatal(err)
		}
	}
	return path
}

func TestSweepRemovesOnlyExpiredFiles(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	old := touch(t, dir, "old.txt", 48*time.Hour)
	fresh := touch(t, dir, "fresh.txt", 0)
	if err := os.Mkdir(filepath.Join(dir, "subdir"), 0o755); err != nil {
		t.Fatal(err)
	}

	s := New(Config{Enabled: true, Retention: 24 * time.Hour, ArchiveDir: dir}, logx.Nop())
	s.sweep(context.Background())

	if _, err := os.Stat(old); !os.IsNotExist(err) {
		t.Fatalf("expired file still present (stat err = %v)", err)
	}
	if _, err := os.Stat(fresh); err != nil {
		t.Fatalf("fresh file removed: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "subdir")); err != nil {
		t.Fatalf("directories must be left alone: %v", err)
	}
}

func TestSweepDisabledByZeroRetention(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	old := touch(t, dir, "old.txt", 48*time.Hour)

	s := New(Config{Enabled: true, Retention: 0, ArchiveDir: dir}, logx.Nop())
	s.sweep(context.Background())

	if _, err := os.Stat(old); err != nil {
		t.Fatalf("zero retention must not remove anything: %v", err)
	}
}

func TestSweepMissingDirIsHarmless(t *testing.T) {
	t.Parallel()
	s := New(Config{
		Enabled:    true,
		Retention:  time.Hour,
		ArchiveDir: filepath.Join(t.TempDir(), "nope"),
	}, logx.Nop())
	s.sweep(context.Background()) // must not panic
}

func TestStartRejectsBadSpec(t *testing.T) {
	t.Parallel()
	s := New(Config{Enabled: true, Spec: "not a cron"}, logx.Nop())
	s.Start(context.Background())
	defer s.Stop(context.Background())
	if s.cron != nil {
		t.Fatal("bad spec must not install a schedule")
	}
}

func TestStartStopLifecycle(t *testing.T) {
	t.Parallel()
	s := New(Config{Enabled: true, Retention: time.Hour, ArchiveDir: t.TempDir()}, logx.Nop())
	ctx := context.Background()

	s.Start(ctx)
	if s.cron == nil {
		t.Fatal("Start must install the schedule")
	}
	s.Start(ctx) // idempotent

	stopCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	s.Stop(stopCtx)
	if s.cron != nil {
		t.Fatal("Stop must clear the schedule")
	}

	// Disabled config keeps the service stopped.
	s.Apply(ctx, Config{Enabled: false})
	if s.cron != nil {
		t.Fatal("Apply with disabled config must not restart")
	}
}
