package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	logx "relaybot/pkg/logx"
)

func TestOpenDisabled(t *testing.T) {
	t.Parallel()
	for _, driver := range []string{"", "none", "  NONE  "} {
		st, err := Open(Config{Driver: driver}, logx.Nop())
		if err != nil {
			t.Fatalf("Open(%q): %v", driver, err)
		}
		if st != nil {
			t.Fatalf("Open(%q) returned a store, want nil", driver)
		}
	}
}

func TestOpenUnknownDriver(t *testing.T) {
	t.Parallel()
	if _, err := Open(Config{Driver: "postgres"}, logx.Nop()); err == nil {
		t.Fatal("expected error for unknown driver")
	}
}

func TestFileStoreAppendAndCount(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "index.db")
	st, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer st.Close()

	ctx := context.Background()
	for i, id := range []string{"1:1", "1:2", "1:3"} {
		e := ArchiveEntry{
			At:       time.Date(2026, 8, 30, 10, i, 0, 0, time.UTC),
			EventID:  id,
			SenderID: "alice",
			Kind:     "text",
			Text:     "hello",
		}
		if err := st.AppendArchive(ctx, e); err != nil {
			t.Fatalf("AppendArchive: %v", err)
		}
	}

	n, err := st.ArchiveCount(ctx)
	if err != nil {
		t.Fatalf("ArchiveCount: %v", err)
	}
	if n != 3 {
		t.Fatalf("count = %d, want 3", n)
	}
}

func TestFileStoreCountSurvivesReopen(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "index.db")
	ctx := context.Background()

	st, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	for i := 0; i < 5; i++ {
		if err := st.AppendArchive(ctx, ArchiveEntry{EventID: "x", Kind: "text"}); err != nil {
			t.Fatalf("AppendArchive: %v", err)
		}
	}
	if err := st.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	st2, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer st2.Close()

	n, err := st2.ArchiveCount(ctx)
	if err != nil {
		t.Fatalf("ArchiveCount: %v", err)
	}
	if n != 5 {
		t.Fatalf("count after reopen = %d, want 5", n)
	}
	if err := st2.AppendArchive(ctx, ArchiveEntry{EventID: "y", Kind: "text"}); err != nil {
		t.Fatalf("append after reopen: %v", err)
	}
	if n, _ := st2.ArchiveCount(ctx); n != 6 {
		t.Fatalf("count = %d, want 6", n)
	}
}

func TestFileStoreRequiresPath(t *testing.T) {
	t.Parallel()
	if _, err := Open(Config{Driver: "file"}, logx.Nop()); err == nil {
		t.Fatal("expected error for file driver without path")
	}
}

func TestFileStoreClosedAppendFails(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "index.db")
	st, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := st.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := st.AppendArchive(context.Background(), ArchiveEntry{EventID: "z"}); err == nil {
		t.Fatal("append on closed store must fail")
	}
}
