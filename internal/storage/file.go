package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"

	logx "relaybot/pkg/logx"
)

// fileStore is a dependency-free persistence backend.
//
// Layout: <prefix>.archive.jsonl (append-only JSON Lines). The row count is
// established by scanning once on open and kept in memory afterwards.
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	archiveFile *os.File
	count       int64
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	archivePath := prefix + ".archive.jsonl"
	count, err := countLines(archivePath)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	f, err := os.OpenFile(archivePath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}

	return &fileStore{log: log, archiveFile: f, count: count}, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.archiveFile == nil {
		return nil
	}
	err := s.archiveFile.Close()
	s.archiveFile = nil
	return err
}

func (s *fileStore) AppendArchive(ctx context.Context, e ArchiveEntry) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.archiveFile == nil {
		return errors.New("archive index closed")
	}
	if err := json.NewEncoder(s.archiveFile).Encode(e); err != nil {
		return err
	}
	s.count++
	return nil
}

func (s *fileStore) ArchiveCount(ctx context.Context) (int64, error) {
	_ = ctx
	s.mu.Lock()
	n := s.count
	s.mu.Unlock()
	return n, nil
}

func countLines(path string) (int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	var n int64
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		if strings.TrimSpace(sc.Text()) != "" {
			n++
		}
	}
	return n, sc.Err()
}
