package storage

import (
	"errors"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures storage.
//
// Driver values:
//   - "file": dependency-free file backend (jsonl)
//   - "sqlite": SQLite database file (optional build tag)
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// ArchiveEntry is the metadata row recorded for each captured status.
// Keep it compact and schema-stable.
type ArchiveEntry struct {
	At          time.Time `json:"at"`
	EventID     string    `json:"event_id"`
	SenderID    string    `json:"sender_id"`
	Kind        string    `json:"kind"`
	Text        string    `json:"text,omitempty"`
	MediaPath   string    `json:"media_path,omitempty"`
	CaptionPath string    `json:"caption_path,omitempty"`
	MediaBytes  int       `json:"media_bytes,omitempty"`
}
