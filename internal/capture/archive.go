package capture

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"

	"relaybot/internal/classify"
	"relaybot/internal/storage"
	"relaybot/internal/transport"
	logx "relaybot/pkg/logx"
)

// Archiver writes one file per captured status under the archive dir and
// appends a metadata row to the optional storage index.
type Archiver struct {
	dir   string
	store storage.Store // nil when storage is disabled
	log   logx.Logger
}

func NewArchiver(dir string, store storage.Store, log logx.Logger) *Archiver {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Archiver{dir: dir, store: store, log: log}
}

// Archive persists the event content. For text variants the literal text is
// written; for media variants the downloaded bytes are written with the
// caption as a sidecar file. A nil media slice for a media variant archives
// metadata only (the download already failed and was logged upstream).
func (a *Archiver) Archive(ctx context.Context, ev transport.StatusEvent, c classify.Content, media []byte, at time.Time) (storage.ArchiveEntry, error) {
	if err := os.MkdirAll(a.dir, 0o755); err != nil {
		return storage.ArchiveEntry{}, fmt.Errorf("archive dir: %w", err)
	}

	base := archiveBaseName(at, ev.ID)
	entry := storage.ArchiveEntry{
		At:       at,
		EventID:  ev.ID,
		SenderID: ev.SenderID,
		Kind:     string(c.Kind),
		Text:     c.Text,
	}

	switch {
	case len(media) > 0:
		name := base + mediaExt(c, media)
		path := filepath.Join(a.dir, name)
		if err := os.WriteFile(path, media, 0o600); err != nil {
			return storage.ArchiveEntry{}, fmt.Errorf("archive media: %w", err)
		}
		entry.MediaPath = path
		entry.MediaBytes = len(media)
		if strings.TrimSpace(c.Text) != "" {
			capPath := filepath.Join(a.dir, base+".caption.txt")
			if err := os.WriteFile(capPath, []byte(c.Text), 0o600); err != nil {
				// Sidecar loss is not worth failing the archive over.
				a.log.Warn("caption sidecar write failed", logx.String("path", capPath), logx.Err(err))
			} else {
				entry.CaptionPath = capPath
			}
		}
	default:
		path := filepath.Join(a.dir, base+".txt")
		body := c.Text
		if strings.TrimSpace(body) == "" {
			body = "[" + string(c.Kind) + "]"
		}
		if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
			return storage.ArchiveEntry{}, fmt.Errorf("archive text: %w", err)
		}
	}

	if a.store != nil {
		if err := a.store.AppendArchive(ctx, entry); err != nil {
			// Index loss is transient I/O; the on-disk archive is intact.
			a.log.Warn("archive index append failed", logx.String("event", ev.ID), logx.Err(err))
		}
	}
	return entry, nil
}

// Count reports the number of indexed archive entries (0 when disabled).
func (a *Archiver) Count(ctx context.Context) int64 {
	if a.store == nil {
		return 0
	}
	n, err := a.store.ArchiveCount(ctx)
	if err != nil {
		a.log.Debug("archive count failed", logx.Err(err))
		return 0
	}
	return n
}

// archiveBaseName derives a deterministic file name from the capture time
// and the event id.
func archiveBaseName(at time.Time, eventID string) string {
	return at.UTC().Format("20060102T150405") + "_" + sanitizeID(eventID)
}

func sanitizeID(id string) string {
	var b strings.Builder
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('-')
		}
	}
	s := b.String()
	if s == "" {
		s = "event"
	}
	if len(s) > 64 {
		s = s[:64]
	}
	return s
}

func mediaExt(c classify.Content, media []byte) string {
	// Document names win when present.
	if c.Filename != "" {
		if ext := filepath.Ext(c.Filename); ext != "" {
			return ext
		}
	}
	if mt := mimetype.Detect(media); mt != nil && mt.Extension() != "" {
		return mt.Extension()
	}
	return ".bin"
}
