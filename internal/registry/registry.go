// Package registry holds the persisted dedup state for the capture pipeline:
// the set of already-processed status ids plus the capture-enabled flag.
package registry

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"

	logx "relaybot/pkg/logx"
)

// state is the on-disk layout. Schema-stable; keep field names fixed.
type state struct {
	Enabled      bool     `json:"enabled"`
	SeenStatuses []string `json:"seenStatuses"`
}

// Registry is a durable set of seen status ids plus an enabled flag.
//
// Every mutation triggers a full-state write. A failed write is logged and
// does not roll back the in-memory state; memory and disk may diverge until
// the next successful write. That is acceptable because the registry is
// advisory: duplicate processing is wasteful, never unsafe.
//
// Ids are never evicted except by Clear(). Growth is unbounded; volume is
// bot-traffic scale.
type Registry struct {
	mu   sync.Mutex
	path string
	log  logx.Logger

	enabled bool
	seen    map[string]struct{}
	order   []string // insertion order, persisted as-is
}

// Open loads the registry from path. A missing file initializes to
// {enabled: true, seen: {}}; an unreadable or corrupt file is an error.
func Open(path string, log logx.Logger) (*Registry, error) {
	if path == "" {
		return nil, errors.New("registry path is required")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	r := &Registry{
		path:    path,
		log:     log,
		enabled: true,
		seen:    map[string]struct{}{},
	}

	b, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return r, nil
	}
	if err != nil {
		return nil, err
	}
	var st state
	if err := json.Unmarshal(b, &st); err != nil {
		return nil, err
	}
	r.enabled = st.Enabled
	for _, id := range st.SeenStatuses {
		if id == "" {
			continue
		}
		if _, ok := r.seen[id]; ok {
			continue
		}
		r.seen[id] = struct{}{}
		r.order = append(r.order, id)
	}
	return r, nil
}

func (r *Registry) Contains(id string) bool {
	r.mu.Lock()
	_, ok := r.seen[id]
	r.mu.Unlock()
	return ok
}

// Add records id as seen. Idempotent; a repeated id does not rewrite disk.
func (r *Registry) Add(id string) {
	if id == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.seen[id]; ok {
		return
	}
	r.seen[id] = struct{}{}
	r.order = append(r.order, id)
	r.persistLocked()
}

// Clear drops all seen ids. The enabled flag is unaffected.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seen = map[string]struct{}{}
	r.order = nil
	r.persistLocked()
}

func (r *Registry) SetEnabled(enabled bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.enabled == enabled {
		return
	}
	r.enabled = enabled
	r.persistLocked()
}

func (r *Registry) Enabled() bool {
	r.mu.Lock()
	en := r.enabled
	r.mu.Unlock()
	return en
}

// Seen reports the number of recorded ids.
func (r *Registry) Seen() int {
	r.mu.Lock()
	n := len(r.order)
	r.mu.Unlock()
	return n
}

func (r *Registry) persistLocked() {
	st := state{Enabled: r.enabled, SeenStatuses: r.order}
	if st.SeenStatuses == nil {
		st.SeenStatuses = []string{}
	}
	b, err := json.Marshal(st)
	if err != nil {
		r.log.Warn("registry marshal failed", logx.Err(err))
		return
	}
	if dir := filepath.Dir(r.path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			r.log.Warn("registry dir create failed", logx.String("dir", dir), logx.Err(err))
			return
		}
	}
	tmp := r.path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		r.log.Warn("registry write failed", logx.String("path", r.path), logx.Err(err))
		return
	}
	if err := os.Rename(tmp, r.path); err != nil {
		r.log.Warn("registry rename failed", logx.String("path", r.path), logx.Err(err))
	}
}
