// Package maintenance runs periodic housekeeping for the archive directory.
package maintenance

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	logx "relaybot/pkg/logx"
)

type Config struct {
	Enabled bool
	// Spec is a cron expression (five fields, local time).
	Spec string
	// Retention drops archive files older than this age. 0 disables the sweep.
	Retention time.Duration
	ArchiveDir string
}

type Service struct {
	mu   sync.Mutex
	cfg  Config
	cron *cron.Cron
	log  logx.Logger
}

func New(cfg Config, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{cfg: cfg, log: log}
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	en := s.cfg.Enabled
	s.mu.Unlock()
	return en
}

func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron != nil || !s.cfg.Enabled {
		return
	}

	spec := s.cfg.Spec
	if spec == "" {
		spec = "17 3 * * *" // once a night, off the full hour
	}

	c := cron.New()
	if _, err := c.AddFunc(spec, func() { s.sweep(ctx) }); err != nil {
		s.log.Warn("maintenance schedule rejected", logx.String("spec", spec), logx.Err(err))
		return
	}
	c.Start()
	s.cron = c
	s.log.Info("maintenance started",
		logx.String("spec", spec),
		logx.Duration("retention", s.cfg.Retention))
}

func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.cron
	s.cron = nil
	s.mu.Unlock()
	if c == nil {
		return
	}
	stopped := c.Stop()
	select {
	case <-stopped.Done():
	case <-ctx.Done():
	}
}

// Apply restarts the cron with the new config.
func (s *Service) Apply(ctx context.Context, cfg Config) {
	s.Stop(ctx)
	s.mu.Lock()
	s.cfg = cfg
	s.mu.Unlock()
	if cfg.Enabled {
		s.Start(ctx)
	}
}

// sweep removes archive files older than the retention window.
func (s *Service) sweep(ctx context.Context) {
	s.mu.Lock()
	dir := s.cfg.ArchiveDir
	retention := s.cfg.Retention
	s.mu.Unlock()

	if dir == "" || retention <= 0 {
		return
	}
	cutoff := time.Now().Add(-retention)

	var removed, failed int
	entries, err := os.ReadDir(dir)
	if err != nil {
		s.log.Warn("archive sweep failed", logx.String("dir", dir), logx.Err(err))
		return
	}
	for _, e := range entries {
		if ctx.Err() != nil {
			return
		}
		if e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(dir, e.Name())); err != nil {
			failed++
			continue
		}
		removed++
	}
	if removed > 0 || failed > 0 {
		s.log.Info("archive sweep done",
			logx.Int("removed", removed),
			logx.Int("failed", failed),
			logx.Duration("retention", retention))
	}
}
