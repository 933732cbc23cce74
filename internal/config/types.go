package config

import (
	"fmt"
	"strings"
)

type Config struct {
	Telegram  TelegramConfig  `json:"telegram"`
	Logging   LoggingConfig   `json:"logging"`
	Capture   CaptureConfig   `json:"capture"`
	Broadcast BroadcastConfig `json:"broadcast"`

	Storage     *StorageConfig     `json:"storage,omitempty"`
	Maintenance *MaintenanceConfig `json:"maintenance,omitempty"`
	Pprof       PprofConfig        `json:"pprof,omitempty"`
}

type TelegramConfig struct {
	Token        string  `json:"token"`
	OwnerUserIDs []int64 `json:"owner_user_ids"`
	// StatusChats lists the chat ids whose posts are treated as status
	// broadcasts and fed to the capture pipeline.
	StatusChats []int64 `json:"status_chats"`
	// PollTimeout is a Go duration string (e.g. "10s", "2m").
	PollTimeout string `json:"poll_timeout"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
	Chat    LoggingChat `json:"chat"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// LoggingChat mirrors warn+ log lines into a chat for remote operation.
type LoggingChat struct {
	Enabled    bool   `json:"enabled"`
	Target     string `json:"target"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// CaptureConfig controls the status capture pipeline. The on/off switch is
// deliberately NOT here: it lives in the registry file so toggles survive
// restarts without a config edit.
type CaptureConfig struct {
	// RegistryPath is the JSON file holding the seen-id set and the
	// enabled flag. Default: "./relaybot_registry.json".
	RegistryPath string `json:"registry_path"`
	// ArchiveDir receives one file per captured status (plus caption
	// sidecars). Default: "./status_archive".
	ArchiveDir string `json:"archive_dir"`
	// ForwardTo is the recipient id for forwarded status summaries.
	// Empty disables forwarding.
	ForwardTo string `json:"forward_to,omitempty"`
}

// BroadcastConfig controls the batched broadcast dispatcher.
//
// All delays are Go duration strings (e.g. "5s", "1m").
type BroadcastConfig struct {
	Enabled bool `json:"enabled"`

	MaxTotal  int `json:"max_total,omitempty"`
	BatchSize int `json:"batch_size,omitempty"`

	// MessageDelayMin/Max bound the jitter between sends within a batch.
	MessageDelayMin string `json:"message_delay_min,omitempty"`
	MessageDelayMax string `json:"message_delay_max,omitempty"`

	// BatchDelayStep scales the escalating wait between batches.
	BatchDelayStep string `json:"batch_delay_step,omitempty"`

	RatePerSec int `json:"rate_per_sec,omitempty"`
	QueueSize  int `json:"queue_size,omitempty"`

	// StatusMax/StatusTTL bound the finished-job status map.
	StatusMax int    `json:"status_max,omitempty"`
	StatusTTL string `json:"status_ttl,omitempty"`
}

// StorageConfig controls the optional archive index.
//
// Example:
//
//	"storage": { "driver": "file", "path": "./relaybot_store" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

// MaintenanceConfig controls the periodic archive retention sweep.
type MaintenanceConfig struct {
	Enabled bool `json:"enabled"`
	// Spec is a cron expression. Default: "17 3 * * *".
	Spec string `json:"spec,omitempty"`
	// Retention is a Go duration string; files older than this are removed.
	// "0s" disables the sweep while keeping the schedule.
	Retention string `json:"retention,omitempty"`
}

// PprofConfig controls the optional pprof HTTP server.
//
// Security note:
//   - Prefer binding to localhost (e.g. "127.0.0.1:6060").
//   - If you bind to a non-loopback address, set a token or explicitly allow_insecure.
type PprofConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`   // default: "127.0.0.1:6060"
	Prefix        string `json:"prefix,omitempty"` // default: "/debug/pprof/"
	Token         string `json:"token,omitempty"`  // optional bearer token (do not log)
	AllowInsecure bool   `json:"allow_insecure,omitempty"`

	// Server timeouts (Go duration strings). WriteTimeout defaults to 0 (disabled)
	// so /profile (which can take 30s+) works reliably.
	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`
}

// Validate performs static checks that don't need a live transport. It is
// installed as the watcher's validator so a bad edit never replaces a good
// running config.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Telegram.Token) == "" {
		return fmt.Errorf("telegram.token is required")
	}
	if _, err := ParseDurationField("telegram.poll_timeout", c.Telegram.PollTimeout); err != nil {
		return err
	}

	minD, err := ParseDurationField("broadcast.message_delay_min", c.Broadcast.MessageDelayMin)
	if err != nil {
		return err
	}
	maxD, err := ParseDurationField("broadcast.message_delay_max", c.Broadcast.MessageDelayMax)
	if err != nil {
		return err
	}
	if minD > 0 && maxD > 0 && maxD < minD {
		return fmt.Errorf("broadcast.message_delay_max must be >= message_delay_min")
	}
	if _, err := ParseDurationField("broadcast.batch_delay_step", c.Broadcast.BatchDelayStep); err != nil {
		return err
	}
	if _, err := ParseDurationField("broadcast.status_ttl", c.Broadcast.StatusTTL); err != nil {
		return err
	}

	if c.Storage != nil {
		switch strings.TrimSpace(c.Storage.Driver) {
		case "", "file", "sqlite":
		default:
			return fmt.Errorf("storage.driver: unknown driver %q", c.Storage.Driver)
		}
		if _, err := ParseDurationField("storage.busy_timeout", c.Storage.BusyTimeout); err != nil {
			return err
		}
	}
	if c.Maintenance != nil {
		if _, err := ParseDurationField("maintenance.retention", c.Maintenance.Retention); err != nil {
			return err
		}
	}
	return nil
}
