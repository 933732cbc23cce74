package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeConfig(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestParseJSON(t *testing.T) {
	t.Parallel()
	path := writeConfig(t, "config.json", `{
		"telegram": {
			"token": "123:abc",
			"owner_user_ids": [42],
			"status_chats": [-100],
			"poll_timeout": "10s"
		},
		"capture": {"forward_to": "42"},
		"broadcast": {"enabled": true, "max_total": 50}
	}`)

	cfg, err := NewConfigManager(path).Parse()
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Telegram.Token != "123:abc" {
		t.Fatalf("token = %q", cfg.Telegram.Token)
	}
	if len(cfg.Telegram.OwnerUserIDs) != 1 || cfg.Telegram.OwnerUserIDs[0] != 42 {
		t.Fatalf("owners = %v", cfg.Telegram.OwnerUserIDs)
	}
	if !cfg.Broadcast.Enabled || cfg.Broadcast.MaxTotal != 50 {
		t.Fatalf("broadcast = %+v", cfg.Broadcast)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestParseYAML(t *testing.T) {
	t.Parallel()
	path := writeConfig(t, "config.yaml", `
telegram:
  token: "123:abc"
  owner_user_ids: [42]
  status_chats: [-100]
broadcast:
  enabled: true
  batch_size: 10
  message_delay_min: 5s
  message_delay_max: 8s
storage:
  driver: file
  path: ./store
`)

	cfg, err := NewConfigManager(path).Parse()
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Broadcast.BatchSize != 10 || cfg.Broadcast.MessageDelayMin != "5s" {
		t.Fatalf("broadcast = %+v", cfg.Broadcast)
	}
	if cfg.Storage == nil || cfg.Storage.Driver != "file" {
		t.Fatalf("storage = %+v", cfg.Storage)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestParseRejectsUnknownFields(t *testing.T) {
	t.Parallel()
	path := writeConfig(t, "config.json", `{"telegram": {"token": "x", "typo_field": 1}}`)
	if _, err := NewConfigManager(path).Parse(); err == nil {
		t.Fatal("expected unknown-field error")
	}
}

func TestParseRejectsTrailingData(t *testing.T) {
	t.Parallel()
	path := writeConfig(t, "config.json", `{"telegram": {"token": "x"}} {"extra": true}`)
	_, err := NewConfigManager(path).Parse()
	if err == nil {
		t.Fatal("expected trailing-data error")
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()
	base := func() *Config {
		return &Config{Telegram: TelegramConfig{Token: "123:abc"}}
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "minimal ok", mutate: func(*Config) {}},
		{
			name:    "missing token",
			mutate:  func(c *Config) { c.Telegram.Token = "  " },
			wantErr: "telegram.token",
		},
		{
			name:    "bad poll timeout",
			mutate:  func(c *Config) { c.Telegram.PollTimeout = "soon" },
			wantErr: "poll_timeout",
		},
		{
			name: "delay max below min",
			mutate: func(c *Config) {
				c.Broadcast.MessageDelayMin = "8s"
				c.Broadcast.MessageDelayMax = "5s"
			},
			wantErr: "message_delay_max",
		},
		{
			name:    "bad status ttl",
			mutate:  func(c *Config) { c.Broadcast.StatusTTL = "never" },
			wantErr: "status_ttl",
		},
		{
			name:    "unknown storage driver",
			mutate:  func(c *Config) { c.Storage = &StorageConfig{Driver: "redis"} },
			wantErr: "storage.driver",
		},
		{
			name:    "bad retention",
			mutate:  func(c *Config) { c.Maintenance = &MaintenanceConfig{Retention: "forever"} },
			wantErr: "maintenance.retention",
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := base()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("err = %v, want mention of %q", err, tt.wantErr)
			}
		})
	}
}

func TestParseDurationField(t *testing.T) {
	t.Parallel()
	if d, err := ParseDurationField("x", ""); err != nil || d != 0 {
		t.Fatalf("empty: d=%v err=%v", d, err)
	}
	if d, err := ParseDurationField("x", "90s"); err != nil || d.Seconds() != 90 {
		t.Fatalf("90s: d=%v err=%v", d, err)
	}
	if _, err := ParseDurationField("x", "5 parsecs"); err == nil {
		t.Fatal("expected error for junk duration")
	}
}

func TestSubscribePublishKeepsNewest(t *testing.T) {
	t.Parallel()
	m := NewConfigManager("unused")
	ch := m.Subscribe(1)

	first := &Config{Telegram: TelegramConfig{Token: "first"}}
	second := &Config{Telegram: TelegramConfig{Token: "second"}}
	m.publish(first)
	m.publish(second)

	got := <-ch
	if got != second {
		t.Fatalf("got token %q, want the newest config", got.Telegram.Token)
	}

	m.Unsubscribe(ch)
	if _, ok := <-ch; ok {
		t.Fatal("Unsubscribe must close the channel")
	}
}

func TestReloadSkipsUnchangedAndCommitsChanged(t *testing.T) {
	t.Parallel()
	path := writeConfig(t, "config.json", `{"telegram": {"token": "x"}}`)
	m := NewConfigManager(path)
	if _, err := m.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	ch := m.Subscribe(1)

	m.reload(context.Background())
	select {
	case <-ch:
		t.Fatal("unchanged content must not be republished")
	default:
	}

	if err := os.WriteFile(path, []byte(`{"telegram": {"token": "y"}}`), 0o600); err != nil {
		t.Fatal(err)
	}
	m.reload(context.Background())
	select {
	case cfg := <-ch:
		if cfg.Telegram.Token != "y" {
			t.Fatalf("published token = %q, want y", cfg.Telegram.Token)
		}
	default:
		t.Fatal("changed content must publish")
	}
	if m.Get().Telegram.Token != "y" {
		t.Fatal("reload must commit the new config")
	}
}

func TestReloadRespectsValidator(t *testing.T) {
	t.Parallel()
	path := writeConfig(t, "config.json", `{"telegram": {"token": "x"}}`)
	m := NewConfigManager(path)
	if _, err := m.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	m.SetValidator(func(ctx context.Context, cfg *Config) error {
		return cfg.Validate()
	})
	ch := m.Subscribe(1)

	// Whitespace-only token parses fine but fails validation.
	if err := os.WriteFile(path, []byte(`{"telegram": {"token": "  "}}`), 0o600); err != nil {
		t.Fatal(err)
	}
	m.reload(context.Background())
	select {
	case <-ch:
		t.Fatal("rejected config must not publish")
	default:
	}
	if m.Get().Telegram.Token != "x" {
		t.Fatal("rejected config must not replace the committed one")
	}
}

func TestSummarizeConfigChange(t *testing.T) {
	t.Parallel()
	oldCfg := &Config{
		Telegram:  TelegramConfig{Token: "secret-a", StatusChats: []int64{-1}},
		Broadcast: BroadcastConfig{Enabled: true, BatchSize: 10},
	}
	newCfg := &Config{
		Telegram:  TelegramConfig{Token: "secret-b", StatusChats: []int64{-1, -2}},
		Broadcast: BroadcastConfig{Enabled: true, BatchSize: 5},
		Capture:   CaptureConfig{ForwardTo: "42"},
	}

	changed, attrs := SummarizeConfigChange(oldCfg, newCfg)

	want := map[string]bool{"telegram": true, "broadcast": true, "capture": true}
	for _, section := range changed {
		if !want[section] {
			t.Fatalf("unexpected changed section %q (all: %v)", section, changed)
		}
		delete(want, section)
	}
	if len(want) != 0 {
		t.Fatalf("missing changed sections: %v (got %v)", want, changed)
	}

	if len(attrs) == 0 {
		t.Fatal("expected structured attrs for the changed sections")
	}
}

func TestSummarizeConfigChangeNoChanges(t *testing.T) {
	t.Parallel()
	cfg := &Config{Telegram: TelegramConfig{Token: "x"}}
	changed, _ := SummarizeConfigChange(cfg, cfg)
	if len(changed) != 0 {
		t.Fatalf("changed = %v, want none", changed)
	}
}
