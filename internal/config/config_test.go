package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

var envKeys = []string{
	"YOUTUBE_API_KEY", "YOUTUBE_CHANNEL_ID", "STORAGE_TYPE", "STORAGE_PATH", "DATABASE_URL",
	"INCLUDE_REPLIES", "MAX_VIDEOS", "REQUEST_DELAY", "QUOTA_LIMIT", "QUOTA_SAFETY_MARGIN",
	"CHECKPOINT_PATH", "LOG_LEVEL", "LOG_FORMAT", "SYNC_SCHEDULE",
}

// isolate runs the test in an empty directory with none of the known
// variables set and HOME pointing somewhere empty.
func isolate(t *testing.T) string {
	t.Helper()
	for _, k := range envKeys {
		t.Setenv(k, "")
		os.Unsetenv(k)
	}
	dir := t.TempDir()
	t.Setenv("HOME", t.TempDir())
	t.Chdir(dir)
	return dir
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestLoadDefaults(t *testing.T) {
	isolate(t)

	cfg, err := Load("", "")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Storage.Type != "sqlite" || cfg.Storage.Path != "data" {
		t.Errorf("storage = %+v", cfg.Storage)
	}
	if cfg.Sync.RequestDelay.Std() != 500*time.Millisecond {
		t.Errorf("request delay = %v", cfg.Sync.RequestDelay)
	}
	if cfg.Quota.Limit != 10000 || cfg.Quota.SafetyMargin != 500 {
		t.Errorf("quota = %+v", cfg.Quota)
	}
	if cfg.CheckpointPath != filepath.Join("data", "checkpoint.json") {
		t.Errorf("checkpoint path = %q", cfg.CheckpointPath)
	}
	if !cfg.Delta.Enabled || cfg.Delta.BatchSize != 1 {
		t.Errorf("delta = %+v", cfg.Delta)
	}
	if cfg.Schedule != "0 9 * * *" {
		t.Errorf("schedule = %q", cfg.Schedule)
	}
	if err := cfg.RequireAPIKey(); err != ErrMissingAPIKey {
		t.Errorf("RequireAPIKey() = %v, want ErrMissingAPIKey", err)
	}
}

func TestLoadFileFormats(t *testing.T) {
	tests := []struct {
		name    string
		file    string
		content string
	}{
		{
			name: "toml",
			file: "ytharvest.toml",
			content: `api_key = "k"
http_timeout = "10s"

[storage]
type = "jsonl"
path = "out"

[sync]
max_videos = 7
request_delay = "250ms"

[delta]
enabled = false
`,
		},
		{
			name: "yaml",
			file: "ytharvest.yaml",
			content: `api_key: k
http_timeout: 10s
storage:
  type: jsonl
  path: out
sync:
  max_videos: 7
  request_delay: 250ms
delta:
  enabled: false
`,
		},
		{
			name: "json",
			file: "ytharvest.json",
			content: `{"api_key": "k", "http_timeout": "10s",
"storage": {"type": "jsonl", "path": "out"},
"sync": {"max_videos": 7, "request_delay": "250ms"},
"delta": {"enabled": false}}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := isolate(t)
			writeFile(t, filepath.Join(dir, tt.file), tt.content)

			cfg, err := Load("", "")
			if err != nil {
				t.Fatalf("Load() error = %v", err)
			}
			if cfg.APIKey != "k" || cfg.Storage.Type != "jsonl" || cfg.Storage.Path != "out" {
				t.Errorf("cfg = %+v", cfg)
			}
			if cfg.Sync.MaxVideos != 7 || cfg.Sync.RequestDelay.Std() != 250*time.Millisecond {
				t.Errorf("sync = %+v", cfg.Sync)
			}
			if cfg.HTTPTimeout.Std() != 10*time.Second {
				t.Errorf("http timeout = %v", cfg.HTTPTimeout)
			}
			if cfg.Delta.Enabled {
				t.Error("delta should be disabled")
			}
			// untouched sections keep their defaults
			if cfg.Quota.Limit != 10000 {
				t.Errorf("quota limit = %d", cfg.Quota.Limit)
			}
			if cfg.CheckpointPath != filepath.Join("out", "checkpoint.json") {
				t.Errorf("checkpoint path = %q", cfg.CheckpointPath)
			}
		})
	}
}

func TestLoadPrecedence(t *testing.T) {
	dir := isolate(t)
	writeFile(t, filepath.Join(dir, "custom.toml"), "channel_id = \"UCfile\"\n[quota]\nlimit = 2000\n")
	writeFile(t, filepath.Join(dir, ".env"), "YOUTUBE_CHANNEL_ID=UCdotenv\nYOUTUBE_API_KEY=fromdotenv\nMAX_VIDEOS=3\n")
	t.Setenv("MAX_VIDEOS", "9")
	t.Setenv("REQUEST_DELAY", "1.5")
	t.Setenv("INCLUDE_REPLIES", "true")

	cfg, err := Load(filepath.Join(dir, "custom.toml"), "")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.ChannelID != "UCdotenv" {
		t.Errorf("channel = %q, .env should override the file", cfg.ChannelID)
	}
	if cfg.APIKey != "fromdotenv" {
		t.Errorf("api key = %q", cfg.APIKey)
	}
	if cfg.Sync.MaxVideos != 9 {
		t.Errorf("max videos = %d, real env should win over .env", cfg.Sync.MaxVideos)
	}
	if cfg.Quota.Limit != 2000 {
		t.Errorf("quota limit = %d", cfg.Quota.Limit)
	}
	if cfg.Sync.RequestDelay.Std() != 1500*time.Millisecond {
		t.Errorf("request delay = %v", cfg.Sync.RequestDelay)
	}
	if !cfg.Sync.IncludeReplies {
		t.Error("include replies should be true")
	}
}

func TestLoadErrors(t *testing.T) {
	tests := []struct {
		name  string
		setup func(t *testing.T, dir string) (path, envFile string)
	}{
		{
			name: "explicit config missing",
			setup: func(t *testing.T, dir string) (string, string) {
				return filepath.Join(dir, "nope.toml"), ""
			},
		},
		{
			name: "explicit env file missing",
			setup: func(t *testing.T, dir string) (string, string) {
				return "", filepath.Join(dir, "nope.env")
			},
		},
		{
			name: "bad integer",
			setup: func(t *testing.T, dir string) (string, string) {
				t.Setenv("QUOTA_LIMIT", "lots")
				return "", ""
			},
		},
		{
			name: "unknown backend",
			setup: func(t *testing.T, dir string) (string, string) {
				t.Setenv("STORAGE_TYPE", "mongo")
				return "", ""
			},
		},
		{
			name: "postgres without url",
			setup: func(t *testing.T, dir string) (string, string) {
				t.Setenv("STORAGE_TYPE", "postgres")
				return "", ""
			},
		},
		{
			name: "bad duration",
			setup: func(t *testing.T, dir string) (string, string) {
				writeFile(t, filepath.Join(dir, "ytharvest.yaml"), "http_timeout: soon\n")
				return "", ""
			},
		},
		{
			name: "margin above limit",
			setup: func(t *testing.T, dir string) (string, string) {
				t.Setenv("QUOTA_LIMIT", "100")
				t.Setenv("QUOTA_SAFETY_MARGIN", "100")
				return "", ""
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := isolate(t)
			path, envFile := tt.setup(t, dir)
			if _, err := Load(path, envFile); err == nil {
				t.Error("Load() expected error")
			}
		})
	}
}

func TestLoadBackendAlias(t *testing.T) {
	isolate(t)
	t.Setenv("STORAGE_TYPE", "PostgreSQL")
	t.Setenv("DATABASE_URL", "postgres://localhost/yt")

	cfg, err := Load("", "")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Storage.Type != "postgres" {
		t.Errorf("storage type = %q, want postgres", cfg.Storage.Type)
	}
}

func TestDurationJSONNumber(t *testing.T) {
	var d Duration
	if err := d.UnmarshalJSON([]byte("1000000")); err != nil {
		t.Fatal(err)
	}
	if d.Std() != time.Millisecond {
		t.Errorf("got %v", d)
	}
}
