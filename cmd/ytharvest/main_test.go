package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"ytharvest/internal/harvest"
	"ytharvest/internal/storage"
	"ytharvest/internal/youtube"
	"ytharvest/internal/youtube/youtubetest"
)

const testChannel = "UCabcdefghijklmnopqrstuv"

type cliTestEnv struct {
	t       *testing.T
	dataDir string
	fake    *youtubetest.API
}

func setupCLITestEnv(t *testing.T) *cliTestEnv {
	t.Helper()

	base := t.TempDir()
	t.Chdir(base)
	t.Setenv("HOME", t.TempDir())
	dataDir := filepath.Join(base, "data")
	env := map[string]string{
		"YOUTUBE_API_KEY":     "test-key",
		"YOUTUBE_CHANNEL_ID":  "",
		"STORAGE_TYPE":        "sqlite",
		"STORAGE_PATH":        dataDir,
		"DATABASE_URL":        "",
		"CHECKPOINT_PATH":     "",
		"INCLUDE_REPLIES":     "",
		"MAX_VIDEOS":          "",
		"REQUEST_DELAY":       "0",
		"QUOTA_LIMIT":         "",
		"QUOTA_SAFETY_MARGIN": "",
		"LOG_LEVEL":           "",
		"LOG_FORMAT":          "",
		"SYNC_SCHEDULE":       "",
	}
	for k, v := range env {
		t.Setenv(k, v)
	}

	fake := youtubetest.New(testChannel)
	epoch := time.Date(2024, 6, 1, 8, 0, 0, 0, time.UTC)
	for i, id := range []string{"v1", "v2", "v3"} {
		published := epoch.Add(time.Duration(i) * time.Hour)
		fake.AddVideo(youtubetest.Video{ID: id, Title: "Episode " + id, Published: published, Comments: 2, Views: 100})
		for j := range 2 {
			fake.AddComment(id, fmt.Sprintf("%s.c%d", id, j), "viewer", "comment on "+id, published.Add(time.Minute), int64(j))
		}
	}
	fake.AddReply("v1", "v1.c0", "v1.r0", "host", "thanks for watching", epoch.Add(time.Hour))

	return &cliTestEnv{t: t, dataDir: dataDir, fake: fake}
}

// run executes one command with a fresh context, as a new process would.
func (e *cliTestEnv) run(args ...string) (string, error) {
	e.t.Helper()
	cc := newCommandContext()
	cc.logOutput = io.Discard
	cc.newAPI = func(context.Context, string, *http.Client) (youtube.API, error) {
		return e.fake, nil
	}

	cmd := newRootCommand(cc)
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestSyncThenQuery(t *testing.T) {
	env := setupCLITestEnv(t)

	out, err := env.run("sync", testChannel, "--include-replies")
	if err != nil {
		t.Fatalf("sync: %v\n%s", err, out)
	}
	for _, want := range []string{"New videos", "Comments fetched", "full"} {
		if !strings.Contains(out, want) {
			t.Errorf("sync output missing %q:\n%s", want, out)
		}
	}

	out, err = env.run("stats")
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if !strings.Contains(out, "Comments") || !strings.Contains(out, "7") {
		t.Errorf("stats output:\n%s", out)
	}

	out, err = env.run("videos", "--sort", "title", "--order", "asc")
	if err != nil {
		t.Fatalf("videos: %v", err)
	}
	if i1, i3 := strings.Index(out, "Episode v1"), strings.Index(out, "Episode v3"); i1 < 0 || i3 < i1 {
		t.Errorf("videos output not sorted by title:\n%s", out)
	}

	out, err = env.run("comments", "v1", "--replies")
	if err != nil {
		t.Fatalf("comments: %v", err)
	}
	if !strings.Contains(out, "comment on v1") || !strings.Contains(out, "thanks for watching") {
		t.Errorf("comments output:\n%s", out)
	}

	out, err = env.run("search", "comment on", "--format", "json", "--video", "v2")
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	var results []map[string]any
	if err := json.Unmarshal([]byte(out), &results); err != nil {
		t.Fatalf("search output is not JSON: %v\n%s", err, out)
	}
	if len(results) != 2 {
		t.Errorf("search results = %d, want 2", len(results))
	}
	for _, r := range results {
		if r["video_title"] != "Episode v2" {
			t.Errorf("result %v missing video title", r)
		}
	}
}

func TestSyncErrors(t *testing.T) {
	tests := []struct {
		name     string
		setup    func(env *cliTestEnv)
		args     []string
		wantErr  error
		wantText string
		wantCode int
	}{
		{
			name:     "missing channel",
			args:     []string{"sync"},
			wantText: "channel id required",
			wantCode: 1,
		},
		{
			name:     "missing api key",
			setup:    func(env *cliTestEnv) { env.t.Setenv("YOUTUBE_API_KEY", "") },
			args:     []string{"sync", testChannel},
			wantText: "YOUTUBE_API_KEY",
			wantCode: 1,
		},
		{
			name: "quota exhausted",
			setup: func(env *cliTestEnv) {
				env.t.Setenv("QUOTA_LIMIT", "3")
				env.t.Setenv("QUOTA_SAFETY_MARGIN", "0")
			},
			args:     []string{"sync", testChannel},
			wantErr:  youtube.ErrQuotaExceeded,
			wantCode: 2,
		},
		{
			name: "already running",
			setup: func(env *cliTestEnv) {
				if err := os.MkdirAll(env.dataDir, 0o755); err != nil {
					env.t.Fatal(err)
				}
				lock := storage.NewFileLock(filepath.Join(env.dataDir, runLockName))
				ok, err := lock.TryLock()
				if err != nil || !ok {
					env.t.Fatalf("TryLock() = %v, %v", ok, err)
				}
				env.t.Cleanup(func() { lock.Unlock() })
			},
			args:     []string{"sync", testChannel},
			wantErr:  errLocked,
			wantCode: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := setupCLITestEnv(t)
			if tt.setup != nil {
				tt.setup(env)
			}
			_, err := env.run(tt.args...)
			if err == nil {
				t.Fatal("expected error")
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Errorf("error = %v, want %v", err, tt.wantErr)
			}
			if tt.wantText != "" && !strings.Contains(err.Error(), tt.wantText) {
				t.Errorf("error = %v, want it to mention %q", err, tt.wantText)
			}
			if got := exitCode(err); got != tt.wantCode {
				t.Errorf("exitCode() = %d, want %d", got, tt.wantCode)
			}
		})
	}
}

func TestInitCommand(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	env := &cliTestEnv{t: t}

	out, err := env.run("init", "--path", path)
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	if !strings.Contains(out, "Created") {
		t.Errorf("output = %q", out)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "YOUTUBE_API_KEY=") {
		t.Errorf("template missing api key line:\n%s", data)
	}

	if err := os.WriteFile(path, []byte("KEEP=1\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	out, err = env.run("init", "--path", path)
	if err != nil {
		t.Fatalf("second init: %v", err)
	}
	if !strings.Contains(out, "already exists") {
		t.Errorf("output = %q", out)
	}
	data, _ = os.ReadFile(path)
	if string(data) != "KEEP=1\n" {
		t.Errorf("existing file overwritten: %q", data)
	}
}

func TestExitCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"nil", nil, 0},
		{"quota", fmt.Errorf("run: %w", youtube.ErrQuotaExceeded), 2},
		{"interrupted", errInterrupted, 130},
		{"canceled", context.Canceled, 130},
		{"other", errors.New("boom"), 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := exitCode(tt.err); got != tt.want {
				t.Errorf("exitCode(%v) = %d, want %d", tt.err, got, tt.want)
			}
		})
	}
}

func TestScheduledRun(t *testing.T) {
	t.Run("clears a stale stop before running", func(t *testing.T) {
		stop := &harvest.StopFlag{}
		stop.Stop()
		ran := false
		run := scheduledRun(context.Background(), stop, func() error {
			ran = true
			if stop.Stopped() {
				t.Error("stop flag still set inside the run")
			}
			return nil
		})
		if err := run(context.Background()); err != nil {
			t.Fatalf("run() error = %v", err)
		}
		if !ran {
			t.Error("run was skipped")
		}
	})

	t.Run("skips ticks after the schedule stopped", func(t *testing.T) {
		schedCtx, cancel := context.WithCancel(context.Background())
		stop := &harvest.StopFlag{}
		stop.Stop()
		cancel()

		run := scheduledRun(schedCtx, stop, func() error {
			t.Error("run started after the schedule stopped")
			return nil
		})
		if err := run(context.Background()); err != nil {
			t.Fatalf("run() error = %v", err)
		}
		if !stop.Stopped() {
			t.Error("stop request was cleared")
		}
	})
}

func TestParseDate(t *testing.T) {
	tests := []struct {
		in       string
		endOfDay bool
		want     time.Time
		wantErr  bool
	}{
		{in: "", want: time.Time{}},
		{in: "2024-06-01", want: time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)},
		{in: "2024-06-01", endOfDay: true, want: time.Date(2024, 6, 1, 23, 59, 59, 999999999, time.UTC)},
		{in: "2024-06-01T10:00:00Z", endOfDay: true, want: time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)},
		{in: "June 1st", wantErr: true},
	}
	for _, tt := range tests {
		got, err := parseDate(tt.in, tt.endOfDay)
		if (err != nil) != tt.wantErr {
			t.Errorf("parseDate(%q) error = %v", tt.in, err)
			continue
		}
		if !got.Equal(tt.want) {
			t.Errorf("parseDate(%q, %v) = %v, want %v", tt.in, tt.endOfDay, got, tt.want)
		}
	}
}
