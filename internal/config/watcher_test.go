package config_test

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MrWong99/huddle/internal/config"
)

const watcherBaseYAML = `
client:
  user_id: me
  channel_id: room
  log_level: info
signaling:
  url: ws://localhost:5000/ws
audio:
  output_dir: /tmp/huddle
`

// writeConfig writes content and moves the mtime forward by bump, so
// filesystems with coarse timestamps still register the edit.
func writeConfig(t *testing.T, path, content string, bump time.Duration) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %q: %v", path, err)
	}
	ts := time.Now().Add(bump)
	if err := os.Chtimes(path, ts, ts); err != nil {
		t.Fatalf("chtimes %q: %v", path, err)
	}
}

func newWatcher(t *testing.T, content string) (*config.Watcher, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "huddle.yaml")
	writeConfig(t, path, content, 0)
	w, err := config.NewWatcher(path, config.WithInterval(10*time.Millisecond))
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	return w, path
}

func TestWatcher_InitialLoad(t *testing.T) {
	t.Parallel()
	w, _ := newWatcher(t, watcherBaseYAML)
	if got := w.Current().Client.LogLevel; got != config.LogInfo {
		t.Errorf("log_level = %q, want %q", got, config.LogInfo)
	}
}

func TestWatcher_InitialLoadFails(t *testing.T) {
	t.Parallel()
	if _, err := config.NewWatcher("/nonexistent/huddle.yaml"); err == nil {
		t.Fatal("expected error for a missing file")
	}
}

func TestWatcher_Reload(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		content     string
		wantChanged bool
		wantErr     bool
		wantDiff    config.ConfigDiff
		wantLevel   config.LogLevel
	}{
		{
			name:        "activity change",
			content:     watcherBaseYAML + "activity:\n  peak_threshold: 45\n",
			wantChanged: true,
			wantDiff:    config.ConfigDiff{ActivityChanged: true},
			wantLevel:   config.LogInfo,
		},
		{
			name:        "comment only",
			content:     "# edited\n" + watcherBaseYAML,
			wantChanged: true,
			wantLevel:   config.LogInfo,
		},
		{
			name:      "invalid file keeps previous config",
			content:   "client:\n  log_level: bananas\n",
			wantErr:   true,
			wantLevel: config.LogInfo,
		},
		{
			name:      "touch without content change",
			content:   watcherBaseYAML,
			wantLevel: config.LogInfo,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			w, path := newWatcher(t, watcherBaseYAML)
			writeConfig(t, path, tc.content, time.Minute)

			d, _, changed, err := w.Reload()
			if (err != nil) != tc.wantErr {
				t.Fatalf("Reload err = %v, wantErr %v", err, tc.wantErr)
			}
			if changed != tc.wantChanged {
				t.Errorf("changed = %v, want %v", changed, tc.wantChanged)
			}
			if d.LogLevelChanged != tc.wantDiff.LogLevelChanged || d.ActivityChanged != tc.wantDiff.ActivityChanged || len(d.RestartRequired) != 0 {
				t.Errorf("diff = %+v, want %+v", d, tc.wantDiff)
			}
			if got := w.Current().Client.LogLevel; got != tc.wantLevel {
				t.Errorf("current log_level = %q, want %q", got, tc.wantLevel)
			}
		})
	}
}

func TestWatcher_ReloadUntouchedFile(t *testing.T) {
	t.Parallel()
	w, _ := newWatcher(t, watcherBaseYAML)
	_, cfg, changed, err := w.Reload()
	if err != nil || changed || cfg != nil {
		t.Errorf("Reload = (%v, %v, %v), want (nil, false, nil)", cfg, changed, err)
	}
}

func TestWatcher_RunReportsLogLevelChange(t *testing.T) {
	t.Parallel()
	w, path := newWatcher(t, watcherBaseYAML)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	got := make(chan config.ConfigDiff, 1)
	var calls atomic.Int32
	done := make(chan error, 1)
	go func() {
		done <- w.Run(ctx, func(d config.ConfigDiff, cfg *config.Config) {
			calls.Add(1)
			select {
			case got <- d:
			default:
			}
		})
	}()

	writeConfig(t, path, `
client:
  user_id: me
  channel_id: room
  log_level: debug
signaling:
  url: ws://localhost:5000/ws
audio:
  output_dir: /tmp/huddle
`, time.Minute)

	select {
	case d := <-got:
		if !d.LogLevelChanged || d.NewLogLevel != config.LogDebug {
			t.Errorf("diff = %+v, want log level debug", d)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("onChange not called")
	}

	cancel()
	if err := <-done; err != nil {
		t.Errorf("Run returned %v", err)
	}
	if n := calls.Load(); n != 1 {
		t.Errorf("onChange calls = %d, want 1", n)
	}
}
