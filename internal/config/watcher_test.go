package config_test

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/sonavox/internal/config"
)

const receptionYAML = `
server:
  log_level: info
providers:
  llm:
    name: openai
  tts:
    name: elevenlabs
database:
  postgres_dsn: "postgres://localhost/sonavox"
assistants:
  - name: reception
    system_prompt: "You answer the phone."
`

const receptionRevisedYAML = `
server:
  log_level: debug
providers:
  llm:
    name: openai
  tts:
    name: elevenlabs
database:
  postgres_dsn: "postgres://localhost/sonavox"
assistants:
  - name: reception
    system_prompt: "You answer the phone."
    greeting: "Thanks for calling, how can I help?"
`

const brokenYAML = `
server:
  log_level: bananas
`

// startWatcher writes the initial config to a temp file and starts a fast
// polling watcher on it. The config path is returned for follow-up edits.
func startWatcher(t *testing.T, initial string, onChange func(old, new *config.Config)) (*config.Watcher, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	rewrite(t, path, initial)

	w, err := config.NewWatcher(path, onChange, config.WithInterval(50*time.Millisecond))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	t.Cleanup(w.Stop)
	return w, path
}

func rewrite(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("writing %q: %v", path, err)
	}
}

func TestWatcher_InitialLoad(t *testing.T) {
	t.Parallel()
	w, _ := startWatcher(t, receptionYAML, nil)

	cfg := w.Current()
	if cfg == nil {
		t.Fatal("Current() returned nil after the initial load")
	}
	if cfg.Server.LogLevel != config.LogInfo {
		t.Errorf("log_level: got %q, want %q", cfg.Server.LogLevel, config.LogInfo)
	}
	if len(cfg.Assistants) != 1 || cfg.Assistants[0].Name != "reception" {
		t.Errorf("assistants: got %+v, want the reception profile", cfg.Assistants)
	}
}

func TestWatcher_ReloadsEditedProfile(t *testing.T) {
	t.Parallel()
	var mu sync.Mutex
	var gotOld, gotNew *config.Config
	changed := make(chan struct{}, 1)

	w, path := startWatcher(t, receptionYAML, func(old, new *config.Config) {
		mu.Lock()
		gotOld, gotNew = old, new
		mu.Unlock()
		select {
		case changed <- struct{}{}:
		default:
		}
	})

	// Let the first poll record the baseline, then edit the profile.
	time.Sleep(100 * time.Millisecond)
	rewrite(t, path, receptionRevisedYAML)

	select {
	case <-changed:
	case <-time.After(2 * time.Second):
		t.Fatal("watcher never reported the edit")
	}

	mu.Lock()
	defer mu.Unlock()
	if gotOld == nil || gotNew == nil {
		t.Fatal("change callback received nil configs")
	}
	if gotOld.Assistants[0].Greeting != "" {
		t.Errorf("old greeting: got %q, want empty", gotOld.Assistants[0].Greeting)
	}
	if gotNew.Assistants[0].Greeting != "Thanks for calling, how can I help?" {
		t.Errorf("new greeting: got %q", gotNew.Assistants[0].Greeting)
	}
	if gotNew.Server.LogLevel != config.LogDebug {
		t.Errorf("new log_level: got %q, want debug", gotNew.Server.LogLevel)
	}
	if cur := w.Current(); cur.Server.LogLevel != config.LogDebug {
		t.Errorf("Current() log_level: got %q, want the reloaded value", cur.Server.LogLevel)
	}
}

func TestWatcher_BadEditKeepsServingOldConfig(t *testing.T) {
	t.Parallel()
	var mu sync.Mutex
	calls := 0

	w, path := startWatcher(t, receptionYAML, func(old, new *config.Config) {
		mu.Lock()
		calls++
		mu.Unlock()
	})

	time.Sleep(100 * time.Millisecond)
	rewrite(t, path, brokenYAML)
	time.Sleep(300 * time.Millisecond)

	mu.Lock()
	got := calls
	mu.Unlock()
	if got != 0 {
		t.Errorf("a rejected edit must not fire the change callback, got %d calls", got)
	}

	// Live calls keep the last valid config.
	if cur := w.Current(); cur.Server.LogLevel != config.LogInfo {
		t.Errorf("Current() log_level: got %q, want the pre-edit value", cur.Server.LogLevel)
	}
}

func TestWatcher_MissingFile(t *testing.T) {
	t.Parallel()
	if _, err := config.NewWatcher("/nonexistent/sonavox.yaml", nil); err == nil {
		t.Fatal("expected error for a missing config file, got nil")
	}
}

func TestWatcher_StopIsIdempotent(t *testing.T) {
	t.Parallel()
	w, _ := startWatcher(t, receptionYAML, nil)
	w.Stop()
	w.Stop()
	w.Stop()
}

func TestWatcher_TouchWithoutEdit(t *testing.T) {
	t.Parallel()
	var mu sync.Mutex
	calls := 0

	_, path := startWatcher(t, receptionYAML, func(old, new *config.Config) {
		mu.Lock()
		calls++
		mu.Unlock()
	})

	// Bump the mtime without changing content; the content hash must
	// suppress the reload.
	time.Sleep(100 * time.Millisecond)
	now := time.Now().Add(time.Second)
	if err := os.Chtimes(path, now, now); err != nil {
		t.Fatalf("touching config: %v", err)
	}
	time.Sleep(300 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if calls != 0 {
		t.Errorf("touch-only change must not fire the callback, got %d calls", calls)
	}
}
