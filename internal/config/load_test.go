package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

const sampleConfig = `{
	// trailing comma and comments are fine: JSON5
	command: {
		historySize: 20,
		defaultMode: "trigger:!s",
		modes: {
			serious: {
				model: ["anthropic:claude-3-5-sonnet-20241022"],
				triggers: ["!s", "!a"],
				steering: true,
			},
			sarcastic: {
				model: ["anthropic:claude-3-haiku"],
				triggers: ["!d"],
				steering: true,
			},
		},
		modeClassifier: {
			model: "anthropic:claude-3-haiku",
			labels: { SERIOUS: "!s", SARCASTIC: "!d" },
			fallbackLabel: "SERIOUS",
		},
		helpToken: "!help",
	},
	proactive: {
		interjectingChannels: ["libera#test"],
		debounceSeconds: 30,
		rateLimit: 3,
		ratePeriodSeconds: 3600,
		interjectThreshold: 7,
	},
	refusalFallbackModel: "anthropic:claude-3-5-sonnet-20241022",
	providers: [
		{ name: "anthropic", apiKeyEnv: "ANTHROPIC_API_KEY" },
	],
	storage: {
		historyPath: "test-history.db",
	},
}
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json5")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadResolvesCommandAndProactiveConfig(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleConfig))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	cmd := cfg.Command()
	if cmd.HistorySize != 20 {
		t.Errorf("HistorySize = %d, want 20", cmd.HistorySize)
	}
	if !cmd.Modes["serious"].Triggers["!s"] || !cmd.Modes["serious"].Triggers["!a"] {
		t.Errorf("serious mode triggers = %+v, want !s and !a", cmd.Modes["serious"].Triggers)
	}

	proactive := cfg.Proactive()
	if !proactive.InterjectingChannels["libera#test"] {
		t.Errorf("InterjectingChannels = %+v, want libera#test", proactive.InterjectingChannels)
	}
	if proactive.InterjectThreshold != 7 {
		t.Errorf("InterjectThreshold = %d, want 7", proactive.InterjectThreshold)
	}

	if cfg.RefusalFallbackModel() != "anthropic:claude-3-5-sonnet-20241022" {
		t.Errorf("RefusalFallbackModel() = %q", cfg.RefusalFallbackModel())
	}
	if got := cfg.Storage().HistoryPath; got != "test-history.db" {
		t.Errorf("Storage().HistoryPath = %q, want test-history.db", got)
	}
	if got := cfg.Storage().ChroniclePath; got != "chronicle.db" {
		t.Errorf("Storage().ChroniclePath default = %q, want chronicle.db", got)
	}
}

func TestLoadRejectsInvalidCommandConfig(t *testing.T) {
	bad := `{
		command: {
			defaultMode: "trigger:!missing",
			modes: { serious: { model: ["anthropic:claude-3"], triggers: ["!s"] } },
		},
	}`
	if _, err := Load(writeConfig(t, bad)); err == nil {
		t.Fatal("Load() with a defaultMode referencing an undeclared trigger want error, got nil")
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "does-not-exist.json5")); err == nil {
		t.Fatal("Load() on a missing file want error, got nil")
	}
}

func TestDefaultProducesValidSnapshot(t *testing.T) {
	cfg := Default()
	if err := cfg.Command().Validate(); err != nil {
		t.Fatalf("Default().Command().Validate() error = %v", err)
	}
}

func TestWatchReloadPicksUpChanges(t *testing.T) {
	path := writeConfig(t, sampleConfig)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	reloaded := make(chan struct{}, 1)
	cfg.OnReload(func() { reloaded <- struct{}{} })

	stop, err := cfg.WatchReload()
	if err != nil {
		t.Fatalf("WatchReload() error = %v", err)
	}
	defer stop()

	updated := `{
		command: {
			historySize: 42,
			defaultMode: "trigger:!s",
			modes: { serious: { model: ["anthropic:claude-3"], triggers: ["!s"], steering: true } },
		},
	}`
	if err := os.WriteFile(path, []byte(updated), 0o644); err != nil {
		t.Fatalf("rewrite config: %v", err)
	}

	select {
	case <-reloaded:
	case <-time.After(5 * time.Second):
		t.Fatal("WatchReload() did not fire OnReload callback within 5s")
	}

	if got := cfg.Command().HistorySize; got != 42 {
		t.Fatalf("Command().HistorySize after reload = %d, want 42", got)
	}
}
