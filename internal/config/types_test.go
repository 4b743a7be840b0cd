package config

import "testing"

func validCommandConfig() CommandConfig {
	return CommandConfig{
		DefaultMode: "trigger:!s",
		Modes: map[string]Mode{
			"serious": {
				Triggers: map[string]bool{"!s": true},
			},
			"sarcastic": {
				Triggers: map[string]bool{"!d": true},
			},
		},
		ModeClassifier: ModeClassifier{
			Labels:        map[string]string{"SERIOUS": "!s", "SARCASTIC": "!d"},
			FallbackLabel: "SARCASTIC",
		},
	}
}

func TestValidateAcceptsWellFormedConfig(t *testing.T) {
	if err := validCommandConfig().Validate(); err != nil {
		t.Fatalf("Validate() error = %v, want nil", err)
	}
}

func TestValidateRejectsTriggerClaimedByTwoModes(t *testing.T) {
	cfg := validCommandConfig()
	cfg.Modes["sarcastic"] = Mode{Triggers: map[string]bool{"!s": true}}
	if err := cfg.Validate(); err == nil {
		t.Fatal("Validate() error = nil for a trigger claimed by two modes, want non-nil")
	}
}

func TestValidateRejectsLabelMappingToUndeclaredTrigger(t *testing.T) {
	cfg := validCommandConfig()
	cfg.ModeClassifier.Labels["GHOST"] = "!nonexistent"
	if err := cfg.Validate(); err == nil {
		t.Fatal("Validate() error = nil for a label mapping to an undeclared trigger, want non-nil")
	}
}

func TestValidateRejectsMissingDefaultMode(t *testing.T) {
	cfg := validCommandConfig()
	cfg.DefaultMode = ""
	if err := cfg.Validate(); err == nil {
		t.Fatal("Validate() error = nil for empty defaultMode, want non-nil")
	}
}

func TestValidateRejectsDefaultModeTriggerUndeclared(t *testing.T) {
	cfg := validCommandConfig()
	cfg.DefaultMode = "trigger:!nope"
	if err := cfg.Validate(); err == nil {
		t.Fatal("Validate() error = nil for defaultMode referring to an undeclared trigger, want non-nil")
	}
}

func TestValidateRejectsDefaultModeClassifierUndeclaredMode(t *testing.T) {
	cfg := validCommandConfig()
	cfg.DefaultMode = "classifier:ghost-mode"
	if err := cfg.Validate(); err == nil {
		t.Fatal("Validate() error = nil for defaultMode referring to an undeclared mode, want non-nil")
	}
}

func TestValidateRejectsMalformedDefaultMode(t *testing.T) {
	cfg := validCommandConfig()
	cfg.DefaultMode = "!s"
	if err := cfg.Validate(); err == nil {
		t.Fatal("Validate() error = nil for a defaultMode missing its trigger:/classifier: prefix, want non-nil")
	}
}

func TestValidateAcceptsClassifierDefaultMode(t *testing.T) {
	cfg := validCommandConfig()
	cfg.DefaultMode = "classifier:serious"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate() error = %v, want nil", err)
	}
}

func TestTriggerOwnerAndRuntimeFor(t *testing.T) {
	cfg := validCommandConfig()
	if owner := cfg.TriggerOwner("!s"); owner != "serious" {
		t.Fatalf("TriggerOwner(!s) = %q, want serious", owner)
	}
	if owner := cfg.TriggerOwner("!unknown"); owner != "" {
		t.Fatalf("TriggerOwner(!unknown) = %q, want empty", owner)
	}
	if _, ok := cfg.RuntimeFor("serious"); !ok {
		t.Fatal("RuntimeFor(serious) ok = false, want true")
	}
	if _, ok := cfg.RuntimeFor("ghost"); ok {
		t.Fatal("RuntimeFor(ghost) ok = true, want false")
	}
}

func TestDefaultReturnsValidConfig(t *testing.T) {
	c := Default()
	if err := c.Command().Validate(); err != nil {
		t.Fatalf("Default().Command().Validate() error = %v, want nil", err)
	}
}

func TestFromSnapshotRoundTrips(t *testing.T) {
	cmd := validCommandConfig()
	proactive := ProactiveConfig{InterjectingChannels: map[string]bool{"libera#test": true}}
	c := FromSnapshot(cmd, proactive, "anthropic:fallback-model")

	if got := c.Command().DefaultMode; got != cmd.DefaultMode {
		t.Fatalf("Command().DefaultMode = %q, want %q", got, cmd.DefaultMode)
	}
	if !c.Proactive().InterjectingChannels["libera#test"] {
		t.Fatal("Proactive().InterjectingChannels missing expected channel")
	}
	if got := c.RefusalFallbackModel(); got != "anthropic:fallback-model" {
		t.Fatalf("RefusalFallbackModel() = %q, want anthropic:fallback-model", got)
	}
}
