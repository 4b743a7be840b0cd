// Package config defines the typed, validated configuration surface the
// core depends on. The core never parses raw config fields itself — it
// only sees these resolved structs.
package config

import "fmt"

// ModeRuntime is the resolved runtime settings for one mode.
type ModeRuntime struct {
	Model             []string // candidate models; first declared wins when a set
	ReasoningEffort   string
	Steering          bool
	AutoReduceContext bool
	ToolSet           []string
}

// Mode is one named agent configuration: model, prompt, tool set, triggers.
type Mode struct {
	Model             []string
	Prompt            string
	Triggers          map[string]bool // trigger token set for this mode
	ReasoningEffort   string
	Steering          bool
	AutoReduceContext bool
	Tools             []string
}

func (m Mode) runtime() ModeRuntime {
	return ModeRuntime{
		Model:             m.Model,
		ReasoningEffort:   m.ReasoningEffort,
		Steering:          m.Steering,
		AutoReduceContext: m.AutoReduceContext,
		ToolSet:           m.Tools,
	}
}

// ModeClassifier configures the LLM-backed label classifier.
type ModeClassifier struct {
	Model         string
	Labels        map[string]string // label -> trigger
	FallbackLabel string
	Prompt        string
}

// CommandConfig is the per-room resolved command configuration.
type CommandConfig struct {
	HistorySize   int
	DefaultMode   string // "trigger:<tok>" | "classifier:<modeKey>"
	ChannelModes  map[string]string // arcKey -> trigger
	Modes         map[string]Mode   // modeKey -> Mode
	ModeClassifier ModeClassifier
	HelpToken     string
	FlagTokens    map[string]bool
	IgnoreUsers   map[string]bool
}

// Validate enforces the following invariants:
//   - every label maps to a declared trigger
//   - every trigger belongs to exactly one mode
//   - defaultMode refers to an existing mode or label
func (c CommandConfig) Validate() error {
	triggerOwner := make(map[string]string) // trigger -> modeKey
	for modeKey, mode := range c.Modes {
		for trig := range mode.Triggers {
			if owner, ok := triggerOwner[trig]; ok {
				return fmt.Errorf("config: trigger %q claimed by both %q and %q", trig, owner, modeKey)
			}
			triggerOwner[trig] = modeKey
		}
	}

	for label, trig := range c.ModeClassifier.Labels {
		if _, ok := triggerOwner[trig]; !ok {
			return fmt.Errorf("config: classifier label %q maps to undeclared trigger %q", label, trig)
		}
	}

	switch {
	case c.DefaultMode == "":
		return fmt.Errorf("config: defaultMode is required")
	case hasPrefix(c.DefaultMode, "trigger:"):
		trig := c.DefaultMode[len("trigger:"):]
		if _, ok := triggerOwner[trig]; !ok {
			return fmt.Errorf("config: defaultMode refers to undeclared trigger %q", trig)
		}
	case hasPrefix(c.DefaultMode, "classifier:"):
		modeKey := c.DefaultMode[len("classifier:"):]
		if _, ok := c.Modes[modeKey]; !ok {
			return fmt.Errorf("config: defaultMode refers to undeclared mode %q", modeKey)
		}
	default:
		return fmt.Errorf("config: defaultMode %q must be trigger:<tok> or classifier:<modeKey>", c.DefaultMode)
	}
	return nil
}

// TriggerOwner returns the mode key owning a trigger, or "" if none.
func (c CommandConfig) TriggerOwner(trigger string) string {
	for modeKey, mode := range c.Modes {
		if mode.Triggers[trigger] {
			return modeKey
		}
	}
	return ""
}

// RuntimeFor returns the resolved runtime for a mode key.
func (c CommandConfig) RuntimeFor(modeKey string) (ModeRuntime, bool) {
	m, ok := c.Modes[modeKey]
	if !ok {
		return ModeRuntime{}, false
	}
	return m.runtime(), true
}

func hasPrefix(s, prefix string) bool {
	return len(s) >= len(prefix) && s[:len(prefix)] == prefix
}

// ProactiveConfig is the resolved proactive-interjection configuration.
type ProactiveConfig struct {
	InterjectingChannels map[string]bool
	DebounceSeconds      int
	HistorySize          int
	RateLimit            int
	RatePeriodSeconds    int
	InterjectThreshold   int
	ValidationModels     []string
	SeriousModel         string
	SeriousModeKey       string // which mode key evaluateProactiveInterjection requires after approval
	Prompts              ProactivePrompts
}

// ProactivePrompts holds the two prompt templates the proactive runner uses.
type ProactivePrompts struct {
	Interject   string // contains "{message}" placeholder
	SeriousExtra string
}

// DiscordConfig configures the Discord transport adapter, wired here so
// cmd/ has a typed source for internal/channels/discord.Config.
type DiscordConfig struct {
	Token          string
	ServerTag      string
	AllowFrom      []string
	RequireMention bool
}

// SlackConfig configures the Slack transport adapter.
type SlackConfig struct {
	BotToken  string
	AppToken  string
	ServerTag string
	AllowFrom []string
}

// IRCConfig configures the IRC transport adapter.
type IRCConfig struct {
	Server    string
	TLS       bool
	Nick      string
	User      string
	RealName  string
	Password  string
	Channels  []string
	AllowFrom []string
	ServerTag string
}

// ChannelsConfig bundles every transport's resolved settings. A
// zero-value entry (e.g. empty Server/Token) means that transport is
// not configured and cmd/ skips starting it.
type ChannelsConfig struct {
	Discord DiscordConfig
	Slack   SlackConfig
	IRC     IRCConfig
}

// StorageConfig resolves the file paths and auto-chronicler scheduling
// for persisted state (SQLite chat history, SQLite chronicle).
type StorageConfig struct {
	HistoryPath   string
	ChroniclePath string

	AutoChronicleSchedule     string // cron expression, e.g. "0 * * * *"
	AutoChronicleStaleSeconds int
	AutoChroniclePollSeconds  int
	AutoChronicleModel        string
}
