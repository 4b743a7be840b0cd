package config

import (
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/titanous/json5"
)

// rawMode mirrors Mode for JSON5 decoding (config files are hand-edited,
// so JSON5 allows comments and trailing commas).
type rawMode struct {
	Model             []string `json:"model"`
	Prompt            string   `json:"prompt"`
	Triggers          []string `json:"triggers"`
	ReasoningEffort   string   `json:"reasoningEffort"`
	Steering          *bool    `json:"steering"`
	AutoReduceContext bool     `json:"autoReduceContext"`
	Tools             []string `json:"tools"`
}

type rawModeClassifier struct {
	Model         string            `json:"model"`
	Labels        map[string]string `json:"labels"`
	FallbackLabel string            `json:"fallbackLabel"`
	Prompt        string            `json:"prompt"`
}

type rawCommandConfig struct {
	HistorySize    int                  `json:"historySize"`
	DefaultMode    string               `json:"defaultMode"`
	ChannelModes   map[string]string    `json:"channelModes"`
	Modes          map[string]rawMode   `json:"modes"`
	ModeClassifier rawModeClassifier    `json:"modeClassifier"`
	HelpToken      string               `json:"helpToken"`
	FlagTokens     []string             `json:"flagTokens"`
	IgnoreUsers    []string             `json:"ignoreUsers"`
}

type rawProactiveConfig struct {
	InterjectingChannels []string           `json:"interjectingChannels"`
	DebounceSeconds      int                `json:"debounceSeconds"`
	HistorySize          int                `json:"historySize"`
	RateLimit            int                `json:"rateLimit"`
	RatePeriodSeconds    int                `json:"ratePeriodSeconds"`
	InterjectThreshold   int                `json:"interjectThreshold"`
	ValidationModels     []string           `json:"validationModels"`
	SeriousModel         string             `json:"seriousModel"`
	SeriousModeKey       string             `json:"seriousModeKey"`
	Prompts              ProactivePrompts   `json:"prompts"`
}

type rawProviderConfig struct {
	Name       string `json:"name"`
	APIKeyEnv  string `json:"apiKeyEnv"`
	BaseURL    string `json:"baseUrl,omitempty"`
}

type rawMCPServerConfig struct {
	Transport  string            `json:"transport"` // "stdio" | "sse" | "http"
	Command    string            `json:"command,omitempty"`
	Args       []string          `json:"args,omitempty"`
	Env        map[string]string `json:"env,omitempty"`
	URL        string            `json:"url,omitempty"`
	ToolPrefix string            `json:"toolPrefix,omitempty"`
	Disabled   bool              `json:"disabled,omitempty"`
}

type rawDiscordConfig struct {
	Token          string   `json:"token"`
	ServerTag      string   `json:"serverTag"`
	AllowFrom      []string `json:"allowFrom"`
	RequireMention bool     `json:"requireMention"`
}

type rawSlackConfig struct {
	BotToken  string   `json:"botToken"`
	AppToken  string   `json:"appToken"`
	ServerTag string   `json:"serverTag"`
	AllowFrom []string `json:"allowFrom"`
}

type rawIRCConfig struct {
	Server    string   `json:"server"`
	TLS       bool     `json:"tls"`
	Nick      string   `json:"nick"`
	User      string   `json:"user"`
	RealName  string   `json:"realName"`
	Password  string   `json:"password"`
	Channels  []string `json:"channels"`
	AllowFrom []string `json:"allowFrom"`
	ServerTag string   `json:"serverTag"`
}

type rawChannelsConfig struct {
	Discord rawDiscordConfig `json:"discord"`
	Slack   rawSlackConfig   `json:"slack"`
	IRC     rawIRCConfig     `json:"irc"`
}

type rawStorageConfig struct {
	HistoryPath               string `json:"historyPath"`
	ChroniclePath             string `json:"chroniclePath"`
	AutoChronicleSchedule     string `json:"autoChronicleSchedule"`
	AutoChronicleStaleSeconds int    `json:"autoChronicleStaleSeconds"`
	AutoChroniclePollSeconds  int    `json:"autoChroniclePollSeconds"`
	AutoChronicleModel        string `json:"autoChronicleModel"`
}

type rawFile struct {
	Command             rawCommandConfig              `json:"command"`
	Proactive            rawProactiveConfig            `json:"proactive"`
	RefusalFallbackModel string                        `json:"refusalFallbackModel"`
	Providers            []rawProviderConfig           `json:"providers"`
	MCPServers            map[string]rawMCPServerConfig `json:"mcpServers"`
	Channels             rawChannelsConfig             `json:"channels"`
	Storage              rawStorageConfig              `json:"storage"`
}

// MCPServerConfig describes one external MCP server the bot's tool
// bridge (internal/mcp) connects to at startup.
type MCPServerConfig struct {
	Name       string
	Transport  string
	Command    string
	Args       []string
	Env        map[string]string
	URL        string
	ToolPrefix string
	Disabled   bool
}

// ProviderConfig is a resolved LLM provider entry. The API key itself is
// never stored here — only the env var name to resolve it from, following
// a secrets-only-from-env convention.
type ProviderConfig struct {
	Name      string
	APIKeyEnv string
	BaseURL   string
}

// Config is the live, hot-reloadable configuration surface. All accessors
// are safe for concurrent use; reload atomically swaps the resolved
// snapshot.
type Config struct {
	path string
	snap atomic.Pointer[snapshot]

	mu       sync.Mutex
	watchers []func()
}

type snapshot struct {
	command              CommandConfig
	proactive             ProactiveConfig
	refusalFallbackModel string
	providers             []ProviderConfig
	mcpServers            []MCPServerConfig
	channels              ChannelsConfig
	storage               StorageConfig
}

// Default returns a Config with a minimal, valid default snapshot —
// a single "serious" mode triggered by "!s", which is also the default
// mode ("trigger:!s"), so the classifier is never consulted. Callers
// normally call Load instead.
func Default() *Config {
	c := &Config{}
	c.snap.Store(&snapshot{
		command: CommandConfig{
			HistorySize: 20,
			DefaultMode: "trigger:!s",
			Modes: map[string]Mode{
				"serious": {
					Model:    []string{"anthropic:claude-3-5-sonnet-20241022"},
					Triggers: map[string]bool{"!s": true},
					Steering: true,
				},
			},
			ChannelModes: map[string]string{},
			FlagTokens:   map[string]bool{},
			IgnoreUsers:  map[string]bool{},
		},
		proactive: ProactiveConfig{
			InterjectingChannels: map[string]bool{},
			DebounceSeconds:      30,
			RateLimit:            3,
			RatePeriodSeconds:    3600,
			InterjectThreshold:   7,
		},
		storage: buildStorageConfig(rawStorageConfig{}),
	})
	return c
}

// FromSnapshot builds a Config from explicit, already-resolved values
// rather than a file on disk — for tests and for embedders that assemble
// configuration programmatically.
func FromSnapshot(cmd CommandConfig, proactive ProactiveConfig, refusalFallbackModel string) *Config {
	c := &Config{}
	c.snap.Store(&snapshot{
		command:              cmd,
		proactive:            proactive,
		refusalFallbackModel: refusalFallbackModel,
		storage:              buildStorageConfig(rawStorageConfig{}),
	})
	return c
}

// Load reads and parses a JSON5 config file into a validated Config.
func Load(path string) (*Config, error) {
	c := &Config{path: path}
	if err := c.reload(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Config) reload() error {
	data, err := os.ReadFile(c.path)
	if err != nil {
		return fmt.Errorf("config: read %s: %w", c.path, err)
	}

	var raw rawFile
	if err := json5.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("config: parse %s: %w", c.path, err)
	}

	cmd := buildCommandConfig(raw.Command)
	if err := cmd.Validate(); err != nil {
		return err
	}

	snap := &snapshot{
		command:               cmd,
		proactive:              buildProactiveConfig(raw.Proactive),
		refusalFallbackModel: raw.RefusalFallbackModel,
		providers:              buildProviders(raw.Providers),
		mcpServers:             buildMCPServers(raw.MCPServers),
		channels:               buildChannelsConfig(raw.Channels),
		storage:                buildStorageConfig(raw.Storage),
	}
	c.snap.Store(snap)
	return nil
}

func buildCommandConfig(raw rawCommandConfig) CommandConfig {
	modes := make(map[string]Mode, len(raw.Modes))
	for key, rm := range raw.Modes {
		triggers := make(map[string]bool, len(rm.Triggers))
		for _, t := range rm.Triggers {
			triggers[t] = true
		}
		steering := true
		if rm.Steering != nil {
			steering = *rm.Steering
		}
		modes[key] = Mode{
			Model:             rm.Model,
			Prompt:            rm.Prompt,
			Triggers:          triggers,
			ReasoningEffort:   rm.ReasoningEffort,
			Steering:          steering,
			AutoReduceContext: rm.AutoReduceContext,
			Tools:             rm.Tools,
		}
	}

	flagTokens := make(map[string]bool, len(raw.FlagTokens))
	for _, f := range raw.FlagTokens {
		flagTokens[f] = true
	}
	ignoreUsers := make(map[string]bool, len(raw.IgnoreUsers))
	for _, u := range raw.IgnoreUsers {
		ignoreUsers[u] = true
	}
	channelModes := raw.ChannelModes
	if channelModes == nil {
		channelModes = map[string]string{}
	}

	return CommandConfig{
		HistorySize:  raw.HistorySize,
		DefaultMode:  raw.DefaultMode,
		ChannelModes: channelModes,
		Modes:        modes,
		ModeClassifier: ModeClassifier{
			Model:         raw.ModeClassifier.Model,
			Labels:        raw.ModeClassifier.Labels,
			FallbackLabel: raw.ModeClassifier.FallbackLabel,
			Prompt:        raw.ModeClassifier.Prompt,
		},
		HelpToken:   raw.HelpToken,
		FlagTokens:  flagTokens,
		IgnoreUsers: ignoreUsers,
	}
}

func buildProactiveConfig(raw rawProactiveConfig) ProactiveConfig {
	channels := make(map[string]bool, len(raw.InterjectingChannels))
	for _, c := range raw.InterjectingChannels {
		channels[c] = true
	}
	return ProactiveConfig{
		InterjectingChannels: channels,
		DebounceSeconds:      raw.DebounceSeconds,
		HistorySize:          raw.HistorySize,
		RateLimit:            raw.RateLimit,
		RatePeriodSeconds:    raw.RatePeriodSeconds,
		InterjectThreshold:   raw.InterjectThreshold,
		ValidationModels:     raw.ValidationModels,
		SeriousModel:         raw.SeriousModel,
		SeriousModeKey:       raw.SeriousModeKey,
		Prompts:              raw.Prompts,
	}
}

func buildProviders(raw []rawProviderConfig) []ProviderConfig {
	out := make([]ProviderConfig, len(raw))
	for i, p := range raw {
		out[i] = ProviderConfig{Name: p.Name, APIKeyEnv: p.APIKeyEnv, BaseURL: p.BaseURL}
	}
	return out
}

func buildMCPServers(raw map[string]rawMCPServerConfig) []MCPServerConfig {
	out := make([]MCPServerConfig, 0, len(raw))
	for name, s := range raw {
		out = append(out, MCPServerConfig{
			Name:       name,
			Transport:  s.Transport,
			Command:    s.Command,
			Args:       s.Args,
			Env:        s.Env,
			URL:        s.URL,
			ToolPrefix: s.ToolPrefix,
			Disabled:   s.Disabled,
		})
	}
	return out
}

func buildChannelsConfig(raw rawChannelsConfig) ChannelsConfig {
	return ChannelsConfig{
		Discord: DiscordConfig{
			Token:          raw.Discord.Token,
			ServerTag:      raw.Discord.ServerTag,
			AllowFrom:      raw.Discord.AllowFrom,
			RequireMention: raw.Discord.RequireMention,
		},
		Slack: SlackConfig{
			BotToken:  raw.Slack.BotToken,
			AppToken:  raw.Slack.AppToken,
			ServerTag: raw.Slack.ServerTag,
			AllowFrom: raw.Slack.AllowFrom,
		},
		IRC: IRCConfig{
			Server:    raw.IRC.Server,
			TLS:       raw.IRC.TLS,
			Nick:      raw.IRC.Nick,
			User:      raw.IRC.User,
			RealName:  raw.IRC.RealName,
			Password:  raw.IRC.Password,
			Channels:  raw.IRC.Channels,
			AllowFrom: raw.IRC.AllowFrom,
			ServerTag: raw.IRC.ServerTag,
		},
	}
}

func buildStorageConfig(raw rawStorageConfig) StorageConfig {
	cfg := StorageConfig{
		HistoryPath:               raw.HistoryPath,
		ChroniclePath:             raw.ChroniclePath,
		AutoChronicleSchedule:     raw.AutoChronicleSchedule,
		AutoChronicleStaleSeconds: raw.AutoChronicleStaleSeconds,
		AutoChroniclePollSeconds:  raw.AutoChroniclePollSeconds,
		AutoChronicleModel:        raw.AutoChronicleModel,
	}
	if cfg.HistoryPath == "" {
		cfg.HistoryPath = "history.db"
	}
	if cfg.ChroniclePath == "" {
		cfg.ChroniclePath = "chronicle.db"
	}
	if cfg.AutoChronicleSchedule == "" {
		cfg.AutoChronicleSchedule = "0 * * * *"
	}
	if cfg.AutoChronicleStaleSeconds == 0 {
		cfg.AutoChronicleStaleSeconds = 3600
	}
	if cfg.AutoChroniclePollSeconds == 0 {
		cfg.AutoChroniclePollSeconds = 60
	}
	return cfg
}

// Command returns the current resolved CommandConfig snapshot.
func (c *Config) Command() CommandConfig { return c.snap.Load().command }

// Proactive returns the current resolved ProactiveConfig snapshot.
func (c *Config) Proactive() ProactiveConfig { return c.snap.Load().proactive }

// RefusalFallbackModel returns the configured fallback model spec, or ""
// if refusal fallback is disabled.
func (c *Config) RefusalFallbackModel() string { return c.snap.Load().refusalFallbackModel }

// Providers returns the resolved provider list.
func (c *Config) Providers() []ProviderConfig { return c.snap.Load().providers }

// MCPServers returns the resolved MCP server list the tool bridge
// (internal/mcp) connects to at startup.
func (c *Config) MCPServers() []MCPServerConfig { return c.snap.Load().mcpServers }

// Channels returns the resolved transport adapter settings.
func (c *Config) Channels() ChannelsConfig { return c.snap.Load().channels }

// Storage returns the resolved persisted-state paths and auto-chronicler
// schedule.
func (c *Config) Storage() StorageConfig { return c.snap.Load().storage }

// WatchReload starts an fsnotify watch on the config file and hot-reloads
// the snapshot on write events. Parse/validation errors are logged and
// leave the previous snapshot in place — a bad edit never takes the bot
// down. Returns a stop function.
func (c *Config) WatchReload() (stop func(), err error) {
	if c.path == "" {
		return func() {}, nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("config: watch %s: %w", c.path, err)
	}
	if err := watcher.Add(c.path); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("config: watch %s: %w", c.path, err)
	}

	done := make(chan struct{})
	go func() {
		for {
			select {
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				if err := c.reload(); err != nil {
					slog.Warn("config: hot reload failed, keeping previous snapshot", "path", c.path, "error", err)
					continue
				}
				slog.Info("config: reloaded", "path", c.path)
				c.mu.Lock()
				for _, w := range c.watchers {
					w()
				}
				c.mu.Unlock()
			case <-done:
				return
			}
		}
	}()

	return func() {
		close(done)
		watcher.Close()
	}, nil
}

// OnReload registers a callback invoked after a successful hot reload.
func (c *Config) OnReload(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.watchers = append(c.watchers, fn)
}
