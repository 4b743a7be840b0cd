package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"
)

// providerDefaults maps a provider name to its conventional API-key env
// var and a sensible starting model.
var providerDefaults = map[string]struct {
	envKey string
	model  string
}{
	"anthropic":  {"ANTHROPIC_API_KEY", "anthropic:claude-3-5-sonnet-20241022"},
	"openai":     {"OPENAI_API_KEY", "openai:gpt-4o"},
	"openrouter": {"OPENROUTER_API_KEY", "openrouter:anthropic/claude-3.5-sonnet"},
}

// onboardFile is the subset of the config file the onboarding flow
// writes. Field tags match internal/config's on-disk format; plain JSON
// is also valid JSON5, so the written file loads through config.Load.
type onboardFile struct {
	Command struct {
		HistorySize int    `json:"historySize"`
		DefaultMode string `json:"defaultMode"`
		Modes       map[string]struct {
			Model    []string `json:"model"`
			Prompt   string   `json:"prompt"`
			Triggers []string `json:"triggers"`
			Steering bool     `json:"steering"`
		} `json:"modes"`
		HelpToken  string   `json:"helpToken"`
		FlagTokens []string `json:"flagTokens"`
	} `json:"command"`
	Providers []struct {
		Name      string `json:"name"`
		APIKeyEnv string `json:"apiKeyEnv"`
	} `json:"providers"`
	Storage struct {
		HistoryPath   string `json:"historyPath"`
		ChroniclePath string `json:"chroniclePath"`
	} `json:"storage"`
}

func onboardCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "onboard",
		Short: "Interactive first-run setup: provider, model, and trigger token",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runOnboard(resolveConfigPath())
		},
	}
}

func runOnboard(cfgPath string) error {
	provider := "anthropic"
	model := providerDefaults[provider].model
	trigger := "!s"
	overwrite := true

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewSelect[string]().
				Title("LLM provider").
				Description("The provider backing the default mode. Its API key is read from the environment, never stored in the config file.").
				Options(huh.NewOptions("anthropic", "openai", "openrouter")...).
				Value(&provider),
		),
		huh.NewGroup(
			huh.NewInput().
				Title("Default model").
				Description("provider:modelId").
				Value(&model),
			huh.NewInput().
				Title("Trigger token").
				Description("Token that addresses the bot explicitly, e.g. !s").
				Value(&trigger),
		),
	)
	if err := form.Run(); err != nil {
		return fmt.Errorf("onboard: %w", err)
	}

	if !strings.Contains(model, ":") {
		model = provider + ":" + model
	}

	if _, err := os.Stat(cfgPath); err == nil {
		confirm := huh.NewConfirm().
			Title(fmt.Sprintf("%s already exists. Overwrite?", cfgPath)).
			Value(&overwrite)
		if err := confirm.Run(); err != nil {
			return fmt.Errorf("onboard: %w", err)
		}
		if !overwrite {
			fmt.Println("Onboard: keeping the existing config, nothing written.")
			return nil
		}
	}

	var out onboardFile
	out.Command.HistorySize = 20
	out.Command.DefaultMode = "trigger:" + trigger
	out.Command.HelpToken = "!help"
	out.Command.FlagTokens = []string{"--no-context"}
	out.Command.Modes = map[string]struct {
		Model    []string `json:"model"`
		Prompt   string   `json:"prompt"`
		Triggers []string `json:"triggers"`
		Steering bool     `json:"steering"`
	}{
		"serious": {
			Model:    []string{model},
			Prompt:   "You are a helpful assistant in a chat room. Be concise.",
			Triggers: []string{trigger},
			Steering: true,
		},
	}
	out.Providers = []struct {
		Name      string `json:"name"`
		APIKeyEnv string `json:"apiKeyEnv"`
	}{
		{Name: provider, APIKeyEnv: providerDefaults[provider].envKey},
	}
	out.Storage.HistoryPath = "steerbot-history.db"
	out.Storage.ChroniclePath = "steerbot-chronicle.db"

	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return fmt.Errorf("onboard: encode config: %w", err)
	}
	if err := os.WriteFile(cfgPath, append(data, '\n'), 0o600); err != nil {
		return fmt.Errorf("onboard: write %s: %w", cfgPath, err)
	}

	fmt.Printf("Wrote %s.\n", cfgPath)
	if envKey := providerDefaults[provider].envKey; os.Getenv(envKey) == "" {
		fmt.Printf("Set %s before starting: the config file only names the env var, not the key itself.\n", envKey)
	}
	fmt.Println("Add channel credentials under \"channels\" in the config, then run: steerbot")
	return nil
}
