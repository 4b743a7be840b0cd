package cmd

import (
	"log/slog"
	"os"

	"github.com/oakmoss/steerbot/internal/config"
	"github.com/oakmoss/steerbot/internal/llm"
)

// registerProviders wires every configured provider into client: one
// provider per config entry, API key resolved from the named env var
// (never stored in config itself), anthropic getting its dedicated
// client and every other name treated as an OpenAI-compatible endpoint.
func registerProviders(client *llm.Client, providers []config.ProviderConfig) {
	for _, p := range providers {
		apiKey := os.Getenv(p.APIKeyEnv)
		if apiKey == "" {
			slog.Warn("provider skipped: API key env var not set", "provider", p.Name, "env", p.APIKeyEnv)
			continue
		}
		if p.Name == "anthropic" {
			client.Register(llm.NewAnthropicProvider(apiKey))
		} else {
			client.Register(llm.NewOpenAIProvider(p.Name, apiKey, p.BaseURL, ""))
		}
		slog.Info("registered provider", "name", p.Name)
	}
}
