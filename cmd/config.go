package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/oakmoss/steerbot/internal/config"
)

func configCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Validate the config file and print a summary",
		Run: func(cmd *cobra.Command, args []string) {
			path := resolveConfigPath()
			cfg, err := config.Load(path)
			if err != nil {
				fmt.Fprintf(os.Stderr, "config: %v\n", err)
				os.Exit(1)
			}

			cmdCfg := cfg.Command()
			fmt.Printf("config: %s (valid)\n", path)
			fmt.Printf("default mode: %s\n", cmdCfg.DefaultMode)
			for modeKey, mode := range cmdCfg.Modes {
				var triggers []string
				for t := range mode.Triggers {
					triggers = append(triggers, t)
				}
				fmt.Printf("mode %s: model=%v triggers=%v steering=%v\n", modeKey, mode.Model, triggers, mode.Steering)
			}
			for _, p := range cfg.Providers() {
				fmt.Printf("provider %s: key from $%s\n", p.Name, p.APIKeyEnv)
			}

			ch := cfg.Channels()
			fmt.Printf("channels: discord=%v slack=%v irc=%v\n",
				ch.Discord.Token != "", ch.Slack.BotToken != "", ch.IRC.Server != "")
		},
	}
}
