package cmd

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/oakmoss/steerbot/internal/agentrt"
	"github.com/oakmoss/steerbot/internal/bus"
	"github.com/oakmoss/steerbot/internal/channels"
	"github.com/oakmoss/steerbot/internal/channels/discord"
	"github.com/oakmoss/steerbot/internal/channels/irc"
	"github.com/oakmoss/steerbot/internal/channels/slack"
	"github.com/oakmoss/steerbot/internal/chronicle"
	"github.com/oakmoss/steerbot/internal/config"
	"github.com/oakmoss/steerbot/internal/coordinator"
	"github.com/oakmoss/steerbot/internal/history"
	"github.com/oakmoss/steerbot/internal/llm"
	"github.com/oakmoss/steerbot/internal/mcp"
	"github.com/oakmoss/steerbot/internal/proactive"
	"github.com/oakmoss/steerbot/internal/ratelimit"
	"github.com/oakmoss/steerbot/internal/sendretry"
)

// runServe wires every component together and blocks until SIGINT/SIGTERM:
// set up logging, load config, construct the stores and providers, wire
// the coordinator and its collaborators, start every configured channel,
// then shut down gracefully on signal.
func runServe() {
	logLevel := slog.LevelInfo
	if verbose {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})))

	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("config load failed", "path", cfgPath, "error", err)
		os.Exit(1)
	}
	stopWatch, err := cfg.WatchReload()
	if err != nil {
		slog.Warn("config hot-reload disabled", "error", err)
		stopWatch = func() {}
	}
	defer stopWatch()

	storageCfg := cfg.Storage()
	historyStore, err := history.Open(storageCfg.HistoryPath)
	if err != nil {
		slog.Error("history store open failed", "path", storageCfg.HistoryPath, "error", err)
		os.Exit(1)
	}
	defer historyStore.Close()

	chronicleStore, err := chronicle.Open(storageCfg.ChroniclePath)
	if err != nil {
		slog.Error("chronicle store open failed", "path", storageCfg.ChroniclePath, "error", err)
		os.Exit(1)
	}
	defer chronicleStore.Close()

	llmClient := llm.NewClient()
	registerProviders(llmClient, cfg.Providers())

	mcpManager := mcp.NewManager()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	mcpManager.Start(ctx, cfg.MCPServers())
	defer mcpManager.Stop()

	agent := agentrt.NewLLMAgent(llmClient).WithTools(mcpManager)

	autoChron := chronicle.NewAutoChronicler(
		chronicleStore,
		llmClient,
		storageCfg.AutoChronicleModel,
		storageCfg.AutoChronicleSchedule,
		time.Duration(storageCfg.AutoChronicleStaleSeconds)*time.Second,
		time.Duration(storageCfg.AutoChroniclePollSeconds)*time.Second,
	)
	go autoChron.Run(ctx)

	publish := func(ev bus.Event) {
		slog.Debug("event", "name", ev.Name, "payload", ev.Payload)
	}

	var coord *coordinator.Coordinator
	proactiveLimiter := ratelimit.New(cfg.Proactive().RateLimit, time.Duration(cfg.Proactive().RatePeriodSeconds)*time.Second)
	proactiveRunner := proactive.New(cfg, llmClient, historyStore, proactiveExecutor{get: func() *coordinator.Coordinator { return coord }}, proactiveLimiter)

	sendPolicy := sendretry.DefaultPolicy()
	var channelRegistry map[string]channels.Channel

	coord = coordinator.New(coordinator.Deps{
		Config:     cfg,
		Completer:  llmClient,
		Agent:      agent,
		History:    historyStore,
		Proactive:  proactiveRunner,
		Chronicler: autoChron,
		Publish:    publish,
		SendReply: func(ctx context.Context, msg bus.OutboundMessage) error {
			ch, ok := channelRegistry[msg.Arc.ServerTag]
			if !ok {
				slog.Warn("no channel registered for reply", "server_tag", msg.Arc.ServerTag)
				return nil
			}
			return sendretry.Send(ctx, sendPolicy, ch.Name(), msg.Arc.ChannelName, func(ctx context.Context) error {
				return ch.Send(ctx, msg)
			}, func(ev bus.SendRetryEvent) { publish(bus.Event{Name: "send_retry", Payload: ev}) })
		},
	})

	channelRegistry = buildChannels(cfg.Channels(), coord.HandleMessage)

	for tag, ch := range channelRegistry {
		if err := ch.Start(ctx); err != nil {
			slog.Error("channel start failed", "tag", tag, "error", err)
		}
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	slog.Info("shutting down")
	for tag, ch := range channelRegistry {
		if err := ch.Stop(context.Background()); err != nil {
			slog.Warn("channel stop failed", "tag", tag, "error", err)
		}
	}
}

// buildChannels constructs a Channel for every configured transport, keyed
// by its ServerTag so outbound replies route back to the adapter that
// produced the originating Arc.
func buildChannels(cfg config.ChannelsConfig, dispatch channels.Dispatch) map[string]channels.Channel {
	out := make(map[string]channels.Channel)

	if cfg.Discord.Token != "" {
		ch, err := discord.New(discord.Config{
			Token:          cfg.Discord.Token,
			ServerTag:      cfg.Discord.ServerTag,
			AllowFrom:      cfg.Discord.AllowFrom,
			RequireMention: cfg.Discord.RequireMention,
		}, dispatch)
		if err != nil {
			slog.Error("discord channel construction failed", "error", err)
		} else {
			out[cfg.Discord.ServerTag] = ch
		}
	}

	if cfg.Slack.BotToken != "" {
		ch := slack.New(slack.Config{
			BotToken:  cfg.Slack.BotToken,
			AppToken:  cfg.Slack.AppToken,
			ServerTag: cfg.Slack.ServerTag,
			AllowFrom: cfg.Slack.AllowFrom,
		}, dispatch)
		out[cfg.Slack.ServerTag] = ch
	}

	if cfg.IRC.Server != "" {
		ircCfg := irc.Config{
			Server:    cfg.IRC.Server,
			TLS:       cfg.IRC.TLS,
			Nick:      cfg.IRC.Nick,
			User:      cfg.IRC.User,
			RealName:  cfg.IRC.RealName,
			Password:  cfg.IRC.Password,
			Channels:  cfg.IRC.Channels,
			AllowFrom: cfg.IRC.AllowFrom,
			ServerTag: cfg.IRC.ServerTag,
		}
		if ircCfg.ServerTag == "" {
			ircCfg.ServerTag = ircCfg.Server
		}
		ch := irc.New(ircCfg, dispatch)
		out[ircCfg.ServerTag] = ch
	}

	return out
}

// proactiveExecutor lazily resolves the coordinator, since proactive.New
// and coordinator.New need each other's finished value (the coordinator's
// Deps.Proactive is the runner; the runner's Executor is the coordinator).
type proactiveExecutor struct {
	get func() *coordinator.Coordinator
}

func (p proactiveExecutor) ExecuteProactive(ctx context.Context, arcKey, modeKey string, msg bus.RoomMessage) (agentrt.AgentSession, error) {
	return p.get().ExecuteProactive(ctx, arcKey, modeKey, msg)
}
