// Package resolver parses trigger tokens, flags, and model overrides
// off the front of a room message and resolves them to a mode runtime.
package resolver

import (
	"fmt"
	"strings"

	"github.com/oakmoss/steerbot/internal/bus"
	"github.com/oakmoss/steerbot/internal/config"
)

// NoContextFlag is the flag token that suppresses conversation-history
// context for the turn it applies to. It always
// bypasses steering: a message carrying it runs as its own isolated turn
// regardless of whether a session is already active.
const NoContextFlag = "--no-context"

// ResolvedCommand is the outcome of resolving one inbound message against
// a CommandConfig: which mode it targets, with what runtime, and what
// remains of the message text after the trigger/flags are stripped.
type ResolvedCommand struct {
	ModeKey        string
	Trigger        string // "" if resolved via classifier rather than an explicit trigger
	Runtime        config.ModeRuntime
	Flags          map[string]bool
	HelpRequested  bool
	NeedsClassify  bool   // true when no explicit trigger matched and classification is required
	ModelOverride  string // "provider:modelId" from an "@provider:modelId" token, "" if absent
	CleanedContent string
	ParseError     string // "Unknown command <tok>" when an unrecognized command-like token was seen
}

// parsePrefix splits the first whitespace-delimited token off content,
// returning it and the remaining text. It does not judge the token;
// tokens are operator-defined like "!s" or "--verbose", and Resolve
// matches them against the config (looksLikeCommand handles the rest).
func parsePrefix(content string) (token, rest string) {
	trimmed := strings.TrimLeft(content, " \t")
	if trimmed == "" {
		return "", ""
	}
	idx := strings.IndexAny(trimmed, " \t")
	if idx < 0 {
		return trimmed, ""
	}
	return trimmed[:idx], strings.TrimLeft(trimmed[idx+1:], " \t")
}

// looksLikeCommand reports whether token resembles a command/flag token
// by the conventions every example trigger, flag, and help token in this
// codebase follows ("!s", "--no-context", "!help") even though it didn't
// match any of them. Used to tell a genuine attempted-but-unknown command
// apart from ordinary leading words of a passive message.
func looksLikeCommand(token string) bool {
	if token == "" {
		return false
	}
	switch token[0] {
	case '!', '/', '-', '@':
		return true
	default:
		return false
	}
}

// stripAddressPrefix removes a leading "mynick:" or "mynick," address,
// so "steerbot: !s hello" parses the same as "!s hello".
func stripAddressPrefix(content, myNick string) string {
	if myNick == "" {
		return content
	}
	trimmed := strings.TrimLeft(content, " \t")
	if len(trimmed) <= len(myNick) || !strings.EqualFold(trimmed[:len(myNick)], myNick) {
		return content
	}
	switch trimmed[len(myNick)] {
	case ':', ',':
		return strings.TrimLeft(trimmed[len(myNick)+1:], " \t")
	default:
		return content
	}
}

// parseModelOverride recognizes an "@provider:modelId" token, returning
// the bare "provider:modelId" spec.
func parseModelOverride(token string) (string, bool) {
	if len(token) < 2 || token[0] != '@' {
		return "", false
	}
	spec := token[1:]
	idx := strings.Index(spec, ":")
	if idx <= 0 || idx == len(spec)-1 {
		return "", false
	}
	return spec, true
}

// Resolve consumes leading trigger and flag tokens from msg.Content against
// cfg, in the order they appear, until a non-token word is reached or the
// content is exhausted. The first trigger token found (if any) determines
// the mode; flag tokens accumulate regardless of position relative to the
// trigger. If cfg.HelpToken appears among the consumed tokens,
// HelpRequested is set. If no trigger token is found, NeedsClassify is set
// so the caller can run the mode classifier and then call
// RuntimeForTrigger/TriggerForLabel to finish resolution.
func Resolve(cfg config.CommandConfig, msg bus.RoomMessage) ResolvedCommand {
	out := ResolvedCommand{Flags: map[string]bool{}}
	content := stripAddressPrefix(msg.Content, msg.MyNick)

loop:
	for {
		token, rest := parsePrefix(content)
		if token == "" {
			break
		}

		switch {
		case cfg.HelpToken != "" && token == cfg.HelpToken:
			out.HelpRequested = true
			content = rest
		case cfg.FlagTokens[token]:
			out.Flags[token] = true
			content = rest
		case out.Trigger == "" && cfg.TriggerOwner(token) != "":
			out.Trigger = token
			out.ModeKey = cfg.TriggerOwner(token)
			content = rest
		case out.ModelOverride == "" && token[0] == '@':
			spec, ok := parseModelOverride(token)
			if !ok {
				out.ParseError = fmt.Sprintf("Unknown command %s", token)
				break loop
			}
			out.ModelOverride = spec
			content = rest
		default:
			// not a recognized token: stop consuming prefix. If it looks
			// like an attempted command rather than ordinary text, record
			// why resolution couldn't continue instead of silently
			// treating it as the start of the query.
			if looksLikeCommand(token) {
				out.ParseError = fmt.Sprintf("Unknown command %s", token)
			}
			break loop
		}
	}

	out.CleanedContent = content
	switch {
	case out.ParseError != "":
		// resolution failed outright; the caller replies with the error
		// and never reaches classification or a mode runtime.
	case out.Trigger == "":
		out.NeedsClassify = true
	default:
		if rt, ok := cfg.RuntimeFor(out.ModeKey); ok {
			out.Runtime = rt
		}
	}
	return out
}

// RuntimeForTrigger resolves a bare trigger token to its mode runtime.
func RuntimeForTrigger(cfg config.CommandConfig, trigger string) (config.ModeRuntime, string, bool) {
	modeKey := cfg.TriggerOwner(trigger)
	if modeKey == "" {
		return config.ModeRuntime{}, "", false
	}
	rt, ok := cfg.RuntimeFor(modeKey)
	return rt, modeKey, ok
}

// TriggerForLabel maps a classifier label back to its owning trigger, for
// finishing resolution after NeedsClassify was set.
func TriggerForLabel(cfg config.CommandConfig, label string) (string, bool) {
	trig, ok := cfg.ModeClassifier.Labels[label]
	if !ok {
		// fall back to the classifier's declared fallback label
		if label != cfg.ModeClassifier.FallbackLabel {
			trig, ok = cfg.ModeClassifier.Labels[cfg.ModeClassifier.FallbackLabel]
		}
	}
	return trig, ok
}

// DefaultModeKey resolves cfg.DefaultMode (and any per-channel override in
// cfg.ChannelModes) to a concrete mode key and trigger, used when a message
// has no explicit trigger and classification is skipped or unavailable.
func DefaultModeKey(cfg config.CommandConfig, arcKey string) (modeKey, trigger string) {
	defaultMode := cfg.DefaultMode
	if override, ok := cfg.ChannelModes[arcKey]; ok {
		defaultMode = override
	}

	switch {
	case strings.HasPrefix(defaultMode, "trigger:"):
		trig := strings.TrimPrefix(defaultMode, "trigger:")
		return cfg.TriggerOwner(trig), trig
	case strings.HasPrefix(defaultMode, "classifier:"):
		return strings.TrimPrefix(defaultMode, "classifier:"), ""
	default:
		return "", ""
	}
}

// ShouldBypassSteering reports whether rc must run (or reply) as its own
// isolated turn, never blocking on or enqueueing into any existing
// session's steering queue: true for a help-token message,
// a message with a parse error, a message carrying NoContextFlag, or a
// message resolved to a mode configured with steering=false.
func ShouldBypassSteering(rc ResolvedCommand) bool {
	return rc.HelpRequested || rc.ParseError != "" || rc.Flags[NoContextFlag] || !rc.Runtime.Steering
}
