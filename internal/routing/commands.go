package routing

import (
	"context"
	"fmt"
	"log"
	"strconv"
	"strings"

	"github.com/mudco/bridge/internal/state"
)

const keyCommandUsage = "Usage: /enter, /tab, /esc, /up or /down, optionally with a repeat count 1-20 (e.g. /down 3). The old !-prefixed form is no longer supported."

// keyTokens maps slash commands to tmux key names.
var keyTokens = map[string]string{
	"/enter": "Enter",
	"/tab":   "Tab",
	"/esc":   "Escape",
	"/up":    "Up",
	"/down":  "Down",
}

type keyCommand struct {
	token string
	count int
}

// parseKeyCommand recognizes key-injection commands. The bool result is
// true when the text is a key command at all, even a malformed one; a
// malformed command comes back with count 0.
func parseKeyCommand(text string) (keyCommand, bool) {
	fields := strings.Fields(strings.ToLower(text))
	if len(fields) == 0 || len(fields) > 2 {
		return keyCommand{}, false
	}
	token, ok := keyTokens[fields[0]]
	if !ok {
		return keyCommand{}, false
	}

	count := 1
	if len(fields) == 2 {
		n, err := strconv.Atoi(fields[1])
		if err != nil || n < 1 || n > 20 {
			return keyCommand{token: token}, true // malformed count
		}
		count = n
	}
	return keyCommand{token: token, count: count}, true
}

// isLegacyKeyCommand recognizes the retired !-prefixed key command form.
func isLegacyKeyCommand(text string) bool {
	lowered := strings.ToLower(text)
	for cmd := range keyTokens {
		if strings.HasPrefix(lowered, "!"+strings.TrimPrefix(cmd, "/")) {
			return true
		}
	}
	return false
}

// handleKeyCommand sends raw key tokens straight to the pane, bypassing
// prompt submission. Malformed commands send nothing.
func (r *Router) handleKeyCommand(ctx context.Context, m InboundMessage, ref state.Ref, cmd keyCommand) {
	if cmd.count < 1 {
		r.reply(ctx, m, keyCommandUsage)
		return
	}

	for i := 0; i < cmd.count; i++ {
		if err := r.term.SendRawKeyToWindow(ctx, ref.TmuxWindow, cmd.token); err != nil {
			log.Printf("Router: sending key %s to %s: %v", cmd.token, ref.TmuxWindow, err)
			r.reply(ctx, m, fmt.Sprintf("⚠️ Could not send %s to the %s pane; the tmux window may be gone.", cmd.token, ref.AgentType))
			return
		}
	}
}

type sessionCommand struct {
	archive bool // /qw archives the channel instead of deleting it
}

// parseSessionCommand recognizes the session-control commands /q and /qw.
func parseSessionCommand(text string) (sessionCommand, bool) {
	switch strings.ToLower(text) {
	case "/q":
		return sessionCommand{archive: false}, true
	case "/qw":
		return sessionCommand{archive: true}, true
	}
	return sessionCommand{}, false
}

// handleSessionCommand tears the instance down: kill the tmux window,
// remove the instance from state, forget its cached routes, then delete or
// archive the channel. The pending queue is always cleared, whatever else
// fails.
func (r *Router) handleSessionCommand(ctx context.Context, m InboundMessage, ref state.Ref, cmd sessionCommand) {
	defer r.tracker.ClearInstance(ref.Key())

	if err := r.term.KillWindow(ctx, ref.TmuxWindow); err != nil {
		log.Printf("Router: killing window %s: %v", ref.TmuxWindow, err)
		r.reply(ctx, m, fmt.Sprintf("⚠️ Could not kill tmux window %s; close it manually with `tmux kill-window -t %s`, then retry.", ref.TmuxWindow, ref.TmuxWindow))
		return
	}

	if err := r.store.RemoveInstance(ref.ProjectName, ref.InstanceID); err != nil {
		log.Printf("Router: removing instance %s: %v", ref.Key(), err)
		r.reply(ctx, m, "⚠️ The tmux window was closed, but removing the instance from state failed. Re-run the command or clean up the state file.")
		return
	}

	r.memory.ForgetInstance(ref.ProjectName, ref.InstanceID)
	if r.onInstanceRemoved != nil {
		r.onInstanceRemoved(ref.Key())
	}

	var err error
	if cmd.archive {
		err = r.msg.ArchiveChannel(ctx, ref.ChannelID)
	} else {
		err = r.msg.DeleteChannel(ctx, ref.ChannelID)
	}
	if err != nil {
		log.Printf("Router: closing channel %s: %v", ref.ChannelID, err)
		r.reply(ctx, m, "⚠️ The session was torn down, but the channel could not be closed; remove it manually.")
	}
}
