package routing

import (
	"context"
	"strings"
	"time"

	"github.com/mudco/bridge/internal/state"
)

// Outcome reports how a submission ended.
type Outcome string

const (
	// OutcomeSent means the prompt reached the agent.
	OutcomeSent Outcome = "sent"
	// OutcomeRestarted means the agent was down and has been relaunched;
	// the prompt was NOT sent and the user must resend it.
	OutcomeRestarted Outcome = "restarted"
)

// shellCommands are foreground processes that mean "no agent is running
// here, just a shell".
var shellCommands = map[string]bool{
	"bash": true,
	"zsh":  true,
	"sh":   true,
	"fish": true,
	"dash": true,
}

// submit delivers content into the instance's pane using the agent type's
// submission protocol.
func (r *Router) submit(ctx context.Context, ref state.Ref, content string) (Outcome, error) {
	switch strings.ToLower(ref.AgentType) {
	case "opencode":
		return r.submitOpencode(ctx, ref, content)
	case "codex":
		return r.submitCodex(ctx, ref, content)
	default:
		if err := r.term.SendKeysToWindow(ctx, ref.TmuxWindow, content); err != nil {
			return "", err
		}
		return OutcomeSent, nil
	}
}

// submitOpencode types the text, waits, then presses Enter. The gap keeps
// the submission from racing opencode's own input buffering.
func (r *Router) submitOpencode(ctx context.Context, ref state.Ref, content string) (Outcome, error) {
	if err := r.term.TypeKeysToWindow(ctx, ref.TmuxWindow, content); err != nil {
		return "", err
	}
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case <-time.After(r.cfg.OpencodeDelay()):
	}
	if err := r.term.SendEnterToWindow(ctx, ref.TmuxWindow); err != nil {
		return "", err
	}
	return OutcomeSent, nil
}

// submitCodex first checks the pane's foreground process. A plain shell
// means codex exited: relaunch it and report restarted so the caller asks
// the user to resend, instead of typing the prompt into a bare shell.
func (r *Router) submitCodex(ctx context.Context, ref state.Ref, content string) (Outcome, error) {
	cmd, err := r.term.GetPaneCurrentCommand(ctx, ref.TmuxWindow)
	if err != nil {
		return "", err
	}

	if shellCommands[strings.ToLower(cmd)] {
		if err := r.term.SendKeysToWindow(ctx, ref.TmuxWindow, "codex"); err != nil {
			return "", err
		}
		return OutcomeRestarted, nil
	}

	if err := r.term.SendKeysToWindow(ctx, ref.TmuxWindow, content); err != nil {
		return "", err
	}
	return OutcomeSent, nil
}
