package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/mudco/bridge/internal/config"
	"github.com/mudco/bridge/internal/hookclient"
)

var (
	emitProject  string
	emitAgent    string
	emitInstance string
	emitTurn     string
	emitType     string
	emitText     string
	emitSeq      int64
)

var emitCmd = &cobra.Command{
	Use:   "emit",
	Short: "Post an agent lifecycle event to the local bridge",
	Long: `Posts a lifecycle event to the running bridge's /agent-event endpoint.
Intended for agent hook scripts:

  bridge emit --project myapp --instance codex-1 --turn t42 \
      --type session.final --text "$SUMMARY"

session.start and session.error are retried briefly if the bridge is
unreachable; other event kinds are single-shot, since the capture poller
recovers their output anyway.`,
	RunE: runEmit,
}

func init() {
	rootCmd.AddCommand(emitCmd)
	emitCmd.Flags().StringVar(&emitProject, "project", "", "Project name (required)")
	emitCmd.Flags().StringVar(&emitAgent, "agent", "codex", "Agent type")
	emitCmd.Flags().StringVar(&emitInstance, "instance", "", "Instance id")
	emitCmd.Flags().StringVar(&emitTurn, "turn", "", "Turn id for event sequencing")
	emitCmd.Flags().StringVar(&emitType, "type", "", "Event kind: session.start|progress|final|idle|error|cancelled (required)")
	emitCmd.Flags().StringVar(&emitText, "text", "", "Event text")
	emitCmd.Flags().Int64Var(&emitSeq, "seq", 0, "Explicit sequence number (auto-assigned per turn when 0)")
	emitCmd.MarkFlagRequired("project")
	emitCmd.MarkFlagRequired("type")
}

func runEmit(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	client := hookclient.New(cfg.Server.Port, cfg.Hooks)
	event := hookclient.Event{
		ProjectName: emitProject,
		AgentType:   emitAgent,
		InstanceID:  emitInstance,
		Type:        "session." + normalizeEventType(emitType),
		TurnID:      emitTurn,
		Seq:         emitSeq,
		Text:        emitText,
	}

	switch event.Type {
	case "session.start", "session.error":
		return emitWithRetry(client, event, cfg.HookTimeout())
	default:
		ctx, cancel := context.WithTimeout(context.Background(), cfg.HookTimeout())
		defer cancel()
		if !client.Post(ctx, event) {
			return fmt.Errorf("bridge did not accept the event")
		}
		return nil
	}
}

// emitWithRetry queues the event and drains the outbox until it is
// delivered or the retry schedule is exhausted.
func emitWithRetry(client *hookclient.Client, event hookclient.Event, timeout time.Duration) error {
	client.Enqueue(event)

	ctx, cancel := context.WithTimeout(context.Background(), 4*timeout)
	defer cancel()
	go func() {
		for client.OutboxDepth() > 0 && ctx.Err() == nil {
			time.Sleep(50 * time.Millisecond)
		}
		cancel()
	}()
	client.Run(ctx)

	if client.OutboxDepth() > 0 {
		return fmt.Errorf("bridge did not accept the event before the deadline")
	}
	return nil
}

func normalizeEventType(t string) string {
	const prefix = "session."
	if len(t) > len(prefix) && t[:len(prefix)] == prefix {
		return t[len(prefix):]
	}
	return t
}
