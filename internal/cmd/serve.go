package cmd

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/mudco/bridge/internal/config"
	"github.com/mudco/bridge/internal/hookserver"
	"github.com/mudco/bridge/internal/messaging"
	"github.com/mudco/bridge/internal/pending"
	"github.com/mudco/bridge/internal/poller"
	"github.com/mudco/bridge/internal/routing"
	"github.com/mudco/bridge/internal/state"
	"github.com/mudco/bridge/internal/tmux"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the bridge: chat listener, capture poller, and hook server",
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	store, err := state.NewFileStore(cfg.StatePath)
	if err != nil {
		return fmt.Errorf("opening state %s: %w", cfg.StatePath, err)
	}

	client, err := newClient(cfg)
	if err != nil {
		return err
	}

	term := tmux.NewDriver()
	tracker := pending.NewTracker(client)
	memory := routing.NewMemory()
	router := routing.NewRouter(cfg, client, term, store, tracker, memory, routing.NewHTTPFetcher())
	poll := poller.New(cfg, term, client, tracker, store)
	server := hookserver.New(cfg, store, client, tracker, poll)
	router.OnInstanceRemoved(server.Sequencer().ForgetInstance)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	handler := func(ctx context.Context, m messaging.Inbound) {
		router.HandleMessage(ctx, routing.InboundMessage{
			ChannelID:   m.ChannelID,
			ThreadID:    m.ThreadID,
			MessageID:   m.MessageID,
			AuthorID:    m.AuthorID,
			ReplyToID:   m.ReplyToID,
			Content:     m.Content,
			Attachments: toAttachments(m.Attachments),
		})
	}

	errCh := make(chan error, 3)
	go func() { errCh <- server.Run(ctx) }()
	go func() {
		poll.Run(ctx)
		errCh <- nil
	}()
	go func() { errCh <- runListener(ctx, cfg, handler) }()

	log.Printf("Bridge: serving %s on port %d, state %s", cfg.Platform, cfg.Server.Port, cfg.StatePath)

	select {
	case <-ctx.Done():
		log.Printf("Bridge: shutdown signal received")
		return nil
	case err := <-errCh:
		if err != nil && ctx.Err() == nil {
			return err
		}
		return nil
	}
}

func newClient(cfg *config.Config) (messaging.Client, error) {
	switch cfg.Platform {
	case "discord":
		if cfg.Discord.Token == "" {
			return nil, fmt.Errorf("discord bot token is not configured")
		}
		return messaging.NewDiscordClient(cfg.Discord.Token), nil
	case "slack":
		if cfg.Slack.Token == "" {
			return nil, fmt.Errorf("slack bot token is not configured")
		}
		return messaging.NewSlackClient(cfg.Slack.Token), nil
	default:
		return nil, fmt.Errorf("unknown platform %q", cfg.Platform)
	}
}

func runListener(ctx context.Context, cfg *config.Config, handler messaging.InboundHandler) error {
	switch cfg.Platform {
	case "discord":
		return messaging.NewDiscordGateway(cfg.Discord.Token, handler).Run(ctx)
	case "slack":
		listener, err := messaging.NewSlackListener(cfg.Slack.Token, cfg.Slack.AppToken, handler)
		if err != nil {
			return err
		}
		return listener.Run(ctx)
	default:
		return fmt.Errorf("unknown platform %q", cfg.Platform)
	}
}

func toAttachments(in []messaging.InboundAttachment) []routing.Attachment {
	if len(in) == 0 {
		return nil
	}
	out := make([]routing.Attachment, len(in))
	for i, a := range in {
		out[i] = routing.Attachment{URL: a.URL, Filename: a.Filename}
	}
	return out
}
