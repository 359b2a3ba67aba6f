package messaging

import (
	"context"
	"fmt"
	"log"
	"strings"

	"github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"github.com/slack-go/slack/socketmode"
)

// SlackListener receives messages over Socket Mode and hands them to an
// InboundHandler. Socket Mode keeps the bridge off the public internet,
// matching the localhost-only posture of the hook server.
type SlackListener struct {
	api     *slack.Client
	sm      *socketmode.Client
	handler InboundHandler
	selfID  string
}

// NewSlackListener creates a Socket Mode listener. The app token must be
// an app-level token (xapp-).
func NewSlackListener(botToken, appToken string, handler InboundHandler) (*SlackListener, error) {
	if appToken == "" {
		return nil, fmt.Errorf("slack app token is required for socket mode")
	}
	if !strings.HasPrefix(appToken, "xapp-") {
		return nil, fmt.Errorf("slack app token must start with xapp-")
	}

	api := slack.New(botToken, slack.OptionAppLevelToken(appToken))
	return &SlackListener{
		api:     api,
		sm:      socketmode.New(api),
		handler: handler,
	}, nil
}

// Run consumes Socket Mode events until ctx is cancelled. Blocks.
func (l *SlackListener) Run(ctx context.Context) error {
	auth, err := l.api.AuthTestContext(ctx)
	if err != nil {
		return fmt.Errorf("slack auth test: %w", err)
	}
	l.selfID = auth.UserID
	log.Printf("SlackListener: connected as %s", auth.User)

	go func() {
		if err := l.sm.RunContext(ctx); err != nil && ctx.Err() == nil {
			log.Printf("SlackListener: socket mode stopped: %v", err)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case evt, ok := <-l.sm.Events:
			if !ok {
				return fmt.Errorf("socket mode event stream closed")
			}
			l.handleEvent(ctx, evt)
		}
	}
}

func (l *SlackListener) handleEvent(ctx context.Context, evt socketmode.Event) {
	if evt.Type != socketmode.EventTypeEventsAPI {
		return
	}
	apiEvent, ok := evt.Data.(slackevents.EventsAPIEvent)
	if !ok {
		return
	}
	if evt.Request != nil {
		l.sm.Ack(*evt.Request)
	}

	msg, ok := apiEvent.InnerEvent.Data.(*slackevents.MessageEvent)
	if !ok {
		return
	}
	// Skip our own messages, other bots, and edits/joins.
	if msg.User == "" || msg.User == l.selfID || msg.BotID != "" || msg.SubType != "" {
		return
	}

	in := Inbound{
		ChannelID: msg.Channel,
		MessageID: msg.TimeStamp,
		AuthorID:  msg.User,
		Content:   msg.Text,
	}
	if msg.ThreadTimeStamp != "" && msg.ThreadTimeStamp != msg.TimeStamp {
		in.ThreadID = msg.ThreadTimeStamp
	}
	l.handler(ctx, in)
}
