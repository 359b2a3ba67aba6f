package messaging

import (
	"context"
	"log"
	"strings"

	"github.com/slack-go/slack"

	"github.com/mudco/bridge/internal/textutil"
)

// slackMaxMessage is Slack's practical per-message text limit.
const slackMaxMessage = 4000

// SlackClient implements Client on slack-go.
type SlackClient struct {
	api *slack.Client
}

// NewSlackClient creates a Slack-backed messaging client.
func NewSlackClient(botToken string) *SlackClient {
	return &SlackClient{api: slack.New(botToken)}
}

func (c *SlackClient) Platform() string { return "slack" }

func (c *SlackClient) SendToChannel(ctx context.Context, channelID, text string) error {
	for _, chunk := range textutil.SplitForChat(text, slackMaxMessage) {
		if strings.TrimSpace(chunk) == "" {
			continue
		}
		_, _, err := c.api.PostMessageContext(ctx, channelID,
			slack.MsgOptionText(chunk, false))
		if err != nil {
			return err
		}
	}
	return nil
}

func (c *SlackClient) SendLongOutput(ctx context.Context, channelID, text string) error {
	return c.SendToChannel(ctx, channelID, text)
}

func (c *SlackClient) SendToChannelWithFiles(ctx context.Context, channelID, text string, files []string) error {
	if err := c.SendToChannel(ctx, channelID, text); err != nil {
		return err
	}
	for _, path := range files {
		_, err := c.api.UploadFileV2Context(ctx, slack.UploadFileV2Parameters{
			Channel: channelID,
			File:    path,
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func (c *SlackClient) AddReactionToMessage(ctx context.Context, channelID, messageID, emoji string) error {
	return c.api.AddReactionContext(ctx, SlackEmojiName(emoji),
		slack.NewRefToMessage(channelID, messageID))
}

func (c *SlackClient) ReplaceOwnReactionOnMessage(ctx context.Context, channelID, messageID, oldEmoji, newEmoji string) error {
	if oldEmoji != "" {
		err := c.api.RemoveReactionContext(ctx, SlackEmojiName(oldEmoji),
			slack.NewRefToMessage(channelID, messageID))
		if err != nil {
			log.Printf("Slack: removing reaction %s: %v", oldEmoji, err)
		}
	}
	return c.AddReactionToMessage(ctx, channelID, messageID, newEmoji)
}

// StartTypingIndicator is a no-op on Slack: the typing event is only
// available over RTM, which bot tokens no longer get. Reactions carry the
// progress signal instead.
func (c *SlackClient) StartTypingIndicator(channelID string) func() {
	return func() {}
}

// DeleteChannel archives the conversation; Slack bots cannot delete
// channels outright.
func (c *SlackClient) DeleteChannel(ctx context.Context, channelID string) error {
	return c.api.ArchiveConversationContext(ctx, channelID)
}

func (c *SlackClient) ArchiveChannel(ctx context.Context, channelID string) error {
	return c.api.ArchiveConversationContext(ctx, channelID)
}
