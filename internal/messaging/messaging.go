// Package messaging defines the chat-platform surface the bridge core
// depends on, plus the Discord and Slack implementations. The core only
// ever talks to the Client interface; reactions and typing indicators are
// best-effort everywhere.
package messaging

import "context"

// Client is the narrow messaging capability the bridge core consumes.
type Client interface {
	// Platform returns "discord" or "slack".
	Platform() string

	// SendToChannel delivers text, chunked to the platform limit.
	SendToChannel(ctx context.Context, channelID, text string) error

	// SendToChannelWithFiles delivers text plus file attachments.
	SendToChannelWithFiles(ctx context.Context, channelID, text string, files []string) error

	// SendLongOutput delivers large agent output, chunked.
	SendLongOutput(ctx context.Context, channelID, text string) error

	// AddReactionToMessage adds an emoji reaction to a message.
	AddReactionToMessage(ctx context.Context, channelID, messageID, emoji string) error

	// ReplaceOwnReactionOnMessage swaps the bot's own reaction.
	ReplaceOwnReactionOnMessage(ctx context.Context, channelID, messageID, oldEmoji, newEmoji string) error

	// StartTypingIndicator shows "typing..." in the channel until the
	// returned stop function is called. Stop is always safe to call.
	StartTypingIndicator(channelID string) (stop func())

	// DeleteChannel removes the channel (archives where deletion is not
	// supported by the platform).
	DeleteChannel(ctx context.Context, channelID string) error

	// ArchiveChannel closes the channel but keeps its history.
	ArchiveChannel(ctx context.Context, channelID string) error
}

// slackEmojiNames maps the unicode status emoji the tracker uses to Slack
// reaction names. Discord takes the unicode form directly.
var slackEmojiNames = map[string]string{
	"📥": "inbox_tray",
	"🚀": "rocket",
	"⏳": "hourglass_flowing_sand",
	"✅": "white_check_mark",
	"❌": "x",
	"🔁": "repeat",
	"🧠": "brain",
	"🧵": "thread",
	"📎": "paperclip",
	"↩️": "leftwards_arrow_with_hook",
	"⚠️": "warning",
}

// SlackEmojiName translates a unicode emoji to its Slack reaction name.
// Unknown emoji fall back to a generic marker rather than failing the call.
func SlackEmojiName(emoji string) string {
	if name, ok := slackEmojiNames[emoji]; ok {
		return name
	}
	return "speech_balloon"
}
