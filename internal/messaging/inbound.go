package messaging

import "context"

// Inbound is one user message received from the chat platform, in the
// platform-neutral shape the rest of the bridge consumes.
type Inbound struct {
	ChannelID string
	ThreadID  string
	MessageID string
	AuthorID  string
	ReplyToID string
	Content   string

	Attachments []InboundAttachment
}

// InboundAttachment is one file attached to an inbound message.
type InboundAttachment struct {
	URL      string
	Filename string
}

// InboundHandler consumes received messages. Handlers own their error
// reporting; a listener never retries a handled message.
type InboundHandler func(ctx context.Context, m Inbound)
