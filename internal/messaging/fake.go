package messaging

import (
	"context"
	"fmt"
	"sync"
)

// FakeClient is an in-memory Client used by tests across the bridge
// packages. It records every call in order and never fails unless told to.
type FakeClient struct {
	PlatformName string

	mu sync.Mutex
	// Ops is the ordered call log, e.g. "add:📥", "replace:📥→🚀",
	// "send:ch-1:hello", "typing-start:ch-1", "typing-stop:ch-1".
	Ops []string
	// Sent maps channelID to the texts delivered there.
	Sent map[string][]string
	// Files maps channelID to uploaded file paths.
	Files map[string][]string
	// FailSends makes every send call return an error.
	FailSends bool
}

// NewFakeClient creates a FakeClient reporting the given platform.
func NewFakeClient(platform string) *FakeClient {
	return &FakeClient{
		PlatformName: platform,
		Sent:         make(map[string][]string),
		Files:        make(map[string][]string),
	}
}

func (f *FakeClient) record(op string) {
	f.mu.Lock()
	f.Ops = append(f.Ops, op)
	f.mu.Unlock()
}

func (f *FakeClient) Platform() string { return f.PlatformName }

func (f *FakeClient) SendToChannel(ctx context.Context, channelID, text string) error {
	if f.FailSends {
		return fmt.Errorf("send failed")
	}
	f.mu.Lock()
	f.Ops = append(f.Ops, "send:"+channelID+":"+text)
	f.Sent[channelID] = append(f.Sent[channelID], text)
	f.mu.Unlock()
	return nil
}

func (f *FakeClient) SendLongOutput(ctx context.Context, channelID, text string) error {
	return f.SendToChannel(ctx, channelID, text)
}

func (f *FakeClient) SendToChannelWithFiles(ctx context.Context, channelID, text string, files []string) error {
	if err := f.SendToChannel(ctx, channelID, text); err != nil {
		return err
	}
	f.mu.Lock()
	f.Files[channelID] = append(f.Files[channelID], files...)
	f.mu.Unlock()
	return nil
}

func (f *FakeClient) AddReactionToMessage(ctx context.Context, channelID, messageID, emoji string) error {
	f.record("add:" + emoji)
	return nil
}

func (f *FakeClient) ReplaceOwnReactionOnMessage(ctx context.Context, channelID, messageID, oldEmoji, newEmoji string) error {
	f.record("replace:" + oldEmoji + "→" + newEmoji)
	return nil
}

func (f *FakeClient) StartTypingIndicator(channelID string) func() {
	f.record("typing-start:" + channelID)
	var once sync.Once
	return func() {
		once.Do(func() { f.record("typing-stop:" + channelID) })
	}
}

func (f *FakeClient) DeleteChannel(ctx context.Context, channelID string) error {
	f.record("delete-channel:" + channelID)
	return nil
}

func (f *FakeClient) ArchiveChannel(ctx context.Context, channelID string) error {
	f.record("archive-channel:" + channelID)
	return nil
}

// OpsSnapshot returns a copy of the call log.
func (f *FakeClient) OpsSnapshot() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.Ops...)
}

// SentTo returns the texts delivered to a channel.
func (f *FakeClient) SentTo(channelID string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.Sent[channelID]...)
}
