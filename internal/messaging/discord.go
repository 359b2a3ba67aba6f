package messaging

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/mudco/bridge/internal/textutil"
)

const discordAPIBase = "https://discord.com/api/v10"

// interChunkDelay spaces out consecutive chunk sends to stay under the
// per-channel rate limit.
const interChunkDelay = 500 * time.Millisecond

// typingRefresh re-triggers Discord's ~10s typing indicator while a stop
// handle is held.
const typingRefresh = 8 * time.Second

// DiscordClient implements Client against the Discord REST API.
type DiscordClient struct {
	http     *http.Client
	botToken string
	apiBase  string

	mu     sync.Mutex
	typing map[string]*typingLoop
}

type typingLoop struct {
	cancel context.CancelFunc
	refs   int
}

// NewDiscordClient creates a Discord-backed messaging client.
func NewDiscordClient(botToken string) *DiscordClient {
	return &DiscordClient{
		http:     &http.Client{Timeout: 15 * time.Second},
		botToken: botToken,
		apiBase:  discordAPIBase,
		typing:   make(map[string]*typingLoop),
	}
}

func (c *DiscordClient) Platform() string { return "discord" }

func (c *DiscordClient) request(ctx context.Context, method, path string, body io.Reader, contentType string) error {
	req, err := http.NewRequestWithContext(ctx, method, c.apiBase+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bot "+c.botToken)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("discord %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	text, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return fmt.Errorf("discord %s %s: status %d: %s", method, path, resp.StatusCode, text)
}

func (c *DiscordClient) postJSON(ctx context.Context, path string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return c.request(ctx, http.MethodPost, path, bytes.NewReader(data), "application/json")
}

func (c *DiscordClient) SendToChannel(ctx context.Context, channelID, text string) error {
	chunks := textutil.SplitForChat(text, textutil.MaxMessageLength)
	for i, chunk := range chunks {
		if strings.TrimSpace(chunk) == "" {
			continue
		}
		err := c.postJSON(ctx, "/channels/"+channelID+"/messages", map[string]string{"content": chunk})
		if err != nil {
			return err
		}
		if i < len(chunks)-1 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(interChunkDelay):
			}
		}
	}
	return nil
}

func (c *DiscordClient) SendLongOutput(ctx context.Context, channelID, text string) error {
	return c.SendToChannel(ctx, channelID, text)
}

func (c *DiscordClient) SendToChannelWithFiles(ctx context.Context, channelID, text string, files []string) error {
	if len(files) == 0 {
		return c.SendToChannel(ctx, channelID, text)
	}

	var buf bytes.Buffer
	form := multipart.NewWriter(&buf)

	payload := map[string]string{}
	if strings.TrimSpace(text) != "" {
		payload["content"] = text
	}
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	if err := form.WriteField("payload_json", string(payloadJSON)); err != nil {
		return err
	}

	for i, path := range files {
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("reading attachment %s: %w", path, err)
		}
		name := filepath.Base(path)
		if name == "" || name == "." {
			name = "attachment.bin"
		}
		part, err := form.CreateFormFile(fmt.Sprintf("files[%d]", i), name)
		if err != nil {
			return err
		}
		if _, err := part.Write(data); err != nil {
			return err
		}
	}
	if err := form.Close(); err != nil {
		return err
	}

	return c.request(ctx, http.MethodPost, "/channels/"+channelID+"/messages", &buf, form.FormDataContentType())
}

func (c *DiscordClient) AddReactionToMessage(ctx context.Context, channelID, messageID, emoji string) error {
	path := fmt.Sprintf("/channels/%s/messages/%s/reactions/%s/@me",
		channelID, messageID, url.PathEscape(emoji))
	return c.request(ctx, http.MethodPut, path, nil, "")
}

func (c *DiscordClient) ReplaceOwnReactionOnMessage(ctx context.Context, channelID, messageID, oldEmoji, newEmoji string) error {
	if oldEmoji != "" {
		path := fmt.Sprintf("/channels/%s/messages/%s/reactions/%s/@me",
			channelID, messageID, url.PathEscape(oldEmoji))
		if err := c.request(ctx, http.MethodDelete, path, nil, ""); err != nil {
			log.Printf("Discord: removing reaction %s: %v", oldEmoji, err)
		}
	}
	return c.AddReactionToMessage(ctx, channelID, messageID, newEmoji)
}

// StartTypingIndicator begins (or joins) a typing refresh loop for the
// channel. The indicator stops once every returned stop function has run.
func (c *DiscordClient) StartTypingIndicator(channelID string) func() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if loop, ok := c.typing[channelID]; ok {
		loop.refs++
		return c.stopFunc(channelID)
	}

	ctx, cancel := context.WithCancel(context.Background())
	c.typing[channelID] = &typingLoop{cancel: cancel, refs: 1}

	go func() {
		for {
			if err := c.postJSON(ctx, "/channels/"+channelID+"/typing", map[string]string{}); err != nil {
				if ctx.Err() != nil {
					return
				}
				log.Printf("Discord: typing indicator for %s: %v", channelID, err)
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(typingRefresh):
			}
		}
	}()

	return c.stopFunc(channelID)
}

// stopFunc returns a once-only release for one typing reference.
func (c *DiscordClient) stopFunc(channelID string) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			loop, ok := c.typing[channelID]
			if !ok {
				return
			}
			loop.refs--
			if loop.refs <= 0 {
				loop.cancel()
				delete(c.typing, channelID)
			}
		})
	}
}

func (c *DiscordClient) DeleteChannel(ctx context.Context, channelID string) error {
	return c.request(ctx, http.MethodDelete, "/channels/"+channelID, nil, "")
}

// ArchiveChannel renames the channel out of the way; Discord has no
// first-class archive for text channels.
func (c *DiscordClient) ArchiveChannel(ctx context.Context, channelID string) error {
	name := fmt.Sprintf("closed-%d", time.Now().Unix())
	data, err := json.Marshal(map[string]string{"name": name})
	if err != nil {
		return err
	}
	return c.request(ctx, http.MethodPatch, "/channels/"+channelID, bytes.NewReader(data), "application/json")
}
