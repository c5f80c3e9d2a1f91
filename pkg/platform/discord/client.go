// Package discord is the Platform B client: guild channel management, plain
// sends, and webhook-based identity-spoofed sends, all through discordgo.
package discord

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/linecord/linecord/pkg/bridge"
	"github.com/linecord/linecord/pkg/bus"
	"github.com/linecord/linecord/pkg/config"
	"github.com/linecord/linecord/pkg/logger"
	"github.com/linecord/linecord/pkg/utils"
)

const (
	defaultSendTimeout = 30 * time.Second

	// Discord message length limit.
	maxMessageLength = 2000

	// proxyName is the name under which the bridge creates and finds its
	// per-channel webhook.
	proxyName = "linecord-proxy"
)

// MessageHandler receives inbound guild messages (self, bots, and webhook
// messages already filtered out).
type MessageHandler func(bus.DiscordEvent)

// ReadyHandler is invoked on the gateway ready signal. discordgo fires it
// again on session resume, so consumers must be idempotent.
type ReadyHandler func()

// Client implements bridge.Destination on top of a discordgo session.
type Client struct {
	session     *discordgo.Session
	cfg         config.DiscordConfig
	botUserID   string
	sendTimeout time.Duration

	proxyMu sync.Mutex
	proxies map[string]*discordgo.Webhook // channelID -> cached webhook
}

var _ bridge.Destination = (*Client)(nil)

func NewClient(cfg config.DiscordConfig, sendTimeout time.Duration) (*Client, error) {
	if cfg.Token == "" {
		return nil, fmt.Errorf("discord token is required")
	}
	if sendTimeout <= 0 {
		sendTimeout = defaultSendTimeout
	}
	session, err := discordgo.New("Bot " + cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("failed to create discord session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuildMessages | discordgo.IntentMessageContent
	// Dispatch handlers synchronously so inbound messages keep receipt order.
	session.SyncEvents = true

	return &Client{
		session:     session,
		cfg:         cfg,
		sendTimeout: sendTimeout,
		proxies:     make(map[string]*discordgo.Webhook),
	}, nil
}

// Start opens the gateway session. onReady fires on the ready signal
// (possibly more than once); onMessage receives inbound guild messages.
func (c *Client) Start(ctx context.Context, onReady ReadyHandler, onMessage MessageHandler) error {
	logger.InfoC("discord", "Starting Discord client")

	botUser, err := c.session.User("@me")
	if err != nil {
		return fmt.Errorf("failed to get bot user: %w", err)
	}
	c.botUserID = botUser.ID

	c.session.AddHandler(func(s *discordgo.Session, r *discordgo.Ready) {
		logger.InfoCF("discord", "Gateway ready", map[string]interface{}{
			"username": r.User.Username,
		})
		if onReady != nil {
			onReady()
		}
	})

	c.session.AddHandler(func(s *discordgo.Session, m *discordgo.MessageCreate) {
		ev, ok := c.parseMessage(m)
		if !ok {
			return
		}
		if onMessage != nil {
			onMessage(ev)
		}
	})

	if err := c.session.Open(); err != nil {
		return fmt.Errorf("failed to open discord session: %w", err)
	}

	logger.InfoCF("discord", "Discord client connected", map[string]interface{}{
		"username": botUser.Username,
		"user_id":  botUser.ID,
	})
	return nil
}

func (c *Client) Stop(ctx context.Context) error {
	logger.InfoC("discord", "Stopping Discord client")
	if err := c.session.Close(); err != nil {
		return fmt.Errorf("failed to close discord session: %w", err)
	}
	return nil
}

func (c *Client) parseMessage(m *discordgo.MessageCreate) (bus.DiscordEvent, bool) {
	if m == nil || m.Author == nil {
		return bus.DiscordEvent{}, false
	}
	// Skip our own messages, other bots, and webhook (spoofed) messages so
	// relayed content never loops back.
	if m.Author.ID == c.botUserID || m.Author.Bot || m.WebhookID != "" {
		return bus.DiscordEvent{}, false
	}
	if m.GuildID == "" || (c.cfg.GuildID != "" && m.GuildID != c.cfg.GuildID) {
		return bus.DiscordEvent{}, false
	}

	attachments := make([]bus.DiscordAttachment, 0, len(m.Attachments))
	for _, a := range m.Attachments {
		attachments = append(attachments, bus.DiscordAttachment{
			URL:         a.URL,
			Filename:    a.Filename,
			ContentType: a.ContentType,
			Size:        int64(a.Size),
		})
	}

	name := m.Author.GlobalName
	if name == "" {
		name = m.Author.Username
	}

	return bus.DiscordEvent{
		MessageID:   m.ID,
		ChannelID:   m.ChannelID,
		AuthorID:    m.Author.ID,
		AuthorName:  name,
		Content:     m.Content,
		Attachments: attachments,
		Timestamp:   m.Timestamp,
	}, true
}

// CreateChannel creates a guild text channel, under the configured parent
// category when one is set.
func (c *Client) CreateChannel(ctx context.Context, name string) (string, error) {
	if c.cfg.GuildID == "" {
		return "", bridge.ErrNoContainer
	}
	ch, err := c.session.GuildChannelCreateComplex(c.cfg.GuildID, discordgo.GuildChannelCreateData{
		Name:     name,
		Type:     discordgo.ChannelTypeGuildText,
		ParentID: c.cfg.CategoryID,
	})
	if err != nil {
		if isErrCode(err, discordgo.ErrCodeMissingPermissions) || isErrCode(err, discordgo.ErrCodeMissingAccess) {
			return "", fmt.Errorf("channel create: %w", bridge.ErrPermissionDenied)
		}
		return "", fmt.Errorf("channel create failed: %w", err)
	}
	return ch.ID, nil
}

// ChannelExists checks whether a channel is still live. A deleted channel is
// (false, nil); other API failures surface as errors.
func (c *Client) ChannelExists(ctx context.Context, channelID string) (bool, error) {
	_, err := c.session.Channel(channelID)
	if err == nil {
		return true, nil
	}
	if isErrCode(err, discordgo.ErrCodeUnknownChannel) {
		return false, nil
	}
	return false, err
}

// ChannelNames returns the names of live channels in the guild, used for
// collision checks when deriving a new channel name.
func (c *Client) ChannelNames(ctx context.Context) (map[string]bool, error) {
	channels, err := c.session.GuildChannels(c.cfg.GuildID)
	if err != nil {
		return nil, err
	}
	names := make(map[string]bool, len(channels))
	for _, ch := range channels {
		names[ch.Name] = true
	}
	return names, nil
}

// RenameChannel updates a channel's name.
func (c *Client) RenameChannel(ctx context.Context, channelID, name string) error {
	_, err := c.session.ChannelEdit(channelID, &discordgo.ChannelEdit{Name: name})
	return c.wrapSendErr(err)
}

// SendText sends plain text as the bot itself, chunked to the platform's
// length limit. Returns the ID of the last message sent.
func (c *Client) SendText(ctx context.Context, channelID, content string) (string, error) {
	var lastID string
	for _, chunk := range utils.SplitMessage(content, maxMessageLength) {
		msg, err := c.withTimeout(ctx, func() (*discordgo.Message, error) {
			return c.session.ChannelMessageSend(channelID, chunk)
		})
		if err != nil {
			return "", c.wrapSendErr(err)
		}
		lastID = msg.ID
	}
	return lastID, nil
}

// SendFile uploads a file with an optional caption as the bot itself.
func (c *Client) SendFile(ctx context.Context, channelID string, up bridge.Upload, caption string) (string, error) {
	f, err := os.Open(up.Path)
	if err != nil {
		return "", fmt.Errorf("failed to open upload: %w", err)
	}
	defer f.Close()

	msg, err := c.withTimeout(ctx, func() (*discordgo.Message, error) {
		return c.session.ChannelMessageSendComplex(channelID, &discordgo.MessageSend{
			Content: caption,
			Files: []*discordgo.File{{
				Name:        up.Name,
				ContentType: up.ContentType,
				Reader:      f,
			}},
		})
	})
	if err != nil {
		return "", c.wrapSendErr(err)
	}
	return msg.ID, nil
}

// SendSpoofed sends through the channel's webhook under an arbitrary display
// name and avatar. The webhook is created lazily and cached; a stale cache
// entry is recreated exactly once.
func (c *Client) SendSpoofed(ctx context.Context, channelID, content, displayName, avatarURL string, uploads []bridge.Upload) (string, error) {
	hook, err := c.getOrCreateProxy(channelID)
	if err != nil {
		return "", err
	}

	msgID, err := c.executeProxy(ctx, hook, channelID, content, displayName, avatarURL, uploads)
	if err == nil || !errors.Is(err, bridge.ErrProxyStale) {
		return msgID, err
	}

	// The cached webhook was deleted remotely; recreate once and retry.
	logger.DebugCF("discord", "Cached webhook gone, recreating", map[string]interface{}{
		"channel_id": channelID,
	})
	c.invalidateProxy(channelID)
	hook, err = c.getOrCreateProxy(channelID)
	if err != nil {
		return "", err
	}
	return c.executeProxy(ctx, hook, channelID, content, displayName, avatarURL, uploads)
}

func (c *Client) executeProxy(ctx context.Context, hook *discordgo.Webhook, channelID, content, displayName, avatarURL string, uploads []bridge.Upload) (string, error) {
	files := make([]*discordgo.File, 0, len(uploads))
	opened := make([]*os.File, 0, len(uploads))
	defer func() {
		for _, f := range opened {
			_ = f.Close()
		}
	}()
	for _, up := range uploads {
		f, err := os.Open(up.Path)
		if err != nil {
			return "", fmt.Errorf("failed to open upload: %w", err)
		}
		opened = append(opened, f)
		files = append(files, &discordgo.File{
			Name:        up.Name,
			ContentType: up.ContentType,
			Reader:      f,
		})
	}

	chunks := utils.SplitMessage(content, maxMessageLength)
	var lastID string
	for i, chunk := range chunks {
		params := &discordgo.WebhookParams{
			Content:   chunk,
			Username:  displayName,
			AvatarURL: avatarURL,
		}
		if i == 0 {
			// Attachments ride on the first chunk only.
			params.Files = files
		}
		msg, err := c.withTimeout(ctx, func() (*discordgo.Message, error) {
			return c.session.WebhookExecute(hook.ID, hook.Token, true, params)
		})
		if err != nil {
			if isErrCode(err, discordgo.ErrCodeUnknownWebhook) {
				return "", bridge.ErrProxyStale
			}
			return "", c.wrapSendErr(err)
		}
		lastID = msg.ID
	}
	return lastID, nil
}

func (c *Client) getOrCreateProxy(channelID string) (*discordgo.Webhook, error) {
	c.proxyMu.Lock()
	if hook, ok := c.proxies[channelID]; ok {
		c.proxyMu.Unlock()
		return hook, nil
	}
	c.proxyMu.Unlock()

	// Reuse an existing webhook from a previous run when possible.
	hooks, err := c.session.ChannelWebhooks(channelID)
	if err != nil {
		if isErrCode(err, discordgo.ErrCodeUnknownChannel) {
			return nil, bridge.ErrDestinationGone
		}
		return nil, err
	}
	for _, h := range hooks {
		if h.Name == proxyName {
			return c.cacheProxy(channelID, h), nil
		}
	}

	hook, err := c.session.WebhookCreate(channelID, proxyName, "")
	if err != nil {
		if isErrCode(err, discordgo.ErrCodeUnknownChannel) {
			return nil, bridge.ErrDestinationGone
		}
		return nil, fmt.Errorf("webhook create failed: %w", err)
	}
	return c.cacheProxy(channelID, hook), nil
}

func (c *Client) cacheProxy(channelID string, h *discordgo.Webhook) *discordgo.Webhook {
	c.proxyMu.Lock()
	c.proxies[channelID] = h
	c.proxyMu.Unlock()
	return h
}

func (c *Client) invalidateProxy(channelID string) {
	c.proxyMu.Lock()
	delete(c.proxies, channelID)
	c.proxyMu.Unlock()
}

// withTimeout bounds a blocking discordgo call with the send timeout.
func (c *Client) withTimeout(ctx context.Context, fn func() (*discordgo.Message, error)) (*discordgo.Message, error) {
	sendCtx, cancel := context.WithTimeout(ctx, c.sendTimeout)
	defer cancel()

	type result struct {
		msg *discordgo.Message
		err error
	}
	done := make(chan result, 1)
	go func() {
		msg, err := fn()
		done <- result{msg, err}
	}()

	select {
	case r := <-done:
		return r.msg, r.err
	case <-sendCtx.Done():
		return nil, fmt.Errorf("send timeout: %w", sendCtx.Err())
	}
}

// wrapSendErr maps a deleted destination onto the bridge sentinel so the
// pipeline can rebind; everything else passes through.
func (c *Client) wrapSendErr(err error) error {
	if err == nil {
		return nil
	}
	if isErrCode(err, discordgo.ErrCodeUnknownChannel) {
		return bridge.ErrDestinationGone
	}
	return err
}

func isErrCode(err error, code int) bool {
	var restErr *discordgo.RESTError
	if errors.As(err, &restErr) && restErr.Message != nil {
		return restErr.Message.Code == code
	}
	return false
}
