// Package line is the Platform A client: a thin REST client for the LINE
// Messaging API plus the webhook listener that receives inbound events.
package line

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/linecord/linecord/pkg/bus"
	"github.com/linecord/linecord/pkg/config"
	"github.com/linecord/linecord/pkg/logger"
	"github.com/linecord/linecord/pkg/utils"
)

const (
	apiBase         = "https://api.line.me/v2/bot"
	dataAPIBase     = "https://api-data.line.me/v2/bot"
	replyEndpoint   = apiBase + "/message/reply"
	pushEndpoint    = apiBase + "/message/push"
	contentEndpoint = dataAPIBase + "/message/%s/content"
	profileEndpoint = apiBase + "/profile/%s"
	groupEndpoint   = apiBase + "/group/%s/summary"
	memberEndpoint  = apiBase + "/group/%s/member/%s"

	// Reply tokens are only valid for a short window after the webhook
	// delivers them; past this age we go straight to the Push API.
	replyTokenMaxAge = 25 * time.Second

	// Push API hard limit on messages per call.
	maxMessagesPerPush = 5
)

type replyTokenEntry struct {
	token     string
	timestamp time.Time
}

// EventHandler receives parsed webhook events in arrival order.
type EventHandler func(bus.LineEvent)

// Client talks to the LINE Messaging API and owns the webhook listener.
type Client struct {
	cfg         config.LINEConfig
	httpClient  *http.Client
	httpServer  *http.Server
	handler     EventHandler
	replyTokens sync.Map // conversationID -> replyTokenEntry
	maxDownload int64
}

func NewClient(cfg config.LINEConfig, maxDownloadBytes int64) (*Client, error) {
	if cfg.ChannelSecret == "" || cfg.ChannelAccessToken == "" {
		return nil, fmt.Errorf("line channel_secret and channel_access_token are required")
	}

	return &Client{
		cfg:         cfg,
		httpClient:  &http.Client{Timeout: 30 * time.Second},
		maxDownload: maxDownloadBytes,
	}, nil
}

// Start launches the webhook HTTP server. Events are verified, parsed, and
// handed to handler sequentially per batch, preserving receipt order.
func (c *Client) Start(ctx context.Context, handler EventHandler) error {
	c.handler = handler

	mux := http.NewServeMux()
	path := c.cfg.WebhookPath
	if path == "" {
		path = "/webhook/line"
	}
	mux.HandleFunc(path, c.webhookHandler)

	addr := fmt.Sprintf("%s:%d", c.cfg.WebhookHost, c.cfg.WebhookPort)
	c.httpServer = &http.Server{
		Addr:    addr,
		Handler: mux,
	}

	go func() {
		logger.InfoCF("line", "Webhook server listening", map[string]interface{}{
			"addr": addr,
			"path": path,
		})
		if err := c.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.ErrorCF("line", "Webhook server error", map[string]interface{}{
				"error": err.Error(),
			})
		}
	}()

	return nil
}

// Stop shuts the webhook server down gracefully.
func (c *Client) Stop(ctx context.Context) error {
	if c.httpServer == nil {
		return nil
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return c.httpServer.Shutdown(shutdownCtx)
}

func (c *Client) webhookHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		logger.ErrorCF("line", "Failed to read request body", map[string]interface{}{
			"error": err.Error(),
		})
		http.Error(w, "Bad request", http.StatusBadRequest)
		return
	}

	signature := r.Header.Get("X-Line-Signature")
	if !c.VerifySignature(body, signature) {
		logger.WarnC("line", "Invalid webhook signature")
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	}

	var payload struct {
		Events []rawEvent `json:"events"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		logger.ErrorCF("line", "Failed to parse webhook payload", map[string]interface{}{
			"error": err.Error(),
		})
		http.Error(w, "Bad request", http.StatusBadRequest)
		return
	}

	// Always answer 200: a non-2xx makes LINE redeliver the whole batch,
	// which compounds duplicate sends. Events are processed asynchronously,
	// sequentially within the batch so receipt order is preserved.
	w.WriteHeader(http.StatusOK)

	// Webhook deliveries carry no identifier of their own; synthesize one so
	// the events of a batch can be correlated through processing and logs.
	batchID := uuid.New().String()[:8]
	logger.DebugCF("line", "Webhook batch received", map[string]interface{}{
		"batch_id": batchID,
		"events":   len(payload.Events),
	})

	go func() {
		for _, raw := range payload.Events {
			ev, ok := c.parseEvent(raw)
			if !ok {
				continue
			}
			ev.BatchID = batchID
			if ev.ReplyToken != "" {
				c.replyTokens.Store(ev.ConversationID(), replyTokenEntry{
					token:     ev.ReplyToken,
					timestamp: time.Now(),
				})
			}
			if c.handler != nil {
				c.handler(ev)
			}
		}
	}()
}

// VerifySignature validates the X-Line-Signature header using HMAC-SHA256
// over the raw body.
func (c *Client) VerifySignature(body []byte, signature string) bool {
	if signature == "" {
		return false
	}

	mac := hmac.New(sha256.New, []byte(c.cfg.ChannelSecret))
	mac.Write(body)
	expected := base64.StdEncoding.EncodeToString(mac.Sum(nil))

	return hmac.Equal([]byte(expected), []byte(signature))
}

// Raw webhook shapes.
type rawEvent struct {
	Type       string          `json:"type"`
	ReplyToken string          `json:"replyToken"`
	Source     rawSource       `json:"source"`
	Message    json.RawMessage `json:"message"`
	Timestamp  int64           `json:"timestamp"`
}

type rawSource struct {
	Type    string `json:"type"` // "user", "group", "room"
	UserID  string `json:"userId"`
	GroupID string `json:"groupId"`
	RoomID  string `json:"roomId"`
}

type rawMessage struct {
	ID              string  `json:"id"`
	Type            string  `json:"type"`
	Text            string  `json:"text"`
	FileName        string  `json:"fileName"`
	FileSize        int64   `json:"fileSize"`
	StickerID       string  `json:"stickerId"`
	PackageID       string  `json:"packageId"`
	Title           string  `json:"title"`
	Address         string  `json:"address"`
	Latitude        float64 `json:"latitude"`
	Longitude       float64 `json:"longitude"`
	QuoteToken      string  `json:"quoteToken"`
	ContentProvider struct {
		Type               string `json:"type"`
		OriginalContentURL string `json:"originalContentUrl"`
	} `json:"contentProvider"`
}

func (c *Client) parseEvent(raw rawEvent) (bus.LineEvent, bool) {
	if raw.Type != "message" {
		logger.DebugCF("line", "Ignoring non-message event", map[string]interface{}{
			"type": raw.Type,
		})
		return bus.LineEvent{}, false
	}

	var msg rawMessage
	if err := json.Unmarshal(raw.Message, &msg); err != nil {
		logger.ErrorCF("line", "Failed to parse message", map[string]interface{}{
			"error": err.Error(),
		})
		return bus.LineEvent{}, false
	}

	return bus.LineEvent{
		ReplyToken: raw.ReplyToken,
		SourceType: raw.Source.Type,
		UserID:     raw.Source.UserID,
		GroupID:    raw.Source.GroupID,
		RoomID:     raw.Source.RoomID,
		Timestamp:  time.UnixMilli(raw.Timestamp),
		Message: bus.LineMessage{
			ID:                 msg.ID,
			Kind:               bus.ParseMessageKind(msg.Type),
			Text:               msg.Text,
			FileName:           msg.FileName,
			FileSize:           msg.FileSize,
			StickerID:          msg.StickerID,
			PackageID:          msg.PackageID,
			Title:              msg.Title,
			Address:            msg.Address,
			Latitude:           msg.Latitude,
			Longitude:          msg.Longitude,
			QuoteToken:         msg.QuoteToken,
			DeclaredType:       msg.ContentProvider.Type,
			OriginalContentURL: msg.ContentProvider.OriginalContentURL,
		},
	}, true
}

// GetDisplayName fetches a user's profile display name. Falls back to the
// raw user ID when the profile is unavailable (blocked bot, left user).
func (c *Client) GetDisplayName(ctx context.Context, userID string) string {
	var profile struct {
		DisplayName string `json:"displayName"`
		PictureURL  string `json:"pictureUrl"`
	}
	if err := c.getJSON(ctx, fmt.Sprintf(profileEndpoint, userID), &profile); err != nil {
		logger.DebugCF("line", "Profile lookup failed", map[string]interface{}{
			"user_id": userID,
			"error":   err.Error(),
		})
		return userID
	}
	return profile.DisplayName
}

// GetProfile fetches display name and avatar URL for a user.
func (c *Client) GetProfile(ctx context.Context, userID string) (name, avatarURL string) {
	var profile struct {
		DisplayName string `json:"displayName"`
		PictureURL  string `json:"pictureUrl"`
	}
	if err := c.getJSON(ctx, fmt.Sprintf(profileEndpoint, userID), &profile); err != nil {
		return userID, ""
	}
	return profile.DisplayName, profile.PictureURL
}

// GetGroupName fetches a group's display name, falling back to the group ID.
func (c *Client) GetGroupName(ctx context.Context, groupID string) string {
	var summary struct {
		GroupName string `json:"groupName"`
	}
	if err := c.getJSON(ctx, fmt.Sprintf(groupEndpoint, groupID), &summary); err != nil {
		logger.DebugCF("line", "Group summary lookup failed", map[string]interface{}{
			"group_id": groupID,
			"error":    err.Error(),
		})
		return groupID
	}
	return summary.GroupName
}

// GetGroupMemberProfile fetches a sender's profile within a group, which
// works even when the user has not friended the bot.
func (c *Client) GetGroupMemberProfile(ctx context.Context, groupID, userID string) (name, avatarURL string) {
	var profile struct {
		DisplayName string `json:"displayName"`
		PictureURL  string `json:"pictureUrl"`
	}
	if err := c.getJSON(ctx, fmt.Sprintf(memberEndpoint, groupID, userID), &profile); err != nil {
		return c.GetProfile(ctx, userID)
	}
	return profile.DisplayName, profile.PictureURL
}

// DownloadContent streams a message's media content to a temp file and
// returns its path, sniffed content type, and size. The caller removes the
// file when done.
func (c *Client) DownloadContent(ctx context.Context, messageID string) (path, sniffedType string, size int64, err error) {
	url := fmt.Sprintf(contentEndpoint, messageID)
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		return "", "", 0, err
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.ChannelAccessToken)

	path, err = utils.DownloadToFile(ctx, c.httpClient, req, c.maxDownload)
	if err != nil {
		return "", "", 0, fmt.Errorf("content download failed: %w", err)
	}

	if info, statErr := os.Stat(path); statErr == nil {
		size = info.Size()
	}
	return path, utils.SniffFile(path), size, nil
}

// SendTexts delivers text messages to a conversation. A fresh reply token is
// consumed first when one is cached (the Reply API is free); otherwise the
// Push API is used. Messages are batched up to the platform's per-call limit.
func (c *Client) SendTexts(ctx context.Context, conversationID string, texts []string) error {
	if len(texts) == 0 {
		return nil
	}

	// Try reply token first; it covers at most one batch.
	if entry, ok := c.replyTokens.LoadAndDelete(conversationID); ok {
		tokenEntry := entry.(replyTokenEntry)
		if time.Since(tokenEntry.timestamp) < replyTokenMaxAge && len(texts) <= maxMessagesPerPush {
			payload := map[string]interface{}{
				"replyToken": tokenEntry.token,
				"messages":   buildTextMessages(texts),
			}
			if err := c.callAPI(ctx, replyEndpoint, payload); err == nil {
				logger.DebugCF("line", "Sent via Reply API", map[string]interface{}{
					"conversation_id": conversationID,
					"count":           len(texts),
				})
				return nil
			}
			logger.DebugC("line", "Reply API failed, falling back to Push API")
		}
	}

	for start := 0; start < len(texts); start += maxMessagesPerPush {
		end := start + maxMessagesPerPush
		if end > len(texts) {
			end = len(texts)
		}
		payload := map[string]interface{}{
			"to":       conversationID,
			"messages": buildTextMessages(texts[start:end]),
		}
		if err := c.callAPI(ctx, pushEndpoint, payload); err != nil {
			return err
		}
	}
	return nil
}

func buildTextMessages(texts []string) []map[string]string {
	messages := make([]map[string]string, 0, len(texts))
	for _, t := range texts {
		messages = append(messages, map[string]string{
			"type": "text",
			"text": t,
		})
	}
	return messages
}

// callAPI makes an authenticated POST request to the LINE API.
func (c *Client) callAPI(ctx context.Context, endpoint string, payload interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.cfg.ChannelAccessToken)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("API request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("LINE API error (status %d): %s", resp.StatusCode, string(respBody))
	}

	return nil
}

func (c *Client) getJSON(ctx context.Context, endpoint string, v interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.ChannelAccessToken)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("LINE API returned status %d", resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(v)
}
