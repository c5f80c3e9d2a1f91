package bridge

import (
	"context"
	"time"
)

// ConversationKind distinguishes 1:1 chats from group chats on the source
// platform.
type ConversationKind string

const (
	KindDirect ConversationKind = "direct"
	KindGroup  ConversationKind = "group"
)

// ConversationBinding associates a LINE conversation with the Discord channel
// it relays into. At most one binding exists per source conversation and at
// most one live binding per destination channel. Bindings are never deleted;
// when the destination disappears they are marked stale and a fresh one is
// created.
type ConversationBinding struct {
	SourceConversationID string           `json:"source_conversation_id"`
	DestinationChannelID string           `json:"destination_channel_id"`
	DisplayName          string           `json:"display_name"`
	Kind                 ConversationKind `json:"kind"`
	Stale                bool             `json:"stale,omitempty"`
	CreatedAt            time.Time        `json:"created_at"`
	UpdatedAt            time.Time        `json:"updated_at"`
}

// Upload points at a local file to attach to a send. Carrying a path rather
// than a reader lets each delivery attempt reopen the file, so a failed
// primary attempt does not consume the bytes the fallback needs.
type Upload struct {
	Name        string
	ContentType string
	Path        string
}

// DocumentStore is the durable JSON-document persistence both stores write
// through. *store.Store implements it.
type DocumentStore interface {
	Load(name string, v interface{}) (bool, error)
	Save(name string, v interface{}) error
}

// Destination is the guild/channel platform consumed as a black box. The
// Discord client implements it.
type Destination interface {
	CreateChannel(ctx context.Context, name string) (string, error)
	ChannelExists(ctx context.Context, channelID string) (bool, error)
	ChannelNames(ctx context.Context) (map[string]bool, error)
	RenameChannel(ctx context.Context, channelID, name string) error

	// SendText sends as the bot's own identity.
	SendText(ctx context.Context, channelID, content string) (string, error)
	// SendFile sends a file with caption as the bot's own identity.
	SendFile(ctx context.Context, channelID string, up Upload, caption string) (string, error)
	// SendSpoofed sends through the channel's proxy endpoint under an
	// arbitrary display name and avatar. Implementations create the proxy
	// lazily, cache it, and recreate it once when the cache is stale.
	SendSpoofed(ctx context.Context, channelID, content, displayName, avatarURL string, uploads []Upload) (string, error)
}

// SourceClient is the contact/group platform consumed as a black box. The
// LINE client implements it.
type SourceClient interface {
	GetDisplayName(ctx context.Context, userID string) string
	GetGroupName(ctx context.Context, groupID string) string
	GetProfile(ctx context.Context, userID string) (name, avatarURL string)
	GetGroupMemberProfile(ctx context.Context, groupID, userID string) (name, avatarURL string)
	DownloadContent(ctx context.Context, messageID string) (path, sniffedType string, size int64, err error)
	SendTexts(ctx context.Context, conversationID string, texts []string) error
}
