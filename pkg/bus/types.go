package bus

import "time"

// EventSource identifies which platform an event arrived from.
type EventSource string

const (
	SourceLine    EventSource = "line"
	SourceDiscord EventSource = "discord"
)

// MessageKind is the closed set of message shapes the bridge understands.
// Anything else arrives as KindUnsupported and is relayed as a placeholder.
type MessageKind string

const (
	KindText        MessageKind = "text"
	KindImage       MessageKind = "image"
	KindVideo       MessageKind = "video"
	KindAudio       MessageKind = "audio"
	KindFile        MessageKind = "file"
	KindSticker     MessageKind = "sticker"
	KindLocation    MessageKind = "location"
	KindUnsupported MessageKind = "unsupported"
)

// ParseMessageKind maps a raw platform type string onto the closed set.
func ParseMessageKind(raw string) MessageKind {
	switch raw {
	case "text":
		return KindText
	case "image":
		return KindImage
	case "video":
		return KindVideo
	case "audio":
		return KindAudio
	case "file":
		return KindFile
	case "sticker":
		return KindSticker
	case "location":
		return KindLocation
	default:
		return KindUnsupported
	}
}

// LineMessage is one parsed message from a LINE webhook event.
type LineMessage struct {
	ID         string
	Kind       MessageKind
	Text       string
	FileName   string
	FileSize   int64
	StickerID  string
	PackageID  string
	Title      string // location
	Address    string
	Latitude   float64
	Longitude  float64
	QuoteToken string
	// DeclaredType is the content-provider type LINE reports for media.
	// Frequently the opaque "line" tag rather than a real MIME type.
	DeclaredType string
	// OriginalContentURL is set for externally hosted media and is the
	// only deliverable reference when the bytes exceed upload ceilings.
	OriginalContentURL string
}

// LineEvent is an inbound message event from LINE.
type LineEvent struct {
	// BatchID correlates every event delivered in the same webhook call.
	// Webhook deliveries carry no identifier of their own, so the receiver
	// synthesizes one.
	BatchID    string
	ReplyToken string
	SourceType string // "user", "group", "room"
	UserID     string
	GroupID    string
	RoomID     string
	Message    LineMessage
	Timestamp  time.Time
}

// ConversationID returns the identifier the bridge keys conversations by:
// the group/room ID for group chats, the user ID for 1:1 chats.
func (e LineEvent) ConversationID() string {
	switch e.SourceType {
	case "group":
		return e.GroupID
	case "room":
		return e.RoomID
	default:
		return e.UserID
	}
}

// IsGroup reports whether the event came from a multi-member conversation.
func (e LineEvent) IsGroup() bool {
	return e.SourceType == "group" || e.SourceType == "room"
}

// DiscordAttachment is one attachment on a Discord message.
type DiscordAttachment struct {
	URL         string
	Filename    string
	ContentType string
	Size        int64
}

// DiscordEvent is an inbound message event from Discord.
type DiscordEvent struct {
	MessageID   string
	ChannelID   string
	AuthorID    string
	AuthorName  string
	Content     string
	Attachments []DiscordAttachment
	Timestamp   time.Time
}

// Event is the tagged union flowing through the bridge. Exactly one of Line
// and Discord is set, matching Source.
type Event struct {
	Source     EventSource
	Line       *LineEvent
	Discord    *DiscordEvent
	EnqueuedAt time.Time
}
