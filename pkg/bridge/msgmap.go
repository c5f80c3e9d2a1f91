package bridge

import (
	"fmt"
	"sync"
	"time"
)

const messagesDoc = "messages"

// DefaultMaxMessageLinks bounds the reply-correlation store when config does
// not override it.
const DefaultMaxMessageLinks = 10000

// MessageLink pairs a LINE message ID with the Discord message it was relayed
// to (or from). Either ID may be the one known first; both lookup directions
// resolve to the same record. LINE push sends do not return a message ID, so
// LineMessageID can be attached after the fact.
type MessageLink struct {
	LineMessageID        string    `json:"line_message_id,omitempty"`
	DiscordMessageID     string    `json:"discord_message_id,omitempty"`
	DestinationChannelID string    `json:"destination_channel_id"`
	SourceConversationID string    `json:"source_conversation_id"`
	CreatedAt            time.Time `json:"created_at"`
}

// MessageLinkStore is the bounded cross-platform message-ID mapping used for
// best-effort reply correlation. When the bound is exceeded the oldest half
// is evicted in one batch, keeping eviction cost amortized instead of paying
// strict-LRU bookkeeping on every insert.
type MessageLinkStore struct {
	st  DocumentStore
	max int

	mu        sync.Mutex
	links     []*MessageLink // insertion order, oldest first
	byLine    map[string]*MessageLink
	byDiscord map[string]*MessageLink
}

type messagesDocument struct {
	Links []MessageLink `json:"links"`
}

func NewMessageLinkStore(max int, st DocumentStore) (*MessageLinkStore, error) {
	if max <= 0 {
		max = DefaultMaxMessageLinks
	}
	s := &MessageLinkStore{
		st:        st,
		max:       max,
		byLine:    make(map[string]*MessageLink),
		byDiscord: make(map[string]*MessageLink),
	}

	var doc messagesDocument
	loaded, err := st.Load(messagesDoc, &doc)
	if err != nil {
		return nil, fmt.Errorf("failed to load message links: %w", err)
	}
	if loaded {
		for i := range doc.Links {
			s.index(&doc.Links[i])
		}
	}

	return s, nil
}

// index appends a link and registers its known IDs. Caller holds no lock on
// load; holds s.mu on insert.
func (s *MessageLinkStore) index(l *MessageLink) {
	s.links = append(s.links, l)
	if l.LineMessageID != "" {
		s.byLine[l.LineMessageID] = l
	}
	if l.DiscordMessageID != "" {
		s.byDiscord[l.DiscordMessageID] = l
	}
}

// Record stores a new link keyed by whichever IDs are known, evicting the
// oldest half when the bound is exceeded. The returned error is always a
// *MappingStoreError; delivery already happened, so callers log and move on.
func (s *MessageLinkStore) Record(link MessageLink) error {
	if link.CreatedAt.IsZero() {
		link.CreatedAt = time.Now()
	}

	s.mu.Lock()
	s.index(&link)
	if len(s.links) > s.max {
		s.evictOldestHalf()
	}
	s.mu.Unlock()

	return s.persist()
}

// AttachLineID fills in the LINE message ID of an existing link once the
// source platform assigns it.
func (s *MessageLinkStore) AttachLineID(discordMessageID, lineMessageID string) error {
	s.mu.Lock()
	l, ok := s.byDiscord[discordMessageID]
	if !ok {
		s.mu.Unlock()
		return nil
	}
	l.LineMessageID = lineMessageID
	s.byLine[lineMessageID] = l
	s.mu.Unlock()

	return s.persist()
}

// ByLineID resolves a link from the LINE side.
func (s *MessageLinkStore) ByLineID(lineMessageID string) (MessageLink, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.byLine[lineMessageID]
	if !ok {
		return MessageLink{}, false
	}
	return *l, true
}

// ByDiscordID resolves a link from the Discord side.
func (s *MessageLinkStore) ByDiscordID(discordMessageID string) (MessageLink, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.byDiscord[discordMessageID]
	if !ok {
		return MessageLink{}, false
	}
	return *l, true
}

// Len reports the number of retained links.
func (s *MessageLinkStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.links)
}

// evictOldestHalf drops the oldest half of the links in one batch. Caller
// holds s.mu.
func (s *MessageLinkStore) evictOldestHalf() {
	cut := len(s.links) / 2
	for _, l := range s.links[:cut] {
		if l.LineMessageID != "" {
			delete(s.byLine, l.LineMessageID)
		}
		if l.DiscordMessageID != "" {
			delete(s.byDiscord, l.DiscordMessageID)
		}
	}
	remaining := make([]*MessageLink, len(s.links)-cut)
	copy(remaining, s.links[cut:])
	s.links = remaining
}

func (s *MessageLinkStore) persist() error {
	s.mu.Lock()
	doc := messagesDocument{Links: make([]MessageLink, 0, len(s.links))}
	for _, l := range s.links {
		doc.Links = append(doc.Links, *l)
	}
	s.mu.Unlock()

	if err := s.st.Save(messagesDoc, doc); err != nil {
		return &MappingStoreError{Err: err}
	}
	return nil
}
