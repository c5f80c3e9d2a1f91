package bridge

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/linecord/linecord/pkg/logger"
)

const bindingsDoc = "bindings"

// BindingStore owns the conversation→channel bindings. Lookups are served
// from an in-memory index; every mutation is written through to durable
// storage before the call returns, so a crash never leaves a binding that
// exists only in memory.
type BindingStore struct {
	dest Destination
	st   DocumentStore

	mu       sync.Mutex
	keys     map[string]*sync.Mutex
	bySource map[string]*ConversationBinding
	byDest   map[string]string // live destination channel -> source conversation
}

// bindingsDocument is the on-disk shape.
type bindingsDocument struct {
	Bindings []ConversationBinding `json:"bindings"`
}

func NewBindingStore(dest Destination, st DocumentStore) (*BindingStore, error) {
	s := &BindingStore{
		dest:     dest,
		st:       st,
		keys:     make(map[string]*sync.Mutex),
		bySource: make(map[string]*ConversationBinding),
		byDest:   make(map[string]string),
	}

	var doc bindingsDocument
	loaded, err := st.Load(bindingsDoc, &doc)
	if err != nil {
		return nil, fmt.Errorf("failed to load bindings: %w", err)
	}
	if loaded {
		for i := range doc.Bindings {
			b := doc.Bindings[i]
			s.bySource[b.SourceConversationID] = &b
			if !b.Stale {
				s.byDest[b.DestinationChannelID] = b.SourceConversationID
			}
		}
		logger.InfoCF("bindings", "Loaded bindings", map[string]interface{}{
			"count": len(doc.Bindings),
		})
	}

	return s, nil
}

// keyLock returns the mutex serializing work on one source conversation.
// Concurrent ResolveOrCreate calls for the same conversation must not race
// each other into creating two channels.
func (s *BindingStore) keyLock(sourceID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.keys[sourceID]
	if !ok {
		m = &sync.Mutex{}
		s.keys[sourceID] = m
	}
	return m
}

// ResolveOrCreate returns the live binding for a conversation, creating the
// destination channel on demand. A binding whose destination no longer exists
// is marked stale and replaced with a fresh channel, never reused.
func (s *BindingStore) ResolveOrCreate(ctx context.Context, sourceID, displayNameHint string, kind ConversationKind) (ConversationBinding, error) {
	lock := s.keyLock(sourceID)
	lock.Lock()
	defer lock.Unlock()

	s.mu.Lock()
	existing := s.bySource[sourceID]
	s.mu.Unlock()

	if existing != nil && !existing.Stale {
		live, err := s.dest.ChannelExists(ctx, existing.DestinationChannelID)
		if err != nil {
			// Transient lookup failure: keep the binding rather than
			// spawning a duplicate channel.
			return *existing, nil
		}
		if live {
			return *existing, nil
		}

		logger.WarnCF("bindings", "Destination channel gone, rebinding", map[string]interface{}{
			"source_id":  sourceID,
			"channel_id": existing.DestinationChannelID,
		})
		s.markStale(existing)
	}

	name := s.pickName(ctx, displayNameHint)

	channelID, err := s.dest.CreateChannel(ctx, name)
	if err != nil {
		return ConversationBinding{}, newBindingCreationError(sourceID, err)
	}

	now := time.Now()
	binding := &ConversationBinding{
		SourceConversationID: sourceID,
		DestinationChannelID: channelID,
		DisplayName:          displayNameHint,
		Kind:                 kind,
		CreatedAt:            now,
		UpdatedAt:            now,
	}

	s.mu.Lock()
	s.bySource[sourceID] = binding
	s.byDest[channelID] = sourceID
	s.mu.Unlock()

	if err := s.persist(); err != nil {
		// Roll the entry back: an in-memory binding must never outlive a
		// failed durable write. The next event re-runs creation.
		s.mu.Lock()
		delete(s.bySource, sourceID)
		delete(s.byDest, channelID)
		s.mu.Unlock()
		return ConversationBinding{}, err
	}

	logger.InfoCF("bindings", "Created binding", map[string]interface{}{
		"source_id":    sourceID,
		"channel_id":   channelID,
		"channel_name": name,
		"kind":         string(kind),
	})
	return *binding, nil
}

func (s *BindingStore) pickName(ctx context.Context, displayNameHint string) string {
	taken, err := s.dest.ChannelNames(ctx)
	if err != nil {
		logger.DebugCF("bindings", "Channel name listing failed, skipping collision check", map[string]interface{}{
			"error": err.Error(),
		})
		taken = nil
	}
	return deriveChannelName(displayNameHint, taken)
}

func (s *BindingStore) markStale(b *ConversationBinding) {
	s.mu.Lock()
	b.Stale = true
	b.UpdatedAt = time.Now()
	delete(s.byDest, b.DestinationChannelID)
	s.mu.Unlock()

	if err := s.persist(); err != nil {
		logger.WarnCF("bindings", "Failed to persist stale marker", map[string]interface{}{
			"error": err.Error(),
		})
	}
}

// BySource returns the binding for a source conversation, live or stale.
func (s *BindingStore) BySource(sourceID string) (ConversationBinding, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.bySource[sourceID]
	if !ok {
		return ConversationBinding{}, false
	}
	return *b, true
}

// ByDestination resolves a live binding from its destination channel.
func (s *BindingStore) ByDestination(destinationChannelID string) (ConversationBinding, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sourceID, ok := s.byDest[destinationChannelID]
	if !ok {
		return ConversationBinding{}, false
	}
	b, ok := s.bySource[sourceID]
	if !ok {
		return ConversationBinding{}, false
	}
	return *b, true
}

// Rename updates a binding's display name if it actually changed, reporting
// whether an update occurred so callers can skip redundant remote renames.
func (s *BindingStore) Rename(sourceID, newDisplayName string) bool {
	lock := s.keyLock(sourceID)
	lock.Lock()
	defer lock.Unlock()

	s.mu.Lock()
	b, ok := s.bySource[sourceID]
	if !ok || b.DisplayName == newDisplayName {
		s.mu.Unlock()
		return false
	}
	b.DisplayName = newDisplayName
	b.UpdatedAt = time.Now()
	s.mu.Unlock()

	if err := s.persist(); err != nil {
		logger.WarnCF("bindings", "Failed to persist rename", map[string]interface{}{
			"source_id": sourceID,
			"error":     err.Error(),
		})
	}
	return true
}

func (s *BindingStore) persist() error {
	s.mu.Lock()
	doc := bindingsDocument{Bindings: make([]ConversationBinding, 0, len(s.bySource))}
	for _, b := range s.bySource {
		doc.Bindings = append(doc.Bindings, *b)
	}
	s.mu.Unlock()

	if err := s.st.Save(bindingsDoc, doc); err != nil {
		return &MappingStoreError{Err: err}
	}
	return nil
}
