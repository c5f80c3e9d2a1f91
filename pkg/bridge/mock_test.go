package bridge

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/linecord/linecord/pkg/store"
)

type sentCall struct {
	ChannelID   string
	Content     string
	DisplayName string
	Spoofed     bool
	UploadNames []string
}

// fakeDest is an in-memory Destination. Channels live in a map; deleting a
// channel from the map makes every send to it report ErrDestinationGone, the
// same way the real platform does.
type fakeDest struct {
	mu       sync.Mutex
	nextCh   int
	nextMsg  int
	channels map[string]string // id -> name

	createErr error
	existsErr error
	namesErr  error
	spoofErr  error // returned by SendSpoofed until cleared
	sendErr   error // returned by every send

	Created []string // channel names in creation order
	Sent    []sentCall
}

func newFakeDest() *fakeDest {
	return &fakeDest{channels: make(map[string]string)}
}

func (d *fakeDest) CreateChannel(ctx context.Context, name string) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.createErr != nil {
		return "", d.createErr
	}
	id := fmt.Sprintf("ch-%d", d.nextCh)
	d.nextCh++
	d.channels[id] = name
	d.Created = append(d.Created, name)
	return id, nil
}

func (d *fakeDest) ChannelExists(ctx context.Context, channelID string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.existsErr != nil {
		return false, d.existsErr
	}
	_, ok := d.channels[channelID]
	return ok, nil
}

func (d *fakeDest) ChannelNames(ctx context.Context) (map[string]bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.namesErr != nil {
		return nil, d.namesErr
	}
	names := make(map[string]bool, len(d.channels))
	for _, name := range d.channels {
		names[name] = true
	}
	return names, nil
}

func (d *fakeDest) RenameChannel(ctx context.Context, channelID, name string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.channels[channelID]; !ok {
		return ErrDestinationGone
	}
	d.channels[channelID] = name
	return nil
}

func (d *fakeDest) SendText(ctx context.Context, channelID, content string) (string, error) {
	return d.record(channelID, sentCall{ChannelID: channelID, Content: content}, nil)
}

func (d *fakeDest) SendFile(ctx context.Context, channelID string, up Upload, caption string) (string, error) {
	return d.record(channelID, sentCall{
		ChannelID:   channelID,
		Content:     caption,
		UploadNames: []string{up.Name},
	}, nil)
}

func (d *fakeDest) SendSpoofed(ctx context.Context, channelID, content, displayName, avatarURL string, uploads []Upload) (string, error) {
	var names []string
	for _, up := range uploads {
		names = append(names, up.Name)
	}
	d.mu.Lock()
	spoofErr := d.spoofErr
	d.mu.Unlock()
	return d.record(channelID, sentCall{
		ChannelID:   channelID,
		Content:     content,
		DisplayName: displayName,
		Spoofed:     true,
		UploadNames: names,
	}, spoofErr)
}

func (d *fakeDest) record(channelID string, call sentCall, extraErr error) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.channels[channelID]; !ok {
		return "", ErrDestinationGone
	}
	if d.sendErr != nil {
		return "", d.sendErr
	}
	if extraErr != nil {
		return "", extraErr
	}
	id := fmt.Sprintf("m-%d", d.nextMsg)
	d.nextMsg++
	d.Sent = append(d.Sent, call)
	return id, nil
}

func (d *fakeDest) deleteChannel(channelID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.channels, channelID)
}

func (d *fakeDest) sent() []sentCall {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]sentCall, len(d.Sent))
	copy(out, d.Sent)
	return out
}

// fakeSource is an in-memory SourceClient.
type fakeSource struct {
	mu     sync.Mutex
	names  map[string]string // userID -> display name
	groups map[string]string // groupID -> group name

	data        []byte
	sniffed     string
	contentURL  string
	downloadErr error

	SentTexts map[string][]string // conversationID -> texts
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		names:     make(map[string]string),
		groups:    make(map[string]string),
		SentTexts: make(map[string][]string),
	}
}

func (s *fakeSource) GetDisplayName(ctx context.Context, userID string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if name, ok := s.names[userID]; ok {
		return name
	}
	return userID
}

func (s *fakeSource) GetGroupName(ctx context.Context, groupID string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if name, ok := s.groups[groupID]; ok {
		return name
	}
	return groupID
}

func (s *fakeSource) GetProfile(ctx context.Context, userID string) (string, string) {
	return s.GetDisplayName(ctx, userID), ""
}

func (s *fakeSource) GetGroupMemberProfile(ctx context.Context, groupID, userID string) (string, string) {
	return s.GetDisplayName(ctx, userID), ""
}

func (s *fakeSource) DownloadContent(ctx context.Context, messageID string) (string, string, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.downloadErr != nil {
		return "", "", 0, s.downloadErr
	}
	f, err := os.CreateTemp("", "fake-media-*")
	if err != nil {
		return "", "", 0, err
	}
	defer f.Close()
	if _, err := f.Write(s.data); err != nil {
		return "", "", 0, err
	}
	return f.Name(), s.sniffed, int64(len(s.data)), nil
}

func (s *fakeSource) SendTexts(ctx context.Context, conversationID string, texts []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.SentTexts[conversationID] = append(s.SentTexts[conversationID], texts...)
	return nil
}

// gatedDest wraps a fakeDest and blocks the first matching send until
// released, letting tests hold a delivery in flight at a known point.
// target selects which channel to gate; "" gates the first send anywhere.
type gatedDest struct {
	*fakeDest
	target  string
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func newGatedDest(d *fakeDest, target string) *gatedDest {
	return &gatedDest{
		fakeDest: d,
		target:   target,
		entered:  make(chan struct{}),
		release:  make(chan struct{}),
	}
}

func (g *gatedDest) gate(channelID string) {
	if g.target != "" && channelID != g.target {
		return
	}
	fired := false
	g.once.Do(func() { fired = true })
	if fired {
		close(g.entered)
		<-g.release
	}
}

func (g *gatedDest) SendText(ctx context.Context, channelID, content string) (string, error) {
	g.gate(channelID)
	return g.fakeDest.SendText(ctx, channelID, content)
}

func (g *gatedDest) SendSpoofed(ctx context.Context, channelID, content, displayName, avatarURL string, uploads []Upload) (string, error) {
	g.gate(channelID)
	return g.fakeDest.SendSpoofed(ctx, channelID, content, displayName, avatarURL, uploads)
}

// flakyStore wraps a DocumentStore and fails saves on demand.
type flakyStore struct {
	DocumentStore
	failSave bool
}

func (f *flakyStore) Save(name string, v interface{}) error {
	if f.failSave {
		return fmt.Errorf("disk full")
	}
	return f.DocumentStore.Save(name, v)
}

func newTestBindings(t *testing.T, dest Destination) *BindingStore {
	t.Helper()
	st, err := store.New(t.TempDir())
	require.NoError(t, err)
	bs, err := NewBindingStore(dest, st)
	require.NoError(t, err)
	return bs
}
