package bridge

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/linecord/linecord/pkg/bus"
	"github.com/linecord/linecord/pkg/media"
	"github.com/linecord/linecord/pkg/store"
)

func newTestCoordinator(t *testing.T, source *fakeSource, dest Destination, limits media.Limits) *Coordinator {
	t.Helper()
	st, err := store.New(t.TempDir())
	require.NoError(t, err)
	bindings, err := NewBindingStore(dest, st)
	require.NoError(t, err)
	links, err := NewMessageLinkStore(100, st)
	require.NoError(t, err)
	deliverer := NewDeliverer(dest, bindings)
	return NewCoordinator(source, dest, bindings, links, deliverer, limits, time.Second)
}

func lineTextEvent(userID, messageID, text string) bus.LineEvent {
	return bus.LineEvent{
		SourceType: "user",
		UserID:     userID,
		Message:    bus.LineMessage{ID: messageID, Kind: bus.KindText, Text: text},
	}
}

func TestCoordinatorRelaysText(t *testing.T) {
	source := newFakeSource()
	source.names["U1"] = "Alice"
	dest := newFakeDest()
	coord := newTestCoordinator(t, source, dest, media.Limits{})

	coord.StartBuffering()
	coord.SetReady()
	require.Equal(t, StateReady, coord.State())

	require.NoError(t, coord.HandleLineEvent(lineTextEvent("U1", "L1", "hi")))

	assert.Equal(t, []string{"alice"}, dest.Created)
	sent := dest.sent()
	require.Len(t, sent, 1)
	assert.True(t, sent[0].Spoofed)
	assert.Equal(t, "Alice", sent[0].DisplayName)
	assert.Equal(t, "hi", sent[0].Content)
}

func TestCoordinatorGroupEvent(t *testing.T) {
	source := newFakeSource()
	source.groups["G1"] = "Family Chat"
	source.names["U2"] = "Bob"
	dest := newFakeDest()
	coord := newTestCoordinator(t, source, dest, media.Limits{})

	coord.StartBuffering()
	coord.SetReady()

	require.NoError(t, coord.HandleLineEvent(bus.LineEvent{
		SourceType: "group",
		GroupID:    "G1",
		UserID:     "U2",
		Message:    bus.LineMessage{ID: "L1", Kind: bus.KindText, Text: "dinner?"},
	}))

	assert.Equal(t, []string{"family-chat"}, dest.Created)
	sent := dest.sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "Bob", sent[0].DisplayName)
}

func TestCoordinatorBuffersUntilReady(t *testing.T) {
	source := newFakeSource()
	source.names["U1"] = "Alice"
	dest := newFakeDest()
	coord := newTestCoordinator(t, source, dest, media.Limits{})

	coord.StartBuffering()
	for i := 0; i < 3; i++ {
		require.NoError(t, coord.HandleLineEvent(lineTextEvent("U1", fmt.Sprintf("L%d", i), fmt.Sprintf("msg %d", i))))
	}
	assert.Empty(t, dest.sent(), "nothing is delivered before ready")

	coord.SetReady()
	sent := dest.sent()
	require.Len(t, sent, 3)
	for i, call := range sent {
		assert.Equal(t, fmt.Sprintf("msg %d", i), call.Content, "buffered events keep arrival order")
	}

	// Ready is idempotent; the queue drains exactly once.
	coord.SetReady()
	assert.Len(t, dest.sent(), 3)

	require.NoError(t, coord.HandleLineEvent(lineTextEvent("U1", "L9", "live")))
	assert.Len(t, dest.sent(), 4)
}

func TestCoordinatorDrainBlocksLateArrivals(t *testing.T) {
	source := newFakeSource()
	source.names["U1"] = "Alice"
	base := newFakeDest()
	dest := newGatedDest(base, "")
	coord := newTestCoordinator(t, source, dest, media.Limits{})

	coord.StartBuffering()
	require.NoError(t, coord.HandleLineEvent(lineTextEvent("U1", "L1", "first")))

	go coord.SetReady()
	<-dest.entered // drain started, first send held open

	// An event arriving mid-drain misses the queue; it must wait for the
	// drain instead of overtaking the buffered events.
	lateDone := make(chan error, 1)
	go func() {
		lateDone <- coord.HandleLineEvent(lineTextEvent("U1", "L2", "second"))
	}()

	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, base.sent(), "nothing lands while the drain is in flight")

	close(dest.release)
	require.NoError(t, <-lateDone)

	sent := base.sent()
	require.Len(t, sent, 2)
	assert.Equal(t, "first", sent[0].Content)
	assert.Equal(t, "second", sent[1].Content)
}

func TestCoordinatorStopWaitsForInflight(t *testing.T) {
	source := newFakeSource()
	source.names["U1"] = "Alice"
	base := newFakeDest()
	dest := newGatedDest(base, "")
	coord := newTestCoordinator(t, source, dest, media.Limits{})

	coord.StartBuffering()
	coord.SetReady()

	go coord.HandleLineEvent(lineTextEvent("U1", "L1", "slow"))
	<-dest.entered // event held open inside the destination

	stopped := make(chan struct{})
	go func() {
		coord.Stop()
		close(stopped)
	}()

	select {
	case <-stopped:
		t.Fatal("Stop returned while a send was in flight")
	case <-time.After(50 * time.Millisecond):
	}

	close(dest.release)
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return after the send finished")
	}
	assert.Len(t, base.sent(), 1)
}

func TestCoordinatorStopRejectsEvents(t *testing.T) {
	source := newFakeSource()
	dest := newFakeDest()
	coord := newTestCoordinator(t, source, dest, media.Limits{})

	coord.StartBuffering()
	coord.SetReady()
	coord.Stop()

	assert.ErrorIs(t, coord.HandleLineEvent(lineTextEvent("U1", "L1", "late")), ErrStopped)
	assert.ErrorIs(t, coord.HandleDiscordEvent(bus.DiscordEvent{MessageID: "D1"}), ErrStopped)
}

func TestCoordinatorRelaysImage(t *testing.T) {
	source := newFakeSource()
	source.names["U1"] = "Alice"
	source.data = []byte("png bytes")
	source.sniffed = "image/png"
	dest := newFakeDest()
	coord := newTestCoordinator(t, source, dest, media.Limits{})

	coord.StartBuffering()
	coord.SetReady()

	require.NoError(t, coord.HandleLineEvent(bus.LineEvent{
		SourceType: "user",
		UserID:     "U1",
		Message:    bus.LineMessage{ID: "L9", Kind: bus.KindImage, DeclaredType: "line"},
	}))

	sent := dest.sent()
	require.Len(t, sent, 1)
	assert.Equal(t, []string{"image_L9.png"}, sent[0].UploadNames)
	assert.True(t, sent[0].Spoofed)
}

func TestCoordinatorOversizeImagePassesURLThrough(t *testing.T) {
	source := newFakeSource()
	source.names["U1"] = "Alice"
	source.data = []byte("way more than five bytes")
	source.sniffed = "image/jpeg"
	dest := newFakeDest()
	coord := newTestCoordinator(t, source, dest, media.Limits{Image: 5})

	coord.StartBuffering()
	coord.SetReady()

	require.NoError(t, coord.HandleLineEvent(bus.LineEvent{
		SourceType: "user",
		UserID:     "U1",
		Message: bus.LineMessage{
			ID:                 "L9",
			Kind:               bus.KindImage,
			OriginalContentURL: "https://cdn.example.com/orig.jpg",
		},
	}))

	sent := dest.sent()
	require.Len(t, sent, 1)
	assert.Empty(t, sent[0].UploadNames)
	assert.Contains(t, sent[0].Content, "https://cdn.example.com/orig.jpg")
}

func TestCoordinatorMediaFetchFailure(t *testing.T) {
	source := newFakeSource()
	source.names["U1"] = "Alice"
	source.downloadErr = errors.New("content expired")
	dest := newFakeDest()
	coord := newTestCoordinator(t, source, dest, media.Limits{})

	coord.StartBuffering()
	coord.SetReady()

	err := coord.HandleLineEvent(bus.LineEvent{
		SourceType: "user",
		UserID:     "U1",
		Message:    bus.LineMessage{ID: "L9", Kind: bus.KindVideo},
	})

	var mfe *MediaFetchError
	require.ErrorAs(t, err, &mfe)
	assert.Equal(t, "L9", mfe.MessageID)

	// The destination still hears about the message.
	sent := dest.sent()
	require.Len(t, sent, 1)
	assert.Contains(t, sent[0].Content, "unavailable")
}

func TestCoordinatorDiscordToLine(t *testing.T) {
	source := newFakeSource()
	source.names["U1"] = "Alice"
	dest := newFakeDest()
	coord := newTestCoordinator(t, source, dest, media.Limits{})

	coord.StartBuffering()
	coord.SetReady()

	// Bind the conversation by relaying one LINE message first.
	require.NoError(t, coord.HandleLineEvent(lineTextEvent("U1", "L1", "hi")))
	channelID := dest.sent()[0].ChannelID

	require.NoError(t, coord.HandleDiscordEvent(bus.DiscordEvent{
		MessageID:  "D1",
		ChannelID:  channelID,
		AuthorName: "Bob",
		Content:    "yo",
		Attachments: []bus.DiscordAttachment{
			{URL: "https://cdn.discordapp.com/att/1.pdf", Filename: "1.pdf"},
		},
	}))

	texts := source.SentTexts["U1"]
	require.Len(t, texts, 2)
	assert.Equal(t, "Bob: yo", texts[0])
	assert.Contains(t, texts[1], "https://cdn.discordapp.com/att/1.pdf")
}

func TestCoordinatorDiscordUnboundChannelIgnored(t *testing.T) {
	source := newFakeSource()
	dest := newFakeDest()
	coord := newTestCoordinator(t, source, dest, media.Limits{})

	coord.StartBuffering()
	coord.SetReady()

	require.NoError(t, coord.HandleDiscordEvent(bus.DiscordEvent{
		MessageID:  "D1",
		ChannelID:  "random-channel",
		AuthorName: "Bob",
		Content:    "yo",
	}))
	assert.Empty(t, source.SentTexts)
}
