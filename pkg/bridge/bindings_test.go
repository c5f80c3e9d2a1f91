package bridge

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/linecord/linecord/pkg/store"
)

func TestResolveOrCreateCreatesOnce(t *testing.T) {
	dest := newFakeDest()
	bs := newTestBindings(t, dest)
	ctx := context.Background()

	b1, err := bs.ResolveOrCreate(ctx, "U1", "Alice", KindDirect)
	require.NoError(t, err)
	assert.Equal(t, "U1", b1.SourceConversationID)
	assert.False(t, b1.Stale)

	b2, err := bs.ResolveOrCreate(ctx, "U1", "Alice", KindDirect)
	require.NoError(t, err)
	assert.Equal(t, b1.DestinationChannelID, b2.DestinationChannelID)
	assert.Equal(t, []string{"alice"}, dest.Created)
}

func TestResolveOrCreateConcurrent(t *testing.T) {
	dest := newFakeDest()
	bs := newTestBindings(t, dest)

	var wg sync.WaitGroup
	channels := make([]string, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			b, err := bs.ResolveOrCreate(context.Background(), "G1", "Family", KindGroup)
			if assert.NoError(t, err) {
				channels[i] = b.DestinationChannelID
			}
		}(i)
	}
	wg.Wait()

	require.Len(t, dest.Created, 1)
	for _, ch := range channels {
		assert.Equal(t, channels[0], ch)
	}
}

func TestResolveOrCreateSurvivesRestart(t *testing.T) {
	dest := newFakeDest()
	st, err := store.New(t.TempDir())
	require.NoError(t, err)

	bs, err := NewBindingStore(dest, st)
	require.NoError(t, err)
	b1, err := bs.ResolveOrCreate(context.Background(), "U1", "Alice", KindDirect)
	require.NoError(t, err)

	reloaded, err := NewBindingStore(dest, st)
	require.NoError(t, err)
	b2, err := reloaded.ResolveOrCreate(context.Background(), "U1", "Alice", KindDirect)
	require.NoError(t, err)

	assert.Equal(t, b1.DestinationChannelID, b2.DestinationChannelID)
	assert.Len(t, dest.Created, 1)
}

func TestResolveOrCreateRebindsWhenChannelGone(t *testing.T) {
	dest := newFakeDest()
	bs := newTestBindings(t, dest)
	ctx := context.Background()

	b1, err := bs.ResolveOrCreate(ctx, "U1", "Alice", KindDirect)
	require.NoError(t, err)

	dest.deleteChannel(b1.DestinationChannelID)

	b2, err := bs.ResolveOrCreate(ctx, "U1", "Alice", KindDirect)
	require.NoError(t, err)
	assert.NotEqual(t, b1.DestinationChannelID, b2.DestinationChannelID)
	assert.False(t, b2.Stale)

	// The dead channel no longer resolves.
	_, ok := bs.ByDestination(b1.DestinationChannelID)
	assert.False(t, ok)
	got, ok := bs.ByDestination(b2.DestinationChannelID)
	require.True(t, ok)
	assert.Equal(t, "U1", got.SourceConversationID)
}

func TestResolveOrCreateKeepsBindingOnLookupError(t *testing.T) {
	dest := newFakeDest()
	bs := newTestBindings(t, dest)
	ctx := context.Background()

	b1, err := bs.ResolveOrCreate(ctx, "U1", "Alice", KindDirect)
	require.NoError(t, err)

	dest.existsErr = errors.New("api down")
	b2, err := bs.ResolveOrCreate(ctx, "U1", "Alice", KindDirect)
	require.NoError(t, err)
	assert.Equal(t, b1.DestinationChannelID, b2.DestinationChannelID)
	assert.Len(t, dest.Created, 1)
}

func TestResolveOrCreateNameCollision(t *testing.T) {
	dest := newFakeDest()
	bs := newTestBindings(t, dest)
	ctx := context.Background()

	_, err := dest.CreateChannel(ctx, "alice")
	require.NoError(t, err)

	_, err = bs.ResolveOrCreate(ctx, "U1", "Alice", KindDirect)
	require.NoError(t, err)
	assert.Equal(t, "alice-01", dest.Created[len(dest.Created)-1])
}

func TestResolveOrCreateCreationFailure(t *testing.T) {
	dest := newFakeDest()
	bs := newTestBindings(t, dest)

	dest.createErr = ErrPermissionDenied
	_, err := bs.ResolveOrCreate(context.Background(), "U1", "Alice", KindDirect)

	var bce *BindingCreationError
	require.ErrorAs(t, err, &bce)
	assert.Equal(t, ReasonPermissionDenied, bce.Reason)
	assert.Equal(t, "U1", bce.SourceConversationID)

	// No binding was left behind.
	_, ok := bs.BySource("U1")
	assert.False(t, ok)
}

func TestResolveOrCreateRollsBackOnPersistFailure(t *testing.T) {
	dest := newFakeDest()
	st, err := store.New(t.TempDir())
	require.NoError(t, err)
	fs := &flakyStore{DocumentStore: st}
	bs, err := NewBindingStore(dest, fs)
	require.NoError(t, err)
	ctx := context.Background()

	fs.failSave = true
	_, err = bs.ResolveOrCreate(ctx, "U1", "Alice", KindDirect)
	var mse *MappingStoreError
	require.ErrorAs(t, err, &mse)

	// The failed write left nothing behind in memory.
	_, ok := bs.BySource("U1")
	assert.False(t, ok)

	fs.failSave = false
	b, err := bs.ResolveOrCreate(ctx, "U1", "Alice", KindDirect)
	require.NoError(t, err)

	// The retry persisted; a reload sees the binding.
	reloaded, err := NewBindingStore(dest, st)
	require.NoError(t, err)
	got, ok := reloaded.BySource("U1")
	require.True(t, ok)
	assert.Equal(t, b.DestinationChannelID, got.DestinationChannelID)
}

func TestRename(t *testing.T) {
	dest := newFakeDest()
	bs := newTestBindings(t, dest)
	ctx := context.Background()

	_, err := bs.ResolveOrCreate(ctx, "U1", "Alice", KindDirect)
	require.NoError(t, err)

	assert.False(t, bs.Rename("U1", "Alice"), "unchanged name is a no-op")
	assert.True(t, bs.Rename("U1", "Alicia"))
	assert.False(t, bs.Rename("U1", "Alicia"))

	b, ok := bs.BySource("U1")
	require.True(t, ok)
	assert.Equal(t, "Alicia", b.DisplayName)

	assert.False(t, bs.Rename("unknown", "X"))
}
