package bridge

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/linecord/linecord/pkg/bus"
	"github.com/linecord/linecord/pkg/logger"
	"github.com/linecord/linecord/pkg/media"
	"github.com/linecord/linecord/pkg/utils"
)

// State is the coordinator's lifecycle phase.
type State int32

const (
	StateStarting State = iota
	// StateBuffering queues inbound events until the destination client
	// reports ready. Nothing is dropped and nothing is processed.
	StateBuffering
	StateReady
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateBuffering:
		return "buffering"
	case StateReady:
		return "ready"
	case StateStopped:
		return "stopped"
	default:
		return "?"
	}
}

// ErrStopped is returned for events arriving after shutdown began.
var ErrStopped = errors.New("bridge is stopped")

// Coordinator receives inbound events from both platforms, buffers them until
// the destination client is ready, and drives the delivery pipeline per
// event. Per-event failures are logged with context and never abort sibling
// events in the same batch.
type Coordinator struct {
	source    SourceClient
	dest      Destination
	bindings  *BindingStore
	links     *MessageLinkStore
	deliverer *Deliverer
	limits    media.Limits

	state     atomic.Int32
	pending   *bus.PendingQueue
	readyOnce sync.Once
	// drainDone closes once the ready drain has delivered every buffered
	// event; late arrivals that missed the queue wait on it.
	drainDone   chan struct{}
	stopMu      sync.Mutex
	inflight    sync.WaitGroup
	stopTimeout time.Duration
}

func NewCoordinator(source SourceClient, dest Destination, bindings *BindingStore, links *MessageLinkStore, deliverer *Deliverer, limits media.Limits, stopTimeout time.Duration) *Coordinator {
	c := &Coordinator{
		source:      source,
		dest:        dest,
		bindings:    bindings,
		links:       links,
		deliverer:   deliverer,
		limits:      limits,
		pending:     bus.NewPendingQueue(),
		drainDone:   make(chan struct{}),
		stopTimeout: stopTimeout,
	}
	c.state.Store(int32(StateStarting))
	return c
}

// State reports the current lifecycle phase.
func (c *Coordinator) State() State {
	return State(c.state.Load())
}

// StartBuffering moves the coordinator out of construction; inbound events
// are accepted and queued from here on.
func (c *Coordinator) StartBuffering() {
	c.state.CompareAndSwap(int32(StateStarting), int32(StateBuffering))
}

// SetReady transitions Buffering→Ready and drains the queue strictly in
// arrival order, once. The destination client's ready signal is known to
// fire again on session resume; duplicate calls are no-ops.
func (c *Coordinator) SetReady() {
	c.readyOnce.Do(func() {
		events := c.pending.Drain()
		logger.InfoCF("bridge", "Destination ready, draining buffered events", map[string]interface{}{
			"buffered": len(events),
		})
		if done, ok := c.track(); ok {
			for _, ev := range events {
				c.process(ev)
			}
			done()
		}
		close(c.drainDone)
		c.state.CompareAndSwap(int32(StateBuffering), int32(StateReady))
		c.state.CompareAndSwap(int32(StateStarting), int32(StateReady))
	})
}

// Stop refuses new events and waits for in-flight processing up to the stop
// timeout.
func (c *Coordinator) Stop() {
	c.stopMu.Lock()
	c.state.Store(int32(StateStopped))
	c.stopMu.Unlock()

	done := make(chan struct{})
	go func() {
		c.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		logger.InfoC("bridge", "All in-flight sends finished")
	case <-time.After(c.stopTimeout):
		logger.WarnC("bridge", "Stop timeout reached with sends still in flight")
	}
}

// HandleLineEvent accepts one inbound LINE event. Failures are per-event;
// the webhook layer answers success regardless so the platform does not
// redeliver the whole batch.
func (c *Coordinator) HandleLineEvent(ev bus.LineEvent) error {
	return c.accept(bus.Event{Source: bus.SourceLine, Line: &ev})
}

// HandleDiscordEvent accepts one inbound Discord event.
func (c *Coordinator) HandleDiscordEvent(ev bus.DiscordEvent) error {
	return c.accept(bus.Event{Source: bus.SourceDiscord, Discord: &ev})
}

// track registers one in-flight unit of work, refusing once shutdown has
// begun. Registration and Stop's transition share a mutex so the waitgroup
// never sees an Add racing the final Wait.
func (c *Coordinator) track() (func(), bool) {
	c.stopMu.Lock()
	defer c.stopMu.Unlock()
	if State(c.state.Load()) == StateStopped {
		return nil, false
	}
	c.inflight.Add(1)
	return func() { c.inflight.Done() }, true
}

func (c *Coordinator) accept(ev bus.Event) error {
	done, ok := c.track()
	if !ok {
		return ErrStopped
	}
	defer done()

	if c.State() == StateReady {
		return c.process(ev)
	}
	if c.pending.Push(ev) {
		return nil
	}
	// The queue closed between the state check and the push: a drain is in
	// progress. Wait it out so buffered events land strictly first.
	<-c.drainDone
	return c.process(ev)
}

func (c *Coordinator) process(ev bus.Event) error {
	var err error
	switch ev.Source {
	case bus.SourceLine:
		err = c.processLine(*ev.Line)
	case bus.SourceDiscord:
		err = c.processDiscord(*ev.Discord)
	default:
		err = fmt.Errorf("unknown event source %q", ev.Source)
	}

	if err != nil {
		fields := map[string]interface{}{
			"source": string(ev.Source),
			"error":  err.Error(),
		}
		if ev.Line != nil && ev.Line.BatchID != "" {
			fields["batch_id"] = ev.Line.BatchID
		}
		logger.ErrorCF("bridge", "Event processing failed", fields)
	}
	return err
}

func (c *Coordinator) processLine(ev bus.LineEvent) error {
	ctx := context.Background()
	convID := ev.ConversationID()
	if convID == "" {
		return fmt.Errorf("line event without conversation id")
	}

	logger.DebugCF("bridge", "Relaying inbound event", map[string]interface{}{
		"conversation_id": convID,
		"kind":            string(ev.Message.Kind),
		"batch_id":        ev.BatchID,
	})

	kind := KindDirect
	var hint string
	if ev.IsGroup() {
		kind = KindGroup
		hint = c.source.GetGroupName(ctx, convID)
	} else {
		hint = c.source.GetDisplayName(ctx, convID)
	}

	// Exactly one binding attempt per inbound event; on failure the event
	// is dropped, not requeued.
	binding, err := c.bindings.ResolveOrCreate(ctx, convID, hint, kind)
	if err != nil {
		return err
	}

	// Track remote display-name changes; skip the remote rename when
	// nothing changed.
	if c.bindings.Rename(convID, hint) {
		name := NormalizeChannelName(hint)
		if name != "" {
			if err := c.dest.RenameChannel(ctx, binding.DestinationChannelID, name); err != nil {
				logger.WarnCF("bridge", "Channel rename failed", map[string]interface{}{
					"channel_id": binding.DestinationChannelID,
					"error":      err.Error(),
				})
			}
		}
	}

	var senderName, avatarURL string
	if ev.IsGroup() {
		senderName, avatarURL = c.source.GetGroupMemberProfile(ctx, convID, ev.UserID)
	} else {
		senderName, avatarURL = c.source.GetProfile(ctx, ev.UserID)
	}

	opts := SendOptions{
		DisplayName:           senderName,
		AvatarURL:             avatarURL,
		PreferIdentitySpoofed: true,
		SourceConversationID:  convID,
		DisplayNameHint:       hint,
		Kind:                  kind,
	}

	var content string
	switch ev.Message.Kind {
	case bus.KindText:
		content = ev.Message.Text

	case bus.KindImage:
		return c.relayMedia(ctx, ev, binding, opts, media.CategoryImage)

	case bus.KindVideo:
		return c.relayMedia(ctx, ev, binding, opts, media.CategoryVideo)

	case bus.KindAudio:
		return c.relayMedia(ctx, ev, binding, opts, media.CategoryAudio)

	case bus.KindFile:
		return c.relayMedia(ctx, ev, binding, opts, media.CategoryFile)

	case bus.KindSticker:
		content = stickerURL(ev.Message.StickerID)

	case bus.KindLocation:
		content = formatLocation(ev.Message)

	case bus.KindUnsupported:
		content = "[unsupported message]"

	default:
		content = "[unsupported message]"
	}

	res := c.deliverer.Send(ctx, binding.DestinationChannelID, content, opts)
	return c.finishLineDelivery(ev, binding, res)
}

// relayMedia downloads one media item, resolves its canonical type, and
// delivers it: as an upload when it fits, as a passthrough link when it
// does not.
func (c *Coordinator) relayMedia(ctx context.Context, ev bus.LineEvent, binding ConversationBinding, opts SendOptions, category media.Category) error {
	path, sniffed, size, err := c.source.DownloadContent(ctx, ev.Message.ID)
	if err != nil {
		// The bytes are unreachable; tell the destination rather than
		// silently swallowing the message.
		c.deliverer.Send(ctx, binding.DestinationChannelID,
			fmt.Sprintf("[%s unavailable]", category), opts)
		return &MediaFetchError{MessageID: ev.Message.ID, Err: err}
	}
	defer os.Remove(path)

	desc := media.Resolve(ev.Message.DeclaredType, sniffed, category, ev.Message.ID)

	filename := desc.Filename
	if ev.Message.FileName != "" {
		filename = ev.Message.FileName
	}

	if !c.limits.Within(category, size) {
		opts.SizeLimited = true
		opts.PassthroughURL = ev.Message.OriginalContentURL
		content := fmt.Sprintf("[%s too large to upload: %s, %d bytes]", category, filename, size)
		res := c.deliverer.Send(ctx, binding.DestinationChannelID, content, opts)
		return c.finishLineDelivery(ev, binding, res)
	}

	opts.Upload = &Upload{
		Name:        filename,
		ContentType: desc.MimeType,
		Path:        path,
	}
	res := c.deliverer.Send(ctx, binding.DestinationChannelID, "", opts)
	return c.finishLineDelivery(ev, binding, res)
}

// finishLineDelivery records the cross-platform ID pair. Mapping writes are
// best-effort bookkeeping; a failed write never turns a delivered message
// into an error.
func (c *Coordinator) finishLineDelivery(ev bus.LineEvent, binding ConversationBinding, res DeliveryResult) error {
	if !res.Success {
		return res.Err
	}

	if res.Degraded {
		logger.DebugCF("bridge", "Degraded delivery", map[string]interface{}{
			"reason":     res.Reason,
			"channel_id": binding.DestinationChannelID,
		})
	}

	if err := c.links.Record(MessageLink{
		LineMessageID:        ev.Message.ID,
		DiscordMessageID:     res.RemoteMessageID,
		DestinationChannelID: binding.DestinationChannelID,
		SourceConversationID: binding.SourceConversationID,
	}); err != nil {
		logger.WarnCF("bridge", "Message link not recorded", map[string]interface{}{
			"line_message_id": ev.Message.ID,
			"error":           err.Error(),
		})
	}
	return nil
}

func (c *Coordinator) processDiscord(ev bus.DiscordEvent) error {
	ctx := context.Background()

	binding, ok := c.bindings.ByDestination(ev.ChannelID)
	if !ok {
		// Not a bridged channel; nothing to relay.
		return nil
	}

	texts := make([]string, 0, 1+len(ev.Attachments))
	if ev.Content != "" {
		texts = append(texts, fmt.Sprintf("%s: %s", ev.AuthorName, utils.Truncate(ev.Content, 4800)))
	}
	for _, a := range ev.Attachments {
		texts = append(texts, fmt.Sprintf("%s sent a file: %s", ev.AuthorName, a.URL))
	}
	if len(texts) == 0 {
		return nil
	}

	if err := c.source.SendTexts(ctx, binding.SourceConversationID, texts); err != nil {
		return &DeliveryError{DestinationChannelID: binding.SourceConversationID, Err: err}
	}

	if err := c.links.Record(MessageLink{
		DiscordMessageID:     ev.MessageID,
		DestinationChannelID: ev.ChannelID,
		SourceConversationID: binding.SourceConversationID,
	}); err != nil {
		logger.WarnCF("bridge", "Message link not recorded", map[string]interface{}{
			"discord_message_id": ev.MessageID,
			"error":              err.Error(),
		})
	}
	return nil
}

// stickerURL renders a LINE sticker through its public CDN image.
func stickerURL(stickerID string) string {
	if stickerID == "" {
		return "[sticker]"
	}
	return fmt.Sprintf("https://stickershop.line-scdn.net/stickershop/v1/sticker/%s/android/sticker.png", stickerID)
}

func formatLocation(msg bus.LineMessage) string {
	label := msg.Title
	if label == "" {
		label = msg.Address
	}
	if label == "" {
		label = "location"
	}
	return fmt.Sprintf("📍 %s\nhttps://www.google.com/maps?q=%f,%f", label, msg.Latitude, msg.Longitude)
}
