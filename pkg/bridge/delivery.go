package bridge

import (
	"context"
	"errors"
	"sync"

	"github.com/linecord/linecord/pkg/logger"
)

// Degradation reasons reported on successful-but-reduced deliveries.
const (
	ReasonIdentityFallback       = "identity_fallback"
	ReasonSizeLimitedPassthrough = "size_limited_passthrough"
)

// DeliveryResult is the uniform outcome of one send through the pipeline.
type DeliveryResult struct {
	Success         bool
	RemoteMessageID string
	// Degraded marks a successful send that could not honor the requested
	// presentation (spoofed identity or rich media).
	Degraded bool
	Reason   string
	Err      error
}

// SendOptions shapes one outbound delivery.
type SendOptions struct {
	// DisplayName and AvatarURL are the identity to spoof. Spoofing is only
	// attempted when PreferIdentitySpoofed is set and DisplayName is
	// non-empty.
	DisplayName           string
	AvatarURL             string
	PreferIdentitySpoofed bool

	// Upload attaches a local file. Ignored when SizeLimited is set.
	Upload *Upload

	// SizeLimited means the media exceeded the destination's upload
	// ceiling; PassthroughURL is delivered as plain text instead and the
	// result is marked degraded. The link inherits whatever expiry the
	// upstream host gives it, so delivery should not be deferred.
	SizeLimited    bool
	PassthroughURL string

	// Rebind context: when the destination channel turns out to be gone,
	// these let the pipeline obtain a fresh destination and retry once.
	SourceConversationID string
	DisplayNameHint      string
	Kind                 ConversationKind
}

// Deliverer drives outbound sends through an ordered strategy chain:
// identity-spoofed proxy delivery first, plain-identity send second, and a
// single rebind-and-retry when the destination itself is gone. Sends to the
// same destination serialize in arrival order; different destinations
// proceed concurrently.
type Deliverer struct {
	dest     Destination
	bindings *BindingStore

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewDeliverer(dest Destination, bindings *BindingStore) *Deliverer {
	return &Deliverer{
		dest:     dest,
		bindings: bindings,
		locks:    make(map[string]*sync.Mutex),
	}
}

func (d *Deliverer) destLock(channelID string) *sync.Mutex {
	d.mu.Lock()
	defer d.mu.Unlock()
	m, ok := d.locks[channelID]
	if !ok {
		m = &sync.Mutex{}
		d.locks[channelID] = m
	}
	return m
}

// Send delivers content to a destination channel. A user-visible message
// reaches the destination whenever the destination is reachable, even if the
// requested identity or media fidelity could not be honored.
func (d *Deliverer) Send(ctx context.Context, destinationChannelID, content string, opts SendOptions) DeliveryResult {
	lock := d.destLock(destinationChannelID)
	lock.Lock()
	defer lock.Unlock()

	res := d.sendOnce(ctx, destinationChannelID, content, opts)
	if res.Success || !errors.Is(res.Err, ErrDestinationGone) {
		return res
	}

	// Destination deleted externally: rebind once, retry once, never loop.
	if opts.SourceConversationID == "" {
		return res
	}

	logger.WarnCF("delivery", "Destination gone, rebinding once", map[string]interface{}{
		"channel_id": destinationChannelID,
		"source_id":  opts.SourceConversationID,
	})

	binding, err := d.bindings.ResolveOrCreate(ctx, opts.SourceConversationID, opts.DisplayNameHint, opts.Kind)
	if err != nil {
		return DeliveryResult{
			Err: &DeliveryError{DestinationChannelID: destinationChannelID, Err: err},
		}
	}

	// The retry targets a different channel; serialize with its senders.
	// Lock order is always dead-channel then replacement, and channel IDs
	// are never reused, so the two locks cannot form a cycle.
	if binding.DestinationChannelID != destinationChannelID {
		retryLock := d.destLock(binding.DestinationChannelID)
		retryLock.Lock()
		defer retryLock.Unlock()
	}

	return d.sendOnce(ctx, binding.DestinationChannelID, content, opts)
}

// sendOnce runs the strategy chain against one destination without rebinding.
func (d *Deliverer) sendOnce(ctx context.Context, channelID, content string, opts SendOptions) DeliveryResult {
	degraded := false
	reason := ""

	if opts.SizeLimited {
		// Oversize media is never uploaded; the reference travels as text.
		if opts.PassthroughURL != "" {
			if content != "" {
				content += "\n"
			}
			content += opts.PassthroughURL
		}
		opts.Upload = nil
		degraded = true
		reason = ReasonSizeLimitedPassthrough
	}

	if opts.PreferIdentitySpoofed && opts.DisplayName != "" {
		var uploads []Upload
		if opts.Upload != nil {
			uploads = []Upload{*opts.Upload}
		}
		msgID, err := d.dest.SendSpoofed(ctx, channelID, content, opts.DisplayName, opts.AvatarURL, uploads)
		if err == nil {
			return DeliveryResult{Success: true, RemoteMessageID: msgID, Degraded: degraded, Reason: reason}
		}
		if errors.Is(err, ErrDestinationGone) {
			return DeliveryResult{Err: err}
		}

		logger.DebugCF("delivery", "Spoofed send failed, falling back to plain send", map[string]interface{}{
			"channel_id": channelID,
			"error":      err.Error(),
		})
		degraded = true
		if reason == "" {
			reason = ReasonIdentityFallback
		}
		// The plain fallback loses the spoofed identity; prefix the sender
		// so the destination still sees who spoke.
		if opts.DisplayName != "" && content != "" {
			content = opts.DisplayName + ": " + content
		}
	}

	msgID, err := d.sendPlain(ctx, channelID, content, opts)
	if err != nil {
		if errors.Is(err, ErrDestinationGone) {
			return DeliveryResult{Err: err}
		}
		return DeliveryResult{
			Err: &DeliveryError{DestinationChannelID: channelID, Err: err},
		}
	}
	return DeliveryResult{Success: true, RemoteMessageID: msgID, Degraded: degraded, Reason: reason}
}

func (d *Deliverer) sendPlain(ctx context.Context, channelID, content string, opts SendOptions) (string, error) {
	if opts.Upload != nil && !opts.SizeLimited {
		return d.dest.SendFile(ctx, channelID, *opts.Upload, content)
	}
	return d.dest.SendText(ctx, channelID, content)
}
