package bridge

import (
	"errors"
	"fmt"
)

// Sentinel errors destinations report so the pipeline can pick the right
// recovery path.
var (
	// ErrDestinationGone reports that the destination channel was deleted
	// externally; the binding must be recreated.
	ErrDestinationGone = errors.New("destination channel no longer exists")

	// ErrProxyStale reports that a cached proxy endpoint was deleted
	// remotely; the proxy should be recreated once.
	ErrProxyStale = errors.New("proxy endpoint no longer exists")

	// ErrPermissionDenied reports the remote platform refused the operation.
	ErrPermissionDenied = errors.New("permission denied")

	// ErrNoContainer reports no parent container was available for channel
	// creation.
	ErrNoContainer = errors.New("no parent container available")
)

// Reason codes carried by BindingCreationError.
const (
	ReasonPermissionDenied = "permission_denied"
	ReasonNoContainer      = "no_container"
	ReasonRemoteFailure    = "remote_failure"
)

// BindingCreationError means a destination channel could not be created for
// a conversation. Callers make exactly one attempt per inbound event and
// drop the event on failure; retrying here would only storm the remote API.
type BindingCreationError struct {
	SourceConversationID string
	Reason               string
	Err                  error
}

func (e *BindingCreationError) Error() string {
	return fmt.Sprintf("binding creation failed for %s (%s): %v", e.SourceConversationID, e.Reason, e.Err)
}

func (e *BindingCreationError) Unwrap() error { return e.Err }

func newBindingCreationError(sourceID string, err error) *BindingCreationError {
	reason := ReasonRemoteFailure
	switch {
	case errors.Is(err, ErrPermissionDenied):
		reason = ReasonPermissionDenied
	case errors.Is(err, ErrNoContainer):
		reason = ReasonNoContainer
	}
	return &BindingCreationError{SourceConversationID: sourceID, Reason: reason, Err: err}
}

// DeliveryError means both the primary and the fallback send attempts failed.
// Terminal for the event; nothing re-queues it.
type DeliveryError struct {
	DestinationChannelID string
	Err                  error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("delivery to %s failed: %v", e.DestinationChannelID, e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }

// MediaFetchError means source media could not be downloaded.
type MediaFetchError struct {
	MessageID string
	Err       error
}

func (e *MediaFetchError) Error() string {
	return fmt.Sprintf("media fetch for message %s failed: %v", e.MessageID, e.Err)
}

func (e *MediaFetchError) Unwrap() error { return e.Err }

// MappingStoreError means durable persistence failed. Mapping writes are
// best-effort bookkeeping: callers log this and carry on with delivery.
type MappingStoreError struct {
	Err error
}

func (e *MappingStoreError) Error() string {
	return fmt.Sprintf("mapping store write failed: %v", e.Err)
}

func (e *MappingStoreError) Unwrap() error { return e.Err }
