package source

import "fmt"

// Kind is the content category of a fetched item. Exactly one applies per
// item; the categories are mutually exclusive by construction.
type Kind string

const (
	KindOriginal Kind = "original"
	KindReply    Kind = "reply"
	KindRepost   Kind = "repost"
)

// Kinds lists every category in the order they are diffed.
var Kinds = []Kind{KindOriginal, KindReply, KindRepost}

// Profile is the provider's view of a monitored account.
type Profile struct {
	Handle    string
	Name      string
	Followers int64
	AvatarURL string
	// PinnedID is the account's current pinned item, if any. The provider
	// reports zero or one.
	PinnedID string
}

// Item is a single fetched content unit.
type Item struct {
	ID        string
	Kind      Kind
	Text      string
	URL       string
	CreatedAt string // source-provided, kept opaque
}

// APIError is a well-formed error response from the provider. It is terminal
// for the call: the request reached the provider and was rejected, so
// retrying would not help.
type APIError struct {
	Status string
	Msg    string
}

func (e *APIError) Error() string {
	if e.Msg != "" {
		return fmt.Sprintf("provider error: %s (%s)", e.Msg, e.Status)
	}
	return fmt.Sprintf("provider error: status %q", e.Status)
}
