package notify

import (
	"fmt"
	"html"

	"chirpwatch/internal/source"
)

// maxTextLen bounds the quoted item text in a notification.
const maxTextLen = 200

// TestMessage validates delivery credentials on demand.
const TestMessage = "🔔 Test message\n\nAccount monitor delivery is configured correctly."

func kindLabel(k source.Kind) string {
	switch k {
	case source.KindReply:
		return "reply"
	case source.KindRepost:
		return "repost"
	default:
		return "original post"
	}
}

// NewItem renders the "new item" notification for a category change.
func NewItem(displayName, handle string, it source.Item) string {
	return fmt.Sprintf(`🐦 <b>New %s</b>

<b>Account:</b> %s (@%s)
<b>Text:</b> %s
<b>Link:</b> %s
<b>Time:</b> %s`,
		kindLabel(it.Kind),
		html.EscapeString(displayName), html.EscapeString(handle),
		html.EscapeString(Truncate(it.Text, maxTextLen)),
		it.URL,
		html.EscapeString(it.CreatedAt),
	)
}

// PinnedChanged renders the pinned-item-changed notification, referencing
// old and new items as status URLs.
func PinnedChanged(displayName, handle, oldID, newID string) string {
	msg := fmt.Sprintf(`📌 <b>Pinned post changed</b>

<b>Account:</b> %s (@%s)
<b>New pin:</b> %s`,
		html.EscapeString(displayName), html.EscapeString(handle),
		StatusURL(handle, newID),
	)
	if oldID != "" {
		msg += "\n<b>Previous pin:</b> " + StatusURL(handle, oldID)
	}
	return msg
}

// PinnedCleared renders the pinned-item-removed notification.
func PinnedCleared(displayName, handle string) string {
	return fmt.Sprintf(`📌 <b>Pinned post removed</b>

<b>Account:</b> %s (@%s)`,
		html.EscapeString(displayName), html.EscapeString(handle),
	)
}

// StatusURL builds the canonical URL for an item id.
func StatusURL(handle, id string) string {
	return "https://x.com/" + handle + "/status/" + id
}

// Truncate bounds s to max runes, appending an ellipsis when cut.
func Truncate(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max]) + "…"
}
