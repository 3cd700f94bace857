// Package classify partitions a fetched item list into per-category slots.
package classify

import "chirpwatch/internal/source"

// Slots holds the first item observed for each category, in fetch order.
// A category with no match stays nil.
type Slots struct {
	Original *source.Item
	Reply    *source.Item
	Repost   *source.Item
}

// Get returns the slot for k, or nil.
func (s Slots) Get(k source.Kind) *source.Item {
	switch k {
	case source.KindOriginal:
		return s.Original
	case source.KindReply:
		return s.Reply
	case source.KindRepost:
		return s.Repost
	}
	return nil
}

// Classify selects the first item matching each category. It short-circuits
// once all three slots are filled. Pure: no I/O, input not mutated.
func Classify(items []source.Item) Slots {
	var out Slots
	for i := range items {
		it := &items[i]
		switch it.Kind {
		case source.KindRepost:
			if out.Repost == nil {
				out.Repost = it
			}
		case source.KindReply:
			if out.Reply == nil {
				out.Reply = it
			}
		default:
			if out.Original == nil {
				out.Original = it
			}
		}
		if out.Original != nil && out.Reply != nil && out.Repost != nil {
			break
		}
	}
	return out
}
