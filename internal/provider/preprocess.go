// ABOUTME: Shared request preprocessing applied before any adapter sees a request
// ABOUTME: Sorts messages by timestamp and merges adjacent same-role messages

package provider

import "sort"

// Preprocess normalizes a canonical message list for vendor consumption:
// messages are sorted by timestamp ascending (user wins timestamp ties),
// then adjacent messages with the same role are merged. Merging drops an
// exact duplicate and otherwise joins contents with a newline. The whole
// pass is idempotent.
func Preprocess(messages []Message) []Message {
	sorted := make([]Message, len(messages))
	copy(sorted, messages)

	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Timestamp.Equal(sorted[j].Timestamp) {
			return sorted[i].Role == "user" && sorted[j].Role != "user"
		}
		return sorted[i].Timestamp.Before(sorted[j].Timestamp)
	})

	return mergeAdjacent(sorted)
}

// mergeAdjacent collapses runs of same-role messages into one.
func mergeAdjacent(messages []Message) []Message {
	if len(messages) == 0 {
		return messages
	}

	merged := make([]Message, 0, len(messages))
	merged = append(merged, messages[0])

	for _, msg := range messages[1:] {
		last := &merged[len(merged)-1]
		if msg.Role != last.Role {
			merged = append(merged, msg)
			continue
		}
		if msg.Content == last.Content {
			// Exact duplicate, drop it
			continue
		}
		last.Content += "\n" + msg.Content
	}

	return merged
}
