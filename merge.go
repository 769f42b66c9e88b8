package icechat

// Merge reconciles the store's view of a room with the locally cached one
// into a single deduplicated sequence for rendering. Store messages come
// first and win overlaps; cached messages the store has not seen yet are
// kept, which covers the cold-start window before the first fetch lands.
//
// Identity is the message key (ID, else TemporaryID); messages with
// neither are dropped rather than silently duplicated. First occurrence
// wins and iteration order is preserved, so the result retains the
// chronological order supplied by the caller. Pure, no I/O, O(n).
func Merge(storeMessages, cachedMessages []Message) []Message {
	out := make([]Message, 0, len(storeMessages)+len(cachedMessages))
	seen := make(map[string]struct{}, len(storeMessages)+len(cachedMessages))

	for _, src := range [2][]Message{storeMessages, cachedMessages} {
		for _, m := range src {
			key := m.Key()
			if key == "" {
				continue
			}
			if _, dup := seen[key]; dup {
				continue
			}
			seen[key] = struct{}{}
			out = append(out, m)
		}
	}
	return out
}
