package sync

// EncodeGroupFunc produces the wire representation of a candidate group of
// events, so SplitBatch can measure real serialized sizes rather than
// guessing from item counts.
type EncodeGroupFunc func(events []Event) ([]byte, error)

// SplitBatch splits an ordered batch into contiguous groups that each satisfy
// the item-count ceiling and the serialized byte ceiling. Groups are grown
// greedily; an item that exceeds the byte ceiling on its own yields an
// OversizeItemError rather than a too-large group.
//
// Used symmetrically on every outbound path: broadcast pages, read pages,
// and client-side push submission.
func SplitBatch(events []Event, maxItems, maxBytes int, encode EncodeGroupFunc) ([][]Event, error) {
	if len(events) == 0 {
		return nil, nil
	}
	if maxItems <= 0 {
		maxItems = 1
	}

	var groups [][]Event
	start := 0
	for start < len(events) {
		end := start + 1
		encoded, err := encode(events[start:end])
		if err != nil {
			return nil, unexpected("encode chunk", err)
		}
		if maxBytes > 0 && len(encoded) > maxBytes {
			return nil, &OversizeItemError{Size: len(encoded), Limit: maxBytes}
		}
		for end < len(events) && end-start < maxItems {
			candidate, err := encode(events[start : end+1])
			if err != nil {
				return nil, unexpected("encode chunk", err)
			}
			if maxBytes > 0 && len(candidate) > maxBytes {
				break
			}
			end++
		}
		groups = append(groups, events[start:end])
		start = end
	}
	return groups, nil
}
