package model

import (
	"strings"
	"time"
)

// DefaultDedupWindow is how far apart two otherwise identical messages may
// be and still be treated as the same send.
const DefaultDedupWindow = 10 * time.Second

// Similar reports whether a and b look like the same logical message: same
// sender, same trimmed content, same type, same number of attachments and
// creation times within window of each other.
func Similar(a, b Message, window time.Duration) bool {
	if a.SenderID != b.SenderID || a.Type != b.Type {
		return false
	}
	if len(a.Attachments) != len(b.Attachments) {
		return false
	}
	if strings.TrimSpace(a.Content) != strings.TrimSpace(b.Content) {
		return false
	}
	d := a.CreatedAt.Sub(b.CreatedAt)
	if d < 0 {
		d = -d
	}
	return d <= window
}

// MergeMessage merges in into msgs and returns the new, time-ordered list.
// An entry with the same id, or failing that the first similar entry, is
// replaced in place; otherwise in is appended. msgs is never modified.
func MergeMessage(msgs []Message, in Message, window time.Duration) (out []Message, replaced bool) {
	idx := -1
	for i := range msgs {
		if msgs[i].ID == in.ID {
			idx = i
			break
		}
	}
	if idx < 0 {
		for i := range msgs {
			if Similar(msgs[i], in, window) {
				idx = i
				break
			}
		}
	}

	out = make([]Message, 0, len(msgs)+1)
	out = append(out, msgs...)
	if idx >= 0 {
		if in.LocalID == "" && msgs[idx].Optimistic {
			in.LocalID = msgs[idx].ID
		}
		out[idx] = in
		return SortMessages(out), true
	}
	out = append(out, in)
	return SortMessages(out), false
}
