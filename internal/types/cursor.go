package types

// Cursor is a total order over events: a unix-millisecond timestamp plus a
// per-timestamp monotonic sequence number. Comparison is lexicographic on
// (Timestamp, Sequence).
type Cursor struct {
	Timestamp int64 `json:"ts"`
	Sequence  int64 `json:"seq"`
}

// Compare returns -1 if c orders before o, 1 if after, 0 if equal.
func (c Cursor) Compare(o Cursor) int {
	switch {
	case c.Timestamp < o.Timestamp:
		return -1
	case c.Timestamp > o.Timestamp:
		return 1
	case c.Sequence < o.Sequence:
		return -1
	case c.Sequence > o.Sequence:
		return 1
	default:
		return 0
	}
}

func (c Cursor) Before(o Cursor) bool { return c.Compare(o) < 0 }

func (c Cursor) After(o Cursor) bool { return c.Compare(o) > 0 }

// IsZero reports whether the cursor is the zero value, used to distinguish
// "no cursor supplied" from a real position.
func (c Cursor) IsZero() bool { return c.Timestamp == 0 && c.Sequence == 0 }
