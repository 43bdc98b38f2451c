package version

import (
	"fmt"
	"strconv"
)

// Tag is an opaque token for a record's last-observed version. The zero
// value means "no version": the caller has never read or written the key.
// Tags are comparable and safe to copy; the wrapped counter is not
// addressable from outside this package.
type Tag struct {
	seq int64
}

// Of returns the tag for a store-assigned version counter. Counters start
// at 1, so any value below 1 yields the zero tag.
func Of(seq int64) Tag {
	if seq < 1 {
		return Tag{}
	}
	return Tag{seq: seq}
}

// Parse converts the wire form produced by String back into a tag.
// The empty string parses to the zero tag.
func Parse(s string) (Tag, error) {
	if s == "" {
		return Tag{}, nil
	}
	seq, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return Tag{}, fmt.Errorf("invalid version tag %q: %w", s, err)
	}
	if seq < 1 {
		return Tag{}, fmt.Errorf("invalid version tag %q: counter must be positive", s)
	}
	return Tag{seq: seq}, nil
}

// IsZero reports whether the tag carries no version.
func (t Tag) IsZero() bool {
	return t.seq == 0
}

// Seq returns the wrapped version counter, or 0 for the zero tag.
func (t Tag) Seq() int64 {
	return t.seq
}

// Next returns the tag a successful write against this tag would produce.
// The successor of the zero tag is the first-insert tag (counter 1).
func (t Tag) Next() Tag {
	return Tag{seq: t.seq + 1}
}

// Equal reports whether two tags wrap the same counter.
func (t Tag) Equal(other Tag) bool {
	return t.seq == other.seq
}

// Compare returns -1, 0 or 1 as t is older than, equal to or newer than
// other. The zero tag is older than every valid tag.
func (t Tag) Compare(other Tag) int {
	switch {
	case t.seq < other.seq:
		return -1
	case t.seq > other.seq:
		return 1
	default:
		return 0
	}
}

// String returns the decimal wire form of the tag, or the empty string for
// the zero tag.
func (t Tag) String() string {
	if t.seq == 0 {
		return ""
	}
	return strconv.FormatInt(t.seq, 10)
}
