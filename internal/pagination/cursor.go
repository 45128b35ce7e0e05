// Package pagination implements keyset cursors for newest-first listings
// ordered by (timestamp, id).
package pagination

import (
	"encoding/base64"
	"errors"
	"strconv"
	"strings"
	"time"
)

// ErrInvalidCursor is returned for cursors that were not produced by Encode.
var ErrInvalidCursor = errors.New("pagination: invalid cursor")

// Cursor is the (timestamp, id) key of the last item on a page.
type Cursor struct {
	At time.Time
	ID string
}

// Page is one slice of a listing plus the cursor for the next one.
type Page[T any] struct {
	Items      []T    `json:"items"`
	NextCursor string `json:"nextCursor,omitempty"`
	HasMore    bool   `json:"hasMore"`
}

// Encode returns an opaque cursor for the given key.
func Encode(at time.Time, id string) string {
	raw := strconv.FormatInt(at.UnixNano(), 10) + "|" + id
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

// Decode parses a cursor. An empty string yields a nil cursor.
func Decode(s string) (*Cursor, error) {
	if s == "" {
		return nil, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return nil, ErrInvalidCursor
	}
	nanos, id, ok := strings.Cut(string(raw), "|")
	if !ok || id == "" {
		return nil, ErrInvalidCursor
	}
	n, err := strconv.ParseInt(nanos, 10, 64)
	if err != nil {
		return nil, ErrInvalidCursor
	}
	return &Cursor{At: time.Unix(0, n).UTC(), ID: id}, nil
}

// After reports whether (at, id) sorts strictly after c in newest-first
// order, i.e. belongs on a later page. A nil cursor admits everything.
func (c *Cursor) After(at time.Time, id string) bool {
	if c == nil {
		return true
	}
	if at.Equal(c.At) {
		return id < c.ID
	}
	return at.Before(c.At)
}

// ComputePage trims items fetched with limit+1 down to limit and derives
// the next cursor from the last kept item.
func ComputePage[T any](items []T, limit int, key func(T) (time.Time, string)) Page[T] {
	if len(items) <= limit {
		return Page[T]{Items: items}
	}
	items = items[:limit]
	at, id := key(items[len(items)-1])
	return Page[T]{Items: items, NextCursor: Encode(at, id), HasMore: true}
}
