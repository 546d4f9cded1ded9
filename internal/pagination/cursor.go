// Package pagination pages ordered in-memory listings with opaque cursors.
package pagination

import (
	"encoding/base64"
	"errors"
	"strconv"
	"strings"
	"time"
)

const (
	DefaultLimit = 50
	MaxLimit     = 200
)

var (
	ErrInvalidCursor = errors.New("pagination: invalid cursor")
	ErrInvalidLimit  = errors.New("pagination: invalid limit")
)

// Cursor is the (createdAt, id) key of the last item on a page.
type Cursor struct {
	CreatedAt time.Time
	ID        string
}

// Before reports whether the key (createdAt, id) sorts at or before c.
func (c *Cursor) Before(createdAt time.Time, id string) bool {
	if c == nil {
		return false
	}
	if createdAt.Equal(c.CreatedAt) {
		return id <= c.ID
	}
	return createdAt.Before(c.CreatedAt)
}

// Encode returns an opaque cursor string.
func Encode(createdAt time.Time, id string) string {
	raw := strconv.FormatInt(createdAt.UnixNano(), 10) + "|" + id
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

// Decode parses a cursor. An empty string is the first page and yields nil.
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
	return &Cursor{CreatedAt: time.Unix(0, n).UTC(), ID: id}, nil
}

// ParseLimit reads a limit query value; empty means DefaultLimit and values
// above MaxLimit are clamped.
func ParseLimit(s string) (int, error) {
	if s == "" {
		return DefaultLimit, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 1 {
		return 0, ErrInvalidLimit
	}
	return min(n, MaxLimit), nil
}

// Page is one slice of a listing.
type Page[T any] struct {
	Items      []T    `json:"items"`
	NextCursor string `json:"nextCursor,omitempty"`
	HasMore    bool   `json:"hasMore"`
}

// Paginate returns the items after cur, at most limit of them. items must be
// sorted ascending by key.
func Paginate[T any](items []T, cur *Cursor, limit int, key func(T) (time.Time, string)) Page[T] {
	start := 0
	for start < len(items) {
		createdAt, id := key(items[start])
		if !cur.Before(createdAt, id) {
			break
		}
		start++
	}
	rest := items[start:]
	if len(rest) <= limit {
		return Page[T]{Items: rest}
	}
	page := rest[:limit]
	createdAt, id := key(page[len(page)-1])
	return Page[T]{Items: page, NextCursor: Encode(createdAt, id), HasMore: true}
}
