package pagination

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type item struct {
	at time.Time
	id string
}

func key(i item) (time.Time, string) { return i.at, i.id }

func TestEncodeDecode(t *testing.T) {
	ts := time.Date(2026, 2, 15, 10, 30, 0, 0, time.UTC)
	cur, err := Decode(Encode(ts, "4b1c2a6e-req"))
	require.NoError(t, err)
	require.NotNil(t, cur)
	assert.Equal(t, ts, cur.CreatedAt)
	assert.Equal(t, "4b1c2a6e-req", cur.ID)

	cur, err = Decode("")
	assert.NoError(t, err)
	assert.Nil(t, cur)

	for _, bad := range []string{"!!!", "bm9waXBl", Encode(ts, "")} {
		_, err := Decode(bad)
		assert.ErrorIs(t, err, ErrInvalidCursor, bad)
	}
}

func TestParseLimit(t *testing.T) {
	n, err := ParseLimit("")
	require.NoError(t, err)
	assert.Equal(t, DefaultLimit, n)

	n, err = ParseLimit("5000")
	require.NoError(t, err)
	assert.Equal(t, MaxLimit, n)

	for _, bad := range []string{"0", "-1", "ten"} {
		_, err := ParseLimit(bad)
		assert.ErrorIs(t, err, ErrInvalidLimit, bad)
	}
}

func TestPaginate_WalksEveryItemOnce(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	var items []item
	for i := range 7 {
		// pairs share a timestamp to exercise the id tie-break
		items = append(items, item{at: base.Add(time.Duration(i/2) * time.Second), id: fmt.Sprintf("r%d", i)})
	}

	var seen []string
	var cur *Cursor
	for pages := 0; ; pages++ {
		require.Less(t, pages, 10)
		p := Paginate(items, cur, 3, key)
		for _, it := range p.Items {
			seen = append(seen, it.id)
		}
		if !p.HasMore {
			assert.Empty(t, p.NextCursor)
			break
		}
		var err error
		cur, err = Decode(p.NextCursor)
		require.NoError(t, err)
	}
	assert.Equal(t, []string{"r0", "r1", "r2", "r3", "r4", "r5", "r6"}, seen)
}

func TestPaginate_CursorPastEnd(t *testing.T) {
	items := []item{{at: time.Unix(1, 0), id: "a"}}
	p := Paginate(items, &Cursor{CreatedAt: time.Unix(2, 0), ID: "z"}, 10, key)
	assert.Empty(t, p.Items)
	assert.False(t, p.HasMore)
}
