package pagination

import (
	"encoding/base64"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 2, 15, 10, 30, 0, 0, time.UTC)

func TestEncodeDecode(t *testing.T) {
	c, err := Decode(Encode(t0, "run_abc|with|pipes"))
	require.NoError(t, err)
	require.NotNil(t, c)
	assert.True(t, t0.Equal(c.At))
	assert.Equal(t, "run_abc|with|pipes", c.ID)
}

func TestDecode_Empty(t *testing.T) {
	c, err := Decode("")
	assert.NoError(t, err)
	assert.Nil(t, c)
}

func TestDecode_Invalid(t *testing.T) {
	raw := func(s string) string { return base64.RawURLEncoding.EncodeToString([]byte(s)) }
	for name, in := range map[string]string{
		"not base64":    "%%",
		"no separator":  raw("nopipe"),
		"empty id":      raw("123|"),
		"bad timestamp": raw("abc|run_1"),
	} {
		t.Run(name, func(t *testing.T) {
			_, err := Decode(in)
			assert.ErrorIs(t, err, ErrInvalidCursor)
		})
	}
}

func TestCursorAfter(t *testing.T) {
	c := &Cursor{At: t0, ID: "tx_5"}

	assert.True(t, c.After(t0.Add(-time.Second), "tx_9"))
	assert.False(t, c.After(t0.Add(time.Second), "tx_1"))
	assert.True(t, c.After(t0, "tx_4"))
	assert.False(t, c.After(t0, "tx_5"))
	assert.False(t, c.After(t0, "tx_6"))

	var none *Cursor
	assert.True(t, none.After(t0, "anything"))
}

func TestComputePage(t *testing.T) {
	key := func(s string) (time.Time, string) { return t0, s }

	tests := []struct {
		name    string
		items   []string
		limit   int
		want    []string
		hasMore bool
	}{
		{"short", []string{"a", "b"}, 5, []string{"a", "b"}, false},
		{"exact", []string{"a", "b", "c"}, 3, []string{"a", "b", "c"}, false},
		{"overflow", []string{"a", "b", "c", "d"}, 3, []string{"a", "b", "c"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			page := ComputePage(tt.items, tt.limit, key)
			assert.Equal(t, tt.want, page.Items)
			assert.Equal(t, tt.hasMore, page.HasMore)
			if !tt.hasMore {
				assert.Empty(t, page.NextCursor)
				return
			}
			c, err := Decode(page.NextCursor)
			require.NoError(t, err)
			assert.Equal(t, "c", c.ID)
		})
	}
}
