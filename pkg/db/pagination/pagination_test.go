package pagination

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCursorRoundTripIsURLSafe(t *testing.T) {
	token, err := EncodeCursor(Cursor{ID: "1790000000000000000", CreatedAt: "2026-05-20T06:00:00.123456789Z"})
	require.NoError(t, err)
	assert.NotContains(t, token, "+")
	assert.NotContains(t, token, "/")
	assert.NotContains(t, token, "=")

	c, err := DecodeCursor(token)
	require.NoError(t, err)
	assert.Equal(t, "1790000000000000000", c.ID)
}

func TestDecodeCursorRejectsGarbage(t *testing.T) {
	for _, token := range []string{"%%%", "bm90LWpzb24", "e30"} {
		_, err := DecodeCursor(token)
		assert.ErrorIs(t, err, ErrInvalidToken, token)
	}
}

func TestBuildCursorPageInfo(t *testing.T) {
	ids := []string{"a", "b", "c"}
	rows := make([]*string, len(ids))
	for i := range ids {
		rows[i] = &ids[i]
	}
	id := func(s *string) string { return *s }

	info := BuildCursorPageInfo(rows, 2, id)
	assert.True(t, info.HasMore)
	assert.Equal(t, "b", info.NextPageToken)

	info = BuildCursorPageInfo(rows, 3, id)
	assert.False(t, info.HasMore)
	assert.Empty(t, info.NextPageToken)

	info = BuildCursorPageInfo([]*string{}, 3, id)
	assert.False(t, info.HasMore)
}
