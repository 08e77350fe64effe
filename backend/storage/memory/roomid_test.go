package memory

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateRoomID(t *testing.T) {
	ids := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id, err := GenerateRoomID()
		require.NoError(t, err)
		assert.Len(t, id, RoomIDLength)
		assert.True(t, IsValidRoomID(id), "generated invalid id %q", id)
		assert.False(t, ids[id], "duplicate id %q", id)
		ids[id] = true
	}
}

func TestIsValidRoomID(t *testing.T) {
	tests := []struct {
		name  string
		id    string
		valid bool
	}{
		{"eight mixed", "abC12345", true},
		{"six chars", "abc123", true},
		{"seven chars", "ABCDEFG", true},
		{"empty", "", false},
		{"five chars", "abc12", false},
		{"nine chars", "abc123456", false},
		{"hyphen", "abc-1234", false},
		{"underscore", "abc_1234", false},
		{"space", "abc 1234", false},
		{"unicode", "abc日本語", false},
		{"path traversal", "../etc", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.valid, IsValidRoomID(tt.id))
		})
	}
}
