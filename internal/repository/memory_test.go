package repository

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"coderoom/internal/models"
)

func TestMemoryFileStoreLifecycle(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryFileStore()

	created, err := s.EnsureFile(ctx, "r1", "main.py", "file")
	require.NoError(t, err)
	assert.True(t, created)
	created, _ = s.EnsureFile(ctx, "r1", "main.py", "file")
	assert.False(t, created)

	content, found, err := s.GetContent(ctx, "r1", "main.py")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "", content)

	require.NoError(t, s.SaveContent(ctx, "r1", "main.py", "print(1)"))
	require.NoError(t, s.SaveContent(ctx, "r1", "lib/util.py", "x = 1"))
	content, _, _ = s.GetContent(ctx, "r1", "main.py")
	assert.Equal(t, "print(1)", content)

	_, found, _ = s.GetContent(ctx, "r2", "main.py")
	assert.False(t, found)

	files, err := s.List(ctx, "r1")
	require.NoError(t, err)
	require.Len(t, files, 2)
	assert.Equal(t, "lib/util.py", files[0].Path)
	assert.Equal(t, "main.py", files[1].Path)
	assert.Empty(t, files[1].Content, "listing does not carry content")

	require.NoError(t, s.ForgetRoom(ctx, "r1"))
	files, _ = s.List(ctx, "r1")
	assert.Empty(t, files)
}

func TestMemoryChatStoreHistory(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryChatStore()

	for i := 0; i < 5; i++ {
		require.NoError(t, s.Append(ctx, &models.ChatMessage{RoomID: "r1", Username: "ann", Message: fmt.Sprintf("m%d", i)}))
	}
	require.NoError(t, s.Append(ctx, &models.ChatMessage{RoomID: "r2", Message: "other"}))

	all, err := s.History(ctx, "r1", 0)
	require.NoError(t, err)
	require.Len(t, all, 5)
	assert.Equal(t, "m0", all[0].Message)
	assert.NotEmpty(t, all[0].ID)
	assert.False(t, all[0].CreatedAt.IsZero())

	last, _ := s.History(ctx, "r1", 2)
	require.Len(t, last, 2)
	assert.Equal(t, "m3", last[0].Message)
	assert.Equal(t, "m4", last[1].Message)

	require.NoError(t, s.ForgetRoom(ctx, "r1"))
	all, _ = s.History(ctx, "r1", 0)
	assert.Empty(t, all)
}
