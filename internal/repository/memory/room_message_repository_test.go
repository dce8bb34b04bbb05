package memory

import (
	"context"
	"testing"
	"time"

	"studyroom-sync-be/internal/realtime"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func saveN(t *testing.T, repo *RoomMessageRepository, sessionID string, n int) {
	t.Helper()
	for i := 1; i <= n; i++ {
		require.NoError(t, repo.SaveMessage(context.Background(), realtime.Message{
			ID:        int64(i),
			SessionID: sessionID,
			SenderID:  "alice",
			Content:   "hi",
			Kind:      realtime.KindText,
			CreatedAt: time.Now(),
		}))
	}
}

func ids(msgs []realtime.Message) []int64 {
	out := make([]int64, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.ID)
	}
	return out
}

func TestRoomMessageRepository(t *testing.T) {
	ctx := context.Background()
	repo := NewRoomMessageRepository()
	saveN(t, repo, "room-1", 5)
	saveN(t, repo, "room-2", 2)

	recent, err := repo.LoadRecentMessages(ctx, "room-1", 3)
	require.NoError(t, err)
	assert.Equal(t, []int64{3, 4, 5}, ids(recent))

	after, err := repo.LoadMessagesAfter(ctx, "room-1", 2, 2)
	require.NoError(t, err)
	assert.Equal(t, []int64{3, 4}, ids(after))

	other, err := repo.LoadRecentMessages(ctx, "room-2", 10)
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2}, ids(other))

	empty, err := repo.LoadRecentMessages(ctx, "unknown", 10)
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestRoomMessageRepositoryRejectsReusedID(t *testing.T) {
	repo := NewRoomMessageRepository()
	saveN(t, repo, "room-1", 2)

	err := repo.SaveMessage(context.Background(), realtime.Message{ID: 2, SessionID: "room-1", Content: "again"})
	assert.Error(t, err)
}

func TestRoomMessageRepositoryBacksSequencer(t *testing.T) {
	ctx := context.Background()
	repo := NewRoomMessageRepository()
	saveN(t, repo, "room-1", 41)

	seq, err := realtime.NewSequencer(ctx, "room-1", repo, realtime.SequencerConfig{ReplayWindow: 200}, time.Now)
	require.NoError(t, err)
	msg, dup, err := seq.Append(ctx, "alice", "hello", "c1", realtime.KindText)
	require.NoError(t, err)
	assert.False(t, dup)
	assert.Equal(t, int64(42), msg.ID)
}
