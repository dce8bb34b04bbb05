package websocket

import (
	"context"
	"os"
	"testing"
	"time"

	"studyroom-sync-be/internal/pkg/logger"
	"studyroom-sync-be/internal/realtime"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClientDeliver(t *testing.T) {
	c := NewClient(nil, "room-1", "alice", logger.NewNopLogger())
	assert.NotEmpty(t, c.ID())

	for i := 0; i < sendBufferSize; i++ {
		require.True(t, c.Deliver([]byte("frame")))
	}
	assert.False(t, c.Deliver([]byte("overflow")), "a full buffer must not block")

	<-c.send
	assert.True(t, c.Deliver([]byte("frame")))

	c.Close()
	c.Close()
	assert.False(t, c.Deliver([]byte("after close")))
}

func TestHubRegistry(t *testing.T) {
	h := NewHub(nil, logger.NewNopLogger())
	a := NewClient(nil, "room-1", "alice", logger.NewNopLogger())
	b := NewClient(nil, "room-1", "bob", logger.NewNopLogger())

	h.register(a)
	h.register(b)
	assert.Equal(t, 2, h.ConnectionCount("room-1"))

	h.unregister(a)
	assert.Equal(t, 1, h.ConnectionCount("room-1"))

	h.CloseAll()
	assert.False(t, b.Deliver([]byte("x")))
	h.unregister(b)
	assert.Zero(t, h.ConnectionCount("room-1"))
}

func TestHubWithoutRedis(t *testing.T) {
	h := NewHub(nil, logger.NewNopLogger())
	h.MirrorRoster("room-1", []realtime.Participant{{ID: "alice"}})
	_, err := h.MirroredRoster(context.Background(), "room-1")
	assert.ErrorIs(t, err, realtime.ErrRoomNotFound)
}

// Needs a real Redis, e.g. TEST_REDIS_URL=redis://localhost:6379/15.
func TestHubMirrorsRosterToRedis(t *testing.T) {
	url := os.Getenv("TEST_REDIS_URL")
	if url == "" {
		t.Skip("TEST_REDIS_URL not set")
	}
	opt, err := redis.ParseURL(url)
	require.NoError(t, err)
	rdb := redis.NewClient(opt)
	defer rdb.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h := NewHub(rdb, logger.NewNopLogger())
	go h.Run(ctx)

	session := "hub-test-" + time.Now().Format("150405.000000")
	defer rdb.Del(context.Background(), rosterKey(session))

	h.MirrorRoster(session, []realtime.Participant{
		{ID: "bob", PresenceStatus: realtime.StatusOnline},
		{ID: "alice", PresenceStatus: realtime.StatusAway},
	})

	var roster []realtime.Participant
	require.Eventually(t, func() bool {
		roster, err = h.MirroredRoster(ctx, session)
		return err == nil && len(roster) == 2
	}, 2*time.Second, 20*time.Millisecond)
	assert.Equal(t, "alice", roster[0].ID)
	assert.Equal(t, realtime.StatusAway, roster[0].PresenceStatus)

	h.MirrorRoster(session, nil)
	require.Eventually(t, func() bool {
		_, err = h.MirroredRoster(ctx, session)
		return err != nil
	}, 2*time.Second, 20*time.Millisecond)
	assert.ErrorIs(t, err, realtime.ErrRoomNotFound)
}
