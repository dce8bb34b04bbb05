package realtime

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSequencer(t *testing.T, store *fakeStore, window int) *Sequencer {
	t.Helper()
	clock := newFakeClock()
	seq, err := NewSequencer(context.Background(), "room-1", store, SequencerConfig{
		ReplayWindow:     window,
		DedupTTL:         time.Minute,
		MaxContentLength: 20,
	}, clock.Now)
	require.NoError(t, err)
	return seq
}

func TestSequencerAssignsIncreasingIDs(t *testing.T) {
	store := &fakeStore{}
	seq := newTestSequencer(t, store, 10)
	ctx := context.Background()

	var last int64
	for i := 0; i < 5; i++ {
		msg, dup, err := seq.Append(ctx, "alice", "hi", "", KindText)
		require.NoError(t, err)
		assert.False(t, dup)
		assert.Greater(t, msg.ID, last)
		last = msg.ID
	}
	assert.Equal(t, int64(5), seq.LastID())
	assert.Equal(t, 5, store.count())
}

func TestSequencerDedupReturnsPriorMessage(t *testing.T) {
	store := &fakeStore{}
	store.seed("room-1", 41, time.Now())
	seq := newTestSequencer(t, store, 200)
	ctx := context.Background()

	first, dup, err := seq.Append(ctx, "alice", "hello", "c1", KindText)
	require.NoError(t, err)
	assert.False(t, dup)
	assert.Equal(t, int64(42), first.ID)

	again, dup, err := seq.Append(ctx, "alice", "hello", "c1", KindText)
	require.NoError(t, err)
	assert.True(t, dup)
	assert.Equal(t, first, again)
	assert.Equal(t, 42, store.count())

	// Same client id from another sender is a different message.
	other, dup, err := seq.Append(ctx, "bob", "hello", "c1", KindText)
	require.NoError(t, err)
	assert.False(t, dup)
	assert.Equal(t, int64(43), other.ID)
}

func TestSequencerDedupSurvivesRestart(t *testing.T) {
	store := &fakeStore{}
	seq := newTestSequencer(t, store, 200)
	first, _, err := seq.Append(context.Background(), "alice", "hello", "c1", KindText)
	require.NoError(t, err)

	restarted := newTestSequencer(t, store, 200)
	again, dup, err := restarted.Append(context.Background(), "alice", "hello", "c1", KindText)
	require.NoError(t, err)
	assert.True(t, dup)
	assert.Equal(t, first.ID, again.ID)
	assert.Equal(t, first.ID, restarted.LastID())
}

func TestSequencerPersistenceFailureBurnsID(t *testing.T) {
	store := &fakeStore{}
	seq := newTestSequencer(t, store, 10)
	ctx := context.Background()

	_, _, err := seq.Append(ctx, "alice", "one", "c1", KindText)
	require.NoError(t, err)

	store.setFailing(true)
	_, _, err = seq.Append(ctx, "alice", "two", "c2", KindText)
	require.ErrorIs(t, err, ErrPersistenceFailed)
	assert.Equal(t, CategoryUpstream, CategoryOf(err))

	store.setFailing(false)
	// The failed send was not remembered, so a retry is appended.
	msg, dup, err := seq.Append(ctx, "alice", "two", "c2", KindText)
	require.NoError(t, err)
	assert.False(t, dup)
	assert.Equal(t, int64(3), msg.ID)

	since := seq.Since(0)
	require.Len(t, since.Messages, 2)
	assert.False(t, since.Truncated, "a burned id is not a gap in the window")
}

func TestSequencerRejectsInvalidContent(t *testing.T) {
	seq := newTestSequencer(t, &fakeStore{}, 10)
	ctx := context.Background()

	_, _, err := seq.Append(ctx, "alice", "   ", "", KindText)
	assert.ErrorIs(t, err, ErrEmptyContent)

	_, _, err = seq.Append(ctx, "alice", strings.Repeat("x", 21), "", KindText)
	assert.ErrorIs(t, err, ErrContentTooLong)

	// Assistant output is not bound by the user limit.
	msg, _, err := seq.AppendAssistant(ctx, "assistant", strings.Repeat("x", 100), "req-1", KindText, true)
	require.NoError(t, err)
	assert.True(t, msg.Truncated)
	assert.Equal(t, "req-1", msg.ClientMsgID)
	assert.Equal(t, int64(1), seq.LastID())
}

func TestSequencerSince(t *testing.T) {
	seq := newTestSequencer(t, &fakeStore{}, 3)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		_, _, err := seq.Append(ctx, "alice", "m", "", KindText)
		require.NoError(t, err)
	}

	tests := []struct {
		name          string
		lastSeen      int64
		wantIDs       []int64
		wantTruncated bool
	}{
		{name: "up to date", lastSeen: 5, wantIDs: []int64{}},
		{name: "missed two", lastSeen: 3, wantIDs: []int64{4, 5}},
		{name: "window edge", lastSeen: 2, wantIDs: []int64{3, 4, 5}},
		{name: "beyond window", lastSeen: 1, wantIDs: []int64{3, 4, 5}, wantTruncated: true},
		{name: "fresh client", lastSeen: 0, wantIDs: []int64{3, 4, 5}, wantTruncated: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := seq.Since(tt.lastSeen)
			ids := make([]int64, 0, len(res.Messages))
			for _, m := range res.Messages {
				ids = append(ids, m.ID)
			}
			assert.Equal(t, tt.wantIDs, ids)
			assert.Equal(t, tt.wantTruncated, res.Truncated)
		})
	}

	assert.Equal(t, []int64{4, 5}, seq.LatestIDs(2))
	assert.Equal(t, []int64{3, 4, 5}, seq.LatestIDs(50))
}
