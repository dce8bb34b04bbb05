package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("TYPING_TTL", "")
	t.Setenv("REPLAY_WINDOW", "")
	t.Setenv("AUTO_CREATE_ROOMS", "")
	t.Setenv("LLM_TEMPERATURE", "warm")

	cfg := Load()
	assert.Equal(t, 1500*time.Millisecond, cfg.Realtime.TypingTTL)
	assert.Equal(t, 200, cfg.Realtime.ReplayWindow)
	assert.Equal(t, 25*time.Minute, cfg.Realtime.WorkDuration)
	assert.Equal(t, 4, cfg.Realtime.LongBreakEvery)
	assert.False(t, cfg.Realtime.AutoCreateRooms)
	assert.Equal(t, "assistant", cfg.Realtime.AssistantID)
	assert.Equal(t, 0.7, cfg.Ai.Temperature)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("TYPING_TTL", "3s")
	t.Setenv("REPLAY_WINDOW", "50")
	t.Setenv("AUTO_CREATE_ROOMS", "true")
	t.Setenv("TIMER_WORK_DURATION", "50m")
	t.Setenv("SWEEP_INTERVAL", "-1s")
	t.Setenv("RESYNC_LATEST_IDS", "many")
	t.Setenv("LLM_TEMPERATURE", "0.2")
	t.Setenv("LLM_MAX_TOKENS", "512")

	cfg := Load()
	assert.Equal(t, 3*time.Second, cfg.Realtime.TypingTTL)
	assert.Equal(t, 50, cfg.Realtime.ReplayWindow)
	assert.True(t, cfg.Realtime.AutoCreateRooms)
	assert.Equal(t, 50*time.Minute, cfg.Realtime.WorkDuration)
	assert.Equal(t, 250*time.Millisecond, cfg.Realtime.SweepInterval, "non-positive durations fall back")
	assert.Equal(t, 50, cfg.Realtime.ResyncLatestIDs, "unparsable ints fall back")
	assert.Equal(t, 0.2, cfg.Ai.Temperature)
	assert.Equal(t, 512, cfg.Ai.MaxTokens)
}
