package realtime

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func shortTimerConfig() TimerConfig {
	return TimerConfig{
		Work:           5 * time.Second,
		ShortBreak:     2 * time.Second,
		LongBreak:      3 * time.Second,
		LongBreakEvery: 2,
	}
}

func TestTimerDeterminism(t *testing.T) {
	now := time.Now()
	timer := NewSessionTimer("room-1", shortTimerConfig(), now)
	state, err := timer.Start(ModeWork, now)
	require.NoError(t, err)
	initial := state.RemainingSeconds
	require.Equal(t, 5, initial)

	completions := 0
	for n := 1; n <= initial; n++ {
		now = now.Add(time.Second)
		ticked, completion, changed := timer.Tick(now)
		require.True(t, changed)
		assert.Equal(t, initial-n, ticked.RemainingSeconds)
		assert.Equal(t, ModeWork, ticked.Mode)
		if completion != nil {
			completions++
			assert.Equal(t, n, initial, "completion only at zero")
			assert.Equal(t, ModeWork, completion.Mode)
			assert.Equal(t, ModeShortBreak, completion.NextMode)
		}
	}
	assert.Equal(t, 1, completions)

	after := timer.State()
	assert.Equal(t, ModeShortBreak, after.Mode)
	assert.Equal(t, 2, after.RemainingSeconds)
	assert.False(t, after.Running)

	// A stopped timer does not tick and cannot complete again.
	_, completion, changed := timer.Tick(now.Add(time.Second))
	assert.False(t, changed)
	assert.Nil(t, completion)
}

func TestTimerCycle(t *testing.T) {
	now := time.Now()
	cfg := shortTimerConfig()
	cfg.AutoAdvance = true
	timer := NewSessionTimer("room-1", cfg, now)
	_, err := timer.Start("", now)
	require.NoError(t, err)

	var modes []TimerMode
	for i := 0; i < 40 && len(modes) < 4; i++ {
		now = now.Add(time.Second)
		if _, completion, _ := timer.Tick(now); completion != nil {
			modes = append(modes, completion.NextMode)
		}
	}
	assert.Equal(t, []TimerMode{ModeShortBreak, ModeWork, ModeLongBreak, ModeWork}, modes)
	assert.Equal(t, 2, timer.State().CompletedWorkCycles)
	assert.True(t, timer.State().Running)
}

func TestTimerStartStopResume(t *testing.T) {
	now := time.Now()
	timer := NewSessionTimer("room-1", shortTimerConfig(), now)
	_, _ = timer.Start(ModeWork, now)
	timer.Tick(now.Add(time.Second))
	timer.Tick(now.Add(2 * time.Second))

	stopped := timer.Stop(now.Add(2 * time.Second))
	assert.False(t, stopped.Running)
	assert.Equal(t, 3, stopped.RemainingSeconds)

	resumed, err := timer.Start(ModeWork, now.Add(10*time.Second))
	require.NoError(t, err)
	assert.True(t, resumed.Running)
	assert.Equal(t, 3, resumed.RemainingSeconds)

	switched, err := timer.Start(ModeLongBreak, now.Add(11*time.Second))
	require.NoError(t, err)
	assert.Equal(t, ModeLongBreak, switched.Mode)
	assert.Equal(t, 3, switched.RemainingSeconds)

	reset := timer.Reset(now.Add(12 * time.Second))
	assert.Equal(t, ModeWork, reset.Mode)
	assert.Equal(t, 5, reset.RemainingSeconds)
	assert.False(t, reset.Running)

	_, err = timer.Start("pomodoro", now)
	assert.ErrorIs(t, err, ErrInvalidTimerMode)
}

func TestTimerProjected(t *testing.T) {
	epoch := time.Now()
	state := TimerState{RemainingSeconds: 10, Running: true, ServerEpochAtLastTick: epoch}

	assert.Equal(t, 10, state.Projected(epoch))
	assert.Equal(t, 10, state.Projected(epoch.Add(-time.Second)), "client clock behind the server")
	assert.Equal(t, 7, state.Projected(epoch.Add(3500*time.Millisecond)))
	assert.Equal(t, 0, state.Projected(epoch.Add(time.Minute)))

	state.Running = false
	assert.Equal(t, 10, state.Projected(epoch.Add(time.Minute)))
}

func TestParseTimerMode(t *testing.T) {
	for _, s := range []string{"work", "shortBreak", "longBreak"} {
		mode, err := ParseTimerMode(s)
		require.NoError(t, err)
		assert.Equal(t, TimerMode(s), mode)
	}
	_, err := ParseTimerMode("short_break")
	assert.ErrorIs(t, err, ErrInvalidTimerMode)
}
