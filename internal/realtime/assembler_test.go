package realtime

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestAssembler() *Assembler {
	return NewAssembler(AssemblerConfig{
		IdleTimeout: 60 * time.Second,
		Retention:   2 * time.Minute,
	})
}

func TestAssemblerCumulativeChunks(t *testing.T) {
	a := newTestAssembler()
	now := time.Now()
	_, err := a.Start("room-1", "req-1", "c1", now)
	require.NoError(t, err)

	_, err = a.Start("room-1", "req-1", "c1", now)
	assert.ErrorIs(t, err, ErrExchangeExists)

	prev := 0
	var last string
	for _, chunk := range []string{"The ", "", "answer ", "is ", "42."} {
		cumulative, err := a.AppendChunk("req-1", chunk, now)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, len(cumulative), prev)
		prev = len(cumulative)
		last = cumulative
	}
	assert.Equal(t, "The answer is 42.", last)

	res, err := a.Finalize("req-1", "", now)
	require.NoError(t, err)
	assert.Equal(t, "The answer is 42.", res.Text)
	assert.Equal(t, KindText, res.Kind)
	assert.False(t, res.Truncated)
}

func TestAssemblerTerminalStates(t *testing.T) {
	tests := []struct {
		name    string
		first   func(a *Assembler) error
		second  func(a *Assembler) error
		wantErr error
	}{
		{
			name:    "append after finalize",
			first:   func(a *Assembler) error { _, err := a.Finalize("req", "done", time.Now()); return err },
			second:  func(a *Assembler) error { _, err := a.AppendChunk("req", "more", time.Now()); return err },
			wantErr: ErrExchangeAlreadyFinalized,
		},
		{
			name:    "finalize twice",
			first:   func(a *Assembler) error { _, err := a.Finalize("req", "done", time.Now()); return err },
			second:  func(a *Assembler) error { _, err := a.Finalize("req", "again", time.Now()); return err },
			wantErr: ErrExchangeAlreadyFinalized,
		},
		{
			name:    "abort after finalize",
			first:   func(a *Assembler) error { _, err := a.Finalize("req", "done", time.Now()); return err },
			second:  func(a *Assembler) error { _, err := a.Abort("req", time.Now()); return err },
			wantErr: ErrExchangeAlreadyFinalized,
		},
		{
			name:    "finalize after abort",
			first:   func(a *Assembler) error { _, err := a.Abort("req", time.Now()); return err },
			second:  func(a *Assembler) error { _, err := a.Finalize("req", "done", time.Now()); return err },
			wantErr: ErrExchangeAborted,
		},
		{
			name:    "append after abort",
			first:   func(a *Assembler) error { _, err := a.Abort("req", time.Now()); return err },
			second:  func(a *Assembler) error { _, err := a.AppendChunk("req", "x", time.Now()); return err },
			wantErr: ErrExchangeAborted,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := newTestAssembler()
			_, err := a.Start("room-1", "req", "c1", time.Now())
			require.NoError(t, err)
			require.NoError(t, tt.first(a))
			assert.ErrorIs(t, tt.second(a), tt.wantErr)
		})
	}
}

func TestAssemblerAbort(t *testing.T) {
	a := newTestAssembler()
	now := time.Now()

	_, _ = a.Start("room-1", "partial", "c1", now)
	_, _ = a.AppendChunk("partial", "half an ans", now)
	res, err := a.Abort("partial", now)
	require.NoError(t, err)
	assert.Equal(t, "half an ans", res.Text)
	assert.True(t, res.Truncated)
	assert.Equal(t, KindText, res.Kind)

	_, _ = a.Start("room-1", "empty", "c1", now)
	res, err = a.Abort("empty", now)
	require.NoError(t, err)
	assert.Equal(t, DefaultApology, res.Text)
	assert.Equal(t, KindSystem, res.Kind)

	_, err = a.Abort("missing", now)
	assert.ErrorIs(t, err, ErrUnknownExchange)
	assert.Equal(t, CategoryProtocol, CategoryOf(err))
}

func TestAssemblerOwnership(t *testing.T) {
	a := newTestAssembler()
	now := time.Now()
	_, _ = a.Start("room-1", "b", "c1", now)
	_, _ = a.Start("room-1", "a", "c1", now)
	_, _ = a.Start("room-1", "z", "c2", now)
	_, _ = a.Finalize("b", "x", now)

	assert.Equal(t, []string{"a"}, a.OwnedBy("c1"))
	assert.Equal(t, []string{"a", "z"}, a.Streaming())
}

func TestAssemblerSweep(t *testing.T) {
	a := newTestAssembler()
	start := time.Now()
	_, _ = a.Start("room-1", "idle", "c1", start)
	_, _ = a.Start("room-1", "busy", "c1", start)
	_, _ = a.Start("room-1", "done", "c1", start)
	_, _ = a.Finalize("done", "ok", start)

	_, _ = a.AppendChunk("busy", "x", start.Add(30*time.Second))
	assert.Equal(t, []string{"idle"}, a.Sweep(start.Add(60*time.Second)))

	_, ok := a.Get("done")
	assert.True(t, ok)

	a.Sweep(start.Add(2 * time.Minute))
	_, ok = a.Get("done")
	assert.False(t, ok)
	_, err := a.Finalize("done", "again", start.Add(2*time.Minute))
	assert.ErrorIs(t, err, ErrUnknownExchange)
}
