package logging

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLevel_ZapMapping(t *testing.T) {
	t.Parallel()

	// Levels must stay ordered so SetLevel(LevelWarn) silences debug/info.
	assert.Less(t, LevelDebug.zapLevel(), LevelInfo.zapLevel())
	assert.Less(t, LevelInfo.zapLevel(), LevelWarn.zapLevel())
	assert.Less(t, LevelWarn.zapLevel(), LevelError.zapLevel())
}

func TestLogger_WithSharesLevel(t *testing.T) {
	t.Parallel()

	l := New()
	child := l.With("loop", "bench")

	// Context children follow the parent's atomic level.
	l.SetLevel(LevelDebug)
	assert.Equal(t, l.level.Level(), child.level.Level())
	l.SetLevel(LevelError)
	assert.Equal(t, l.level.Level(), child.level.Level())
}

func TestNewNop_Discards(t *testing.T) {
	t.Parallel()

	l := NewNop()
	// Must be safe to log at every level without output or panic.
	l.Debug("msg", "k", 1)
	l.Info("msg")
	l.Warn("msg", "err", assert.AnError)
	l.Error("msg")
	assert.NoError(t, l.Sync())
}
