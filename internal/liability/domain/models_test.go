package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCanAdvanceRecovery(t *testing.T) {
	tests := []struct {
		from RecoveryStatus
		to   RecoveryStatus
		want bool
	}{
		{RecoveryPending, RecoveryInProgress, true},
		{RecoveryPending, RecoveryWrittenOff, true},
		{RecoveryInProgress, RecoveryPartial, true},
		{RecoveryInProgress, RecoveryFailed, true},
		{RecoveryPartial, RecoveryComplete, true},

		{RecoveryPartial, RecoveryInProgress, false},
		{RecoveryInProgress, RecoveryPending, false},
		{RecoveryComplete, RecoveryFailed, false},
		{RecoveryFailed, RecoveryInProgress, false},
		{RecoveryWrittenOff, RecoveryComplete, false},
		{RecoveryPending, RecoveryPending, false},
		{"bogus", RecoveryComplete, false},
		{RecoveryPending, "bogus", false},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, CanAdvanceRecovery(tt.from, tt.to), "%s -> %s", tt.from, tt.to)
	}
}

func TestIsTerminalRecovery(t *testing.T) {
	assert.True(t, IsTerminalRecovery(RecoveryComplete))
	assert.True(t, IsTerminalRecovery(RecoveryFailed))
	assert.True(t, IsTerminalRecovery(RecoveryWrittenOff))
	assert.False(t, IsTerminalRecovery(RecoveryPending))
	assert.False(t, IsTerminalRecovery(RecoveryInProgress))
	assert.False(t, IsTerminalRecovery(RecoveryPartial))
}
