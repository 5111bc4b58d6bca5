package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCanAdvance(t *testing.T) {
	tests := []struct {
		from SettlementStatus
		to   SettlementStatus
		want bool
	}{
		{SettlementCreated, SettlementSubmitted, true},
		{SettlementSubmitted, SettlementAccepted, true},
		{SettlementAccepted, SettlementSettled, true},
		{SettlementCreated, SettlementSettled, true},
		{SettlementAccepted, SettlementFailed, true},
		{SettlementSettled, SettlementReturned, true},
		{SettlementSettled, SettlementReversed, true},

		{SettlementSettled, SettlementAccepted, false},
		{SettlementSettled, SettlementFailed, false},
		{SettlementAccepted, SettlementSubmitted, false},
		{SettlementAccepted, SettlementReturned, false},
		{SettlementCreated, SettlementReversed, false},
		{SettlementFailed, SettlementSettled, false},
		{SettlementReturned, SettlementSettled, false},
		{SettlementReversed, SettlementReturned, false},
		{"bogus", SettlementSettled, false},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, CanAdvance(tt.from, tt.to), "%s -> %s", tt.from, tt.to)
	}
}

func TestIsReversal(t *testing.T) {
	assert.True(t, IsReversal(SettlementSettled, SettlementReturned))
	assert.True(t, IsReversal(SettlementSettled, SettlementReversed))
	assert.False(t, IsReversal(SettlementAccepted, SettlementFailed))
	assert.False(t, IsReversal(SettlementSettled, SettlementFailed))
}
