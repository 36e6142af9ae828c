package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAdvanceState(t *testing.T) {
	tests := []struct {
		from  BatchState
		event BatchEvent
		to    BatchState
		ok    bool
	}{
		{StateCreated, EventStart, StateRunning, true},
		{StateCreated, EventCancel, StateCancelled, true},
		{StateCreated, EventFault, StateFailed, true},
		{StateCreated, EventFinish, StateCreated, false},
		{StateRunning, EventFinish, StateCompleted, true},
		{StateRunning, EventCancel, StateCancelled, true},
		{StateRunning, EventStart, StateRunning, false},
		{StateRunning, EventFault, StateRunning, false},
		{StateCompleted, EventCancel, StateCompleted, false},
		{StateCancelled, EventStart, StateCancelled, false},
		{StateFailed, EventStart, StateFailed, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"/"+string(tt.event), func(t *testing.T) {
			got, err := advanceState(tt.from, tt.event)
			assert.Equal(t, tt.to, got)
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, ErrInvalidTransition)
			}
		})
	}
}

func TestAdvanceState_UnknownState(t *testing.T) {
	_, err := advanceState(BatchState("paused"), EventStart)
	assert.Error(t, err)
	assert.NotErrorIs(t, err, ErrInvalidTransition)
}

func TestTerminal(t *testing.T) {
	assert.False(t, StateCreated.Terminal())
	assert.False(t, StateRunning.Terminal())
	assert.True(t, StateCompleted.Terminal())
	assert.True(t, StateCancelled.Terminal())
	assert.True(t, StateFailed.Terminal())

	assert.True(t, StatusSucceeded.Terminal())
	assert.True(t, StatusFailedTerminal.Terminal())
	assert.False(t, StatusFailedRetryable.Terminal())
	assert.False(t, StatusInFlight.Terminal())
}
