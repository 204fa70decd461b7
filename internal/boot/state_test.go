package boot

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestState(t *testing.T) {
	tests := []struct {
		state    State
		name     string
		terminal bool
	}{
		{StateInit, "INIT", false},
		{StateTableLoaded, "TABLE_LOADED", false},
		{StateSlotSelected, "SLOT_SELECTED", false},
		{StateImageValid, "IMAGE_VALID", false},
		{StateStarted, "STARTED", true},
		{StateFailed, "FAILED", true},
		{State(42), "UNKNOWN", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.name, tt.state.String())
			assert.Equal(t, tt.terminal, tt.state.Terminal())
			text, err := tt.state.MarshalText()
			assert.NoError(t, err)
			assert.Equal(t, tt.name, string(text))
		})
	}
}
