package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func Test_CanTransition(t *testing.T) {
	tests := []struct {
		from, to SubscriptionState
		want     bool
	}{
		{StateNone, StateTrialing, true},
		{StateNone, StateActive, true},
		{StateTrialing, StateActive, true},
		{StateTrialing, StateCanceled, true},
		{StateTrialing, StateRefunded, false},
		{StateActive, StateActive, true},
		{StateActive, StatePastDue, true},
		{StateActive, StateCanceled, true},
		{StateActive, StateRefunded, true},
		{StatePastDue, StateActive, true},
		{StatePastDue, StateRefunded, true},
		{StateCanceled, StateActive, false},
		{StateRefunded, StateActive, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"_to_"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.want, CanTransition(tt.from, tt.to))
		})
	}
}
