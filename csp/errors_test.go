package csp

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCSPErrorIs(t *testing.T) {
	wrapped := fmt.Errorf("connect: %w", newError(KindNoMem, "table exhausted"))
	assert.True(t, errors.Is(wrapped, ErrNoMem))
	assert.False(t, errors.Is(wrapped, ErrTimedOut))
}

func TestCSPErrorMessage(t *testing.T) {
	err := newError(KindBusy, "rx queue full")
	assert.Equal(t, "BUSY: rx queue full", err.Error())

	bare := &CSPError{Kind: KindReset}
	assert.Equal(t, "RESET", bare.Error())
}

func TestKindString(t *testing.T) {
	tests := []struct {
		kind Kind
		want string
	}{
		{KindInval, "INVAL"},
		{KindNoMem, "NOMEM"},
		{KindTimedOut, "TIMEDOUT"},
		{KindTx, "TX"},
		{KindReset, "RESET"},
		{KindBusy, "BUSY"},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.kind.String())
		})
	}
}
