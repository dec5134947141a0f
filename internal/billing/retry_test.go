package billing

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func Test_Retry_SucceedsAfterTransientFailure(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), func() error {
		calls++
		if calls < 3 {
			return &GatewayError{Message: "rate limited", Code: "rate_limit"}
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func Test_Retry_DoesNotRetryDeclines(t *testing.T) {
	declined := &GatewayError{Message: "card declined", Code: "card_declined", DeclineCode: "insufficient_funds"}
	calls := 0
	err := Retry(context.Background(), func() error {
		calls++
		return declined
	})

	assert.Equal(t, 1, calls, "declines are permanent, never retried")
	var ge *GatewayError
	require.ErrorAs(t, err, &ge)
	assert.True(t, ge.IsDeclined())
}

func Test_Retry_RetriesTimeouts(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), func() error {
		calls++
		return ErrGatewayTimeout
	})

	assert.Equal(t, 3, calls)
	assert.ErrorIs(t, err, ErrGatewayTimeout)
}

func Test_Retry_StopsOnContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := Retry(ctx, func() error {
		calls++
		cancel()
		return ErrGatewayTimeout
	})

	assert.Equal(t, 1, calls)
	assert.ErrorIs(t, err, context.Canceled)
}

func Test_Retry_DoesNotRetryUnknownErrors(t *testing.T) {
	boom := errors.New("boom")
	calls := 0
	err := Retry(context.Background(), func() error {
		calls++
		return boom
	})

	assert.Equal(t, 1, calls)
	assert.ErrorIs(t, err, boom)
}
