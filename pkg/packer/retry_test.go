package packer

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/datavision/easystore/pkg/objstore"
)

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "dial tcp: i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestIsTransientError(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		transient bool
	}{
		{"Nil", nil, false},
		{"ContextCanceled", context.Canceled, false},
		{"DeadlineExceeded", context.DeadlineExceeded, false},
		{"ObjectNotFound", fmt.Errorf("archive/x: %w", objstore.ErrNotFound), false},
		{"NetError", timeoutErr{}, true},
		{"Throttling", &smithy.GenericAPIError{Code: "SlowDown"}, true},
		{"ServerError", &smithy.GenericAPIError{Code: "ServiceUnavailable"}, true},
		{"AccessDenied", &smithy.GenericAPIError{Code: "AccessDenied"}, false},
		{"NoSuchKey", &smithy.GenericAPIError{Code: "NoSuchKey"}, false},
		{"ConnectionReset", errors.New("read: connection reset by peer"), true},
		{"Deadlock", errors.New("pq: deadlock detected"), true},
		{"UnknownDefaultsTransient", errors.New("something odd"), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.transient, isTransientError(tt.err))
		})
	}
}

func TestRetryTransient(t *testing.T) {
	ctx := context.Background()

	t.Run("SucceedsAfterTransientFailures", func(t *testing.T) {
		calls := 0
		err := retryTransient(ctx, 3, "test", func() error {
			calls++
			if calls < 3 {
				return errors.New("connection refused")
			}
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, 3, calls)
	})

	t.Run("PermanentFailsImmediately", func(t *testing.T) {
		calls := 0
		want := &smithy.GenericAPIError{Code: "AccessDenied"}
		err := retryTransient(ctx, 3, "test", func() error {
			calls++
			return want
		})
		require.Error(t, err)
		assert.Equal(t, 1, calls)
		assert.ErrorIs(t, err, want)
	})

	t.Run("ExplicitPermanentFailsImmediately", func(t *testing.T) {
		calls := 0
		err := retryTransient(ctx, 3, "test", func() error {
			calls++
			return backoffPermanent(errors.New("connection refused"))
		})
		require.Error(t, err)
		assert.Equal(t, 1, calls)
	})

	t.Run("ExhaustsRetries", func(t *testing.T) {
		calls := 0
		err := retryTransient(ctx, 2, "test", func() error {
			calls++
			return errors.New("i/o timeout")
		})
		require.Error(t, err)
		assert.Equal(t, 3, calls) // initial attempt + 2 retries
	})

	t.Run("CancelledContextStops", func(t *testing.T) {
		cancelled, cancel := context.WithCancel(ctx)
		cancel()
		err := retryTransient(cancelled, 5, "test", func() error {
			return errors.New("connection refused")
		})
		require.Error(t, err)
	})
}
