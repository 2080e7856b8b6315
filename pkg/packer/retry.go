package packer

import (
	"context"
	"errors"
	"net"
	"strings"
	"time"

	"github.com/aws/smithy-go"
	"github.com/cenkalti/backoff/v4"

	"github.com/datavision/easystore/internal/logger"
	"github.com/datavision/easystore/pkg/objstore"
)

// isTransientError reports whether the error is worth retrying. Unknown
// errors count as transient; only errors positively identified as permanent
// (auth, not-found, validation) fail immediately.
func isTransientError(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, objstore.ErrNotFound) {
		return false
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "Throttling", "ThrottlingException", "RequestThrottled", "SlowDown",
			"ProvisionedThroughputExceededException",
			"InternalError", "ServiceUnavailable", "ServiceException":
			return true
		case "NoSuchKey", "NotFound", "NoSuchBucket",
			"AccessDenied", "Forbidden", "InvalidAccessKeyId", "SignatureDoesNotMatch",
			"InvalidRange", "InvalidRequest", "ValidationError":
			return false
		}
	}

	errStr := err.Error()
	if strings.Contains(errStr, "connection reset") ||
		strings.Contains(errStr, "connection refused") ||
		strings.Contains(errStr, "i/o timeout") ||
		strings.Contains(errStr, "deadlock") ||
		strings.Contains(errStr, "serialization failure") ||
		strings.Contains(errStr, "503") ||
		strings.Contains(errStr, "500") {
		return true
	}
	if strings.Contains(errStr, "access denied") ||
		strings.Contains(errStr, "not found") {
		return false
	}

	return true
}

// retryTransient runs fn with exponential backoff and jitter while errors
// classify as transient, up to maxRetries additional attempts. Permanent
// errors and context cancellation surface immediately.
func retryTransient(ctx context.Context, maxRetries int, op string, fn func() error) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 200 * time.Millisecond
	bo.MaxInterval = 10 * time.Second

	attempt := 0
	wrapped := func() error {
		err := fn()
		if err == nil {
			return nil
		}
		var perm *backoff.PermanentError
		if errors.As(err, &perm) {
			return err
		}
		if !isTransientError(err) {
			return backoff.Permanent(err)
		}
		attempt++
		logger.Debug("transient error, retrying",
			logger.Operation(op), logger.Attempt(attempt),
			logger.MaxRetries(maxRetries), logger.Err(err))
		return err
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(bo, uint64(maxRetries)), ctx)
	return backoff.Retry(wrapped, policy)
}

// backoffPermanent marks an error as non-retryable for retryTransient.
func backoffPermanent(err error) error {
	return backoff.Permanent(err)
}
