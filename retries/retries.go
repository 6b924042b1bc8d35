package retries

import (
	"context"
	"errors"
	"time"

	"github.com/aws/smithy-go"
	"github.com/bitrise-io/go-utils/retry"
)

const (
	DefaultAttempts  = 3
	DefaultBaseDelay = 100 * time.Millisecond

	HealthAttempts  = 2
	HealthBaseDelay = 50 * time.Millisecond
)

// Retry calls fn until it succeeds, returns a non-retriable error, the context
// is done or attempts are exhausted. The last error is returned.
func Retry(ctx context.Context, attempts int, delay time.Duration, fn func() error, retriable func(error) bool) error {
	if attempts < 1 {
		attempts = 1
	}

	return retry.Times(uint(attempts-1)).Wait(delay).TryWithAbort(func(attempt uint) (error, bool) {
		if err := ctx.Err(); err != nil {
			return err, true
		}

		err := fn()
		if err == nil {
			return nil, false
		}
		if retriable == nil || !retriable(err) {
			return err, true
		}
		return err, false
	})
}

var retriableDbCodes = map[string]struct{}{
	"ProvisionedThroughputExceededException": {},
	"ThrottlingException":                    {},
	"RequestLimitExceeded":                   {},
	"InternalServerError":                    {},
	"ServiceUnavailable":                     {},
	"TransactionConflictException":           {},
}

var retriableStoreCodes = map[string]struct{}{
	"SlowDown":           {},
	"Throttling":         {},
	"RequestTimeout":     {},
	"InternalError":      {},
	"ServiceUnavailable": {},
}

func IsRetriableDbError(err error) bool {
	return hasCode(err, retriableDbCodes)
}

func IsRetriableStoreError(err error) bool {
	return hasCode(err, retriableStoreCodes)
}

func hasCode(err error, codes map[string]struct{}) bool {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	_, ok := codes[apiErr.ErrorCode()]
	return ok
}
