package health

import (
	"context"
	"fmt"
	"time"
)

type ReadinessCheck interface {
	IsReady(ctx context.Context) error
	Name() string
}

// CheckAll runs every check with its own timeout and returns the first failure.
func CheckAll(ctx context.Context, timeout time.Duration, checks ...ReadinessCheck) error {
	for _, c := range checks {
		if c == nil {
			continue
		}

		cctx, cancel := context.WithTimeout(ctx, timeout)
		err := c.IsReady(cctx)
		cancel()

		if err != nil {
			return fmt.Errorf("%s is not ready: %w", c.Name(), err)
		}
	}
	return nil
}
