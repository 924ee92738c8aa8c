package notifier

import (
	"context"
	"time"

	"github.com/pingcap/errors"
)

const flushPollInterval = time.Millisecond

func sleepCtx(ctx context.Context) error {
	timer := time.NewTimer(flushPollInterval)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return errors.Trace(ctx.Err())
	case <-timer.C:
		return nil
	}
}
