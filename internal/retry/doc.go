// Package retry runs an operation with capped exponential backoff and
// jitter until it succeeds, the attempts run out, or the context ends.
//
//	err := retry.Do(ctx, &retry.Config{MaxRetries: 5}, db.PingContext,
//	    retry.WithOnRetry(func(attempt int, err error, wait time.Duration) {
//	        logger.Warn("database not reachable", observability.Int("attempt", attempt))
//	    }),
//	)
package retry
