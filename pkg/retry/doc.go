// Package retry provides exponential backoff retry for transient failures.
//
// # Presets
//
//   - DefaultConfig(): 3 attempts, 100ms-5s delay (outbound requests)
//   - Quick(): 10 attempts, 50ms-1s delay (backend connects at startup)
//
// # Classification
//
// Do stops at the first error that errors.Classify does not report as
// transient, so an errors.WrapInvalid or errors.WrapFatal result ends the
// loop immediately. Unclassified errors count as transient.
//
// # Usage
//
//	conn, err := retry.DoWithResult(ctx, retry.Quick(), func() (*nats.Conn, error) {
//	    return nats.Connect(url)
//	})
//
// A custom policy with a retry hook:
//
//	cfg := retry.DefaultConfig()
//	cfg.MaxAttempts = 5
//	cfg.OnRetry = func(attempt int, err error) { retried.Add(1) }
//	err := retry.Do(ctx, cfg, send)
//
// Context cancellation ends both a running backoff delay and the loop.
package retry
