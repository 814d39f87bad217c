// Package batch provides the concurrent batch-fetch coordinator.
//
// A Coordinator takes an ordered list of identifiers (URLs), launches one
// fetch per identifier concurrently, and delivers a single Result once every
// fetch has settled. The result keeps input order regardless of completion
// order: successful payloads are listed by input index and failures are
// reported separately with their reason.
//
// Example usage:
//
//	coord := batch.NewCoordinator(fetcher, batch.DefaultConfig(), logger)
//	handle, err := coord.Run(ctx, urls, func(r batch.Result) {
//		fmt.Printf("%d images, %d failures\n", r.Len(), r.FailureCount())
//	})
//	if err != nil {
//		return err
//	}
//	defer handle.Cancel()
//
// Lifecycle of a batch:
//   - Pending until every outcome is recorded
//   - Complete exactly once; the callback is handed to the Dispatcher
//   - Cancelled via Handle.Cancel or the Run context; the callback never fires
//
// Only the per-batch state is shared between fetch goroutines. Recording an
// outcome, incrementing the completion count and deciding whether the batch
// is finished happen under one lock, so exactly one completion builds and
// delivers the result.
//
// Optional hardening:
//   - Config.MaxConcurrency bounds the fan-out
//   - Config.Timeout delivers a partial result with timeout failures
package batch
