// Package sync reconciles the local store with the remote service.
//
// One cycle uploads the oldest pending mutations and then downloads what
// changed on the server since the last checkpoint:
//
//	sync_queue (FIFO) --PeekBatch--> rehydrate rows --POST /sync/up-->
//	    success: remove entries, mark row versions synced, save server_timestamp
//	    failure: retry_count++, stop
//	--POST /sync/down (previous checkpoint)--> ApplyRemote --> save server_timestamp
//
// Only one cycle runs at a time; a concurrent call returns immediately with
// Report.Skipped set. Network failures are reported in the Report rather
// than returned, so callers on a ticker can simply log and try again later.
//
// Usage:
//
//	engine := sync.New(store, client, creds, state.NewFile(statePath), sync.Config{})
//	report, err := engine.RunCycle(ctx)
//	if err != nil {
//	    return err // local store or checkpoint failure
//	}
//	if report.Unauthorized() {
//	    _ = creds.Refresh(ctx)
//	}
package sync
