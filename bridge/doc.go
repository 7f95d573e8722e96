// Package bridge provides asynchronous call/response over a one-way channel to a native host.
//
// The host can only receive fire-and-forget frames and answers later, out of band,
// through a separate delivery path. The bridge turns that into a call API:
// every call gets its own id, many calls can be in flight at once, and the
// host's result or error reason is routed back to the matching caller.
//
// Key features:
//   - Monotonic call ids that never collide with a live call
//   - Non-blocking call issuance returning a handle
//   - First completion wins; duplicate, late and unknown completions are ignored
//   - Host error reasons surfaced verbatim
//   - Optional pending cap, expiry sweeper and metrics
//
// Basic usage:
//
//	b, err := bridge.NewBridge(sender)
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	// Route host frames back into the bridge
//	go transport.Listen(ctx, b)
//
//	call, err := b.IssueCall(ctx, "elastos_signData", payload)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	result, err := call.Wait(ctx)
//
// The bridge has no timeout of its own. A call the host never answers stays
// pending until the caller stops waiting, the sweeper expires it, or the
// bridge is closed.
package bridge
