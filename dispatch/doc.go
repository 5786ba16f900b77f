// Package dispatch drives generic requests to terminal responses. The
// online dispatcher talks to a remote backend under dual rolling-minute
// budgets with retry and cooldown handling; the batch dispatcher runs a
// locally loaded model over fixed-size batches with no admission control.
package dispatch
