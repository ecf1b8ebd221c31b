// Package session runs authentication-gated cipher operations.
//
// A Session takes a prepared cryptographer.Handle, checks sensor readiness,
// hands the handle to the matcher and completes the cipher only after a
// successful match. Every attempt resolves to exactly one Outcome, delivered
// both to the caller's Callback and through the returned Pending.
//
// Attempt lifecycle:
//
//	Idle -> Gating -> AwaitingBiometric -> Completing | Forwarding -> Resolved
//
// A sensor that is not ready resolves the attempt during Gating without
// calling the matcher. Help, failure and sensor errors each end the attempt.
// CancelAuth cancels the attempt's context; the matcher then reports a
// cancellation error, which resolves as SensorError with CanceledByUser set.
//
// Only one attempt runs at a time. A second Authenticate while one is in
// flight resolves immediately with Exception{ErrSessionBusy}.
package session
