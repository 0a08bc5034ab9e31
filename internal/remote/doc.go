// Package remote is the boundary to the remote account service.
//
// Ownership boundary:
//   - the Client contract for region change, account deletion, donor-mediated
//     transfer and profile normalization
//   - classification of replies into Success | StickyLock | Failed(code)
//   - per-call deadlines and circuit breaking (Guard)
//   - the JSON-line bridge transport (BridgeClient)
//
// Nothing in this package retries. A failed call may already have changed
// remote state, so callers report it and stop.
package remote
