// Package journal persists supervision history to SQLite.
//
// Every daemon broadcast is recorded as a transition row: which episode it
// belongs to, which event fired, the attempt number, and a short detail
// string. The journal survives restarts, so an operator can reconstruct
// how a resource has been behaving over time rather than only seeing the
// current status.
package journal
