// Package shutdown collects best-effort cleanup hooks to run at process
// exit.
//
// Registration is explicit and instance-scoped: the embedding layer
// creates a Registry, registers each component it wants stopped with a
// per-hook timeout, and invokes Run once the exit path is reached. There
// is no global state and nothing runs implicitly. Hooks execute in
// reverse registration order, mirroring a defer chain, and Run is
// idempotent.
package shutdown
