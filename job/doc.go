// Package job defines the job model and its persistence: the lifecycle
// state machine, per-type configuration, the processor contract, the
// type registry, and the record store with its priority queue index
// over the durable kv store.
//
// A job moves through the states
//
//	pending → processing → {completed, failed, retrying, cancelled}
//	retrying → pending (after the retry delay) or cancelled
//	processing → cancelled (via the cancellation engine)
//
// completed, failed, and cancelled are terminal; no transitions leave
// them. The record store enforces the machine on every update.
package job
