// Package executions owns the write path of the engine: it stages input
// blobs, creates execution records, dispatches workers in the background
// and applies lifecycle events to the persisted records. Reads live in the
// status package.
package executions
