// Package trialstate persists experiments: the trial registry, the aggregate
// counters, per-layer records and the resumption pointer.
//
// Trial status changes go through a single transition table so the counters
// always satisfy Completed+Failed+Pending+InFlight == Total. Persisted files
// that violate this, or that disagree with each other, are reported as
// ErrCorruptState and left for an operator.
package trialstate
