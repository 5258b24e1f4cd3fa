// Package types defines the shared traffic domain types used by both the
// agent and the server: the closed Direction enumeration, per-lane state,
// the immutable Snapshot copied out of the state store, and the LaneReport
// wire payload produced by the detection pipeline.
package types
