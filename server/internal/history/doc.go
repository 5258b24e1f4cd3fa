// Package history persists lane observations and answers history queries.
//
// Every successful lane update produces one Observation. Observations are
// handed to an AsyncRecorder, which buffers them and writes them to a
// backend Writer off the update path: a write failure is logged as
// non-critical and dropped, never retried and never surfaced to the caller.
//
// Backends:
//
//	BadgerStore     embedded key/value store; also serves Query, Stats, Trends
//	InfluxRecorder  write-through to an InfluxDB v2 bucket
//
// Badger keys are "obs/<unix nanos, 20 digits>/<uuid>" so a prefix scan
// returns observations in time order.
package history
