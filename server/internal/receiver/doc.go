// Package receiver is the intake path for detection results.
//
// Receiver.Apply validates a batch of lane reports, writes them to the
// traffic state store, evaluates congestion alerts, queues one history
// observation per report and publishes the resulting snapshot once. A batch
// containing any invalid report is rejected before the store is touched.
//
// Persistence is best effort: a recorder error is logged as non-critical and
// never fails the update.
package receiver
