// Package shipper sends lane reports to trafficiq-server as JSON batches
// (POST /api/v1/lanes).
//
// Shipper.Ship() is non-blocking: reports are placed in an in-memory channel
// (default capacity 256). When the buffer is full the oldest entry is evicted
// so the latest counts are always preserved.
//
// Shipper.Run() sends up to 64 buffered reports every ship interval, retrying
// a failed batch with truncated exponential backoff (1s→60s, ±25% jitter).
// 4xx responses other than 408/429 are permanent and discard the batch.
// On shutdown the buffer is flushed once with a short timeout.
//
// Auth: API key in the configured header when server_auth.mode is apikey.
package shipper
