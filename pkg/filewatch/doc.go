// Package filewatch reports when a single file changes on disk.
//
// The parent directory is watched rather than the file, so saves that
// replace the file (write a temp file, rename it over the original) are
// seen the same way as in-place writes. Bursts of events from one save are
// coalesced into a single callback.
package filewatch
