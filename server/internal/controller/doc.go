// Package controller implements the adaptive traffic signal scheduler.
//
// A Controller runs one background loop for the lifetime of the process.
// Every tick it:
//
//  1. selects the lane to favour (SelectNextLane): each lane's wait counter
//     is incremented, the score is vehicle_count × wait, the highest score
//     wins and ties go to the earlier lane in north, east, south, west order;
//     the winner's wait counter resets to zero;
//  2. computes the green duration (SignalDuration):
//     base × max(1, min(count/5, 3)) units;
//  3. commits the lane to the store and publishes the new snapshot;
//  4. waits out the duration one unit at a time, returning promptly when
//     stopped.
//
// A failing tick (error or panic) is logged and followed by a fixed backoff;
// the loop never exits on its own. Start/Stop move the controller through
// Idle → Running → Stopping → Stopped; Stop is a bounded, best-effort join.
package controller
