// Package ws implements the WebSocket notification channel for trafficiq-server.
//
// Hub keeps the set of connected dashboard clients and pushes traffic
// snapshots to them. It is the production controller.Publisher: every
// Publish call is broadcast immediately, and Run re-broadcasts the current
// snapshot on a heartbeat so late or lossy clients converge.
//
// Message format sent to clients:
//
//	{
//	  "event": "traffic_update",
//	  "data":  { /* same schema as GET /api/v1/traffic */ }
//	}
//
// Clients may send commands as JSON text frames:
//
//	{"event": "request_update"}  current snapshot to the sender only
//	{"event": "clear_data"}      reset all lanes, then broadcast
//
// The upgrader accepts all origins. Apply CORS restrictions at the reverse
// proxy level. The endpoint is mounted at /ws/stream by the server.
package ws
