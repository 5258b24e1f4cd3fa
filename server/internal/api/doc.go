// Package api implements the HTTP REST API for trafficiq-server.
//
// New(deps) returns an http.Handler that serves:
//
//	GET  /api/v1/health              service status, controller state, storage backend
//	GET  /api/v1/traffic             current traffic snapshot
//	POST /api/v1/lanes               batch of lane reports {"reports": [...]}
//	POST /api/v1/lanes/{direction}   single lane report
//	POST /api/v1/reset               clear all lanes and the green signal
//	GET  /api/v1/signal              scheduler state, wait ticks and lane hints
//	GET  /api/v1/history             paginated observations
//	GET  /api/v1/stats               per-lane aggregates
//	GET  /api/v1/trends              average counts per hour or day
//	GET  /api/v1/alerts              firing and recently resolved alerts
//	GET  /api/v1/images/{ref}        detector frame from the configured image dir
//
// All endpoints except images respond with Content-Type: application/json
// and return 405
// for the wrong method. POST routes go through the configured auth
// middleware; lane reports are additionally rate limited (429). History
// routes return 503 when no queryable backend is configured.
//
// Request bodies are validated with go-playground/validator. No external
// HTTP framework is used.
package api
