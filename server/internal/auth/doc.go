// Package auth provides API-key authentication middleware for the
// trafficiq-server REST API.
//
// APIKey(mode, header, key) wraps an http.Handler. When mode != "apikey" or
// key == "" every request passes through (local development with auth
// disabled). Otherwise the named header must carry exactly key, or the
// request is rejected with 401 and a JSON error body.
package auth
