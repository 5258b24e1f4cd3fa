// Package scraper polls vehicle detectors. Each detector exposes its current
// count for one lane as a Prometheus metric family; the scraper sums the
// family into a vehicle count and turns it into a types.LaneReport.
//
// Authentication (mTLS, API key, bearer token, basic) is handled by the shared
// authRoundTripper in base.go; New(config.Source) returns a Scraper with a
// pre-configured *http.Client.
package scraper
