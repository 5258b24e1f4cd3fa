// Package alerts raises congestion alerts from lane updates and delivers
// them to Slack, Teams or generic HTTP webhooks.
package alerts
