// Package scraper reads a countdown3d-server's Prometheus text exposition and
// condenses it into a Status the agent can print or log.
package scraper
