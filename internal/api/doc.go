// Package api exposes the HTTP surface of the sweep pipeline: sweep submission,
// status polling and the Prometheus scrape endpoint.
package api
