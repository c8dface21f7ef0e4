// Package monitor runs the periodic background jobs: protocol health checks
// against the chains, the swap aggregator and the price feeds, and the refresh
// of consensus prices for tracked dust tokens.
package monitor
