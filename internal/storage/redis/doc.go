// Package redis offers the key-value cache shared by the sweep pipeline: the
// quote cache read by the execution worker and the live-status cache written
// by the confirmation tracker. A process-local implementation backs tests and
// single-node deployments.
package redis
