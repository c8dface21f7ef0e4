// Package sweep implements the dust-sweep pipeline: the execution worker that
// disposes of balances chain by chain, the confirmation tracker that polls the
// resulting transactions to a terminal state, the submission service in front
// of them, and the persistent store they share.
package sweep
