// Package oracle derives a consensus USD price for a token from several public
// price feeds and grades how far the feeds agree. Sweeps refuse tokens whose
// price cannot be trusted.
package oracle
