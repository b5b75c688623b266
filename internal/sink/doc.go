// Package sink delivers run reports to the terminal, to machine-readable
// streams, to Prometheus, to Redis and to the run history database.
package sink
