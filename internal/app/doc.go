// Package app wires the formula registry, fetcher, build executor, test
// runner, ledger and event sinks into one App and exposes the operations the
// CLI drives: Install, Uninstall, Test and List. It also owns the optional
// health check server that serves /health and /metrics.
package app
