// Package analyzers contains the built-in dimension checks run during the
// ANALYZING stage. Each analyzer inspects one fetched page and returns a
// Report; analyzers never touch shared state so they can run in parallel.
package analyzers
