// Package metrics exposes Foreman's Prometheus collectors and the ticker
// that refreshes them from driver state.
package metrics
