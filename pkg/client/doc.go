// Package client is the Go client for the driver's HTTP API, used by the
// CLI and by worker processes registering themselves.
package client
