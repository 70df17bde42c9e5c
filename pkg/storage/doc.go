// Package storage is the driver's optional bbolt checkpoint: terminal
// tasks, results, and sessions written through on change and reloaded on
// start.
package storage
