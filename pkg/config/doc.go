// Package config loads driver and worker YAML configuration. Durations are
// seconds in the files and converted to time.Duration at the boundary;
// memory limits use docker-style size strings.
package config
