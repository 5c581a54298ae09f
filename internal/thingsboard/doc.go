// Package thingsboard encapsulates the fleet backend's device HTTP API:
// reading shared (desired) and client (current) firmware attributes,
// publishing client attributes, and pushing update-progress telemetry.
package thingsboard
