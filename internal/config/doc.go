// Package config defines the device settings used by the update agent and
// provides helpers to load, validate and save them in YAML format.
//
// The Config type holds the fleet backend address and device access token,
// the live firmware directory, and the polling/retry knobs.
package config
