// Package config loads and validates the service configuration.
//
// Configuration is read from a YAML file and validated using struct tags. The vehicle list
// is the provisioned set: pings for identifiers not listed here are rejected.
package config
