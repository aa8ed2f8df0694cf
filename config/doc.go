// Package config loads and validates the careflow configuration from
// defaults, a YAML file and CAREFLOW_-prefixed environment variables,
// in that order of precedence. It also provides file watching and hot
// reload for the tunable subsystem knobs.
package config
