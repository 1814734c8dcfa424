// Package config loads the conoctl configuration.
//
// Values are layered: built-in defaults, then an optional YAML or TOML file,
// then CONOCTL_* environment variables. The result is validated before use.
package config
