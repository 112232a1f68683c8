// Package swarmtorrent re-exports the session package's Config at the
// module root, loaded via gopkg.in/yaml.v1. There is no CLI entry point
// in this module; the full resource-bound and timing configuration
// lives in session.Config since that is the package that actually
// consumes it.
package swarmtorrent

import "github.com/coriolis-labs/swarmtorrent/session"

// Config is an alias for session.Config so callers can depend on this
// package without reaching into session directly.
type Config = session.Config

// DefaultConfig mirrors session.DefaultConfig.
var DefaultConfig = session.DefaultConfig

// LoadConfig loads a YAML config file, falling back to DefaultConfig
// for any unset field (and entirely when the file does not exist).
func LoadConfig(filename string) (*Config, error) {
	return session.LoadConfig(filename)
}
