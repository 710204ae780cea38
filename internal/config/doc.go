// Package config holds the settings of a smelter run and the layering that
// produces them: built-in defaults, then an optional YAML file, then the
// environment, then command-line flags. Validate is the single place that
// decides whether the result is usable.
package config
