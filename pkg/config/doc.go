// Package config loads and validates the pyrite daemon configuration.
// Configuration is read from a YAML file, overlaid with PYRITE_*
// environment variables, and validated with struct tags.
package config
