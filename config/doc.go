// Package config loads the memflow configuration from defaults, an
// optional YAML file, and MEMFLOW_* environment overrides, in that
// order of precedence.
package config
