// Package config loads, normalizes, and validates ripline configuration data.
//
// It supplies repository defaults, expands user paths (including tilde
// shortcuts), reads TOML files, and applies RIPLINE_* environment overrides.
// The Config value is passed explicitly to the pipeline, parsers and daemon;
// there is no process-wide settings singleton.
package config
