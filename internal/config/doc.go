// Package config loads, normalizes, and validates specscan configuration data.
//
// It supplies repository defaults, expands user paths (including tilde
// shortcuts), reads TOML files, loads an optional .env file, and honours
// environment fallbacks such as SPECSCAN_SOURCE_URL and SPECSCAN_INDEX_DSN.
// The Config type centralizes every knob the pipeline stages and the CLI need:
// scratch and data directories, the remote tile source, retry policy, the
// selection rule, the wavelength grid, quality thresholds, and concurrency
// limits.
//
// Always obtain settings through this package so downstream code receives
// sanitized paths, canonical enum values, and clear validation errors.
package config
