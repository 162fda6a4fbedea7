// Package config loads, normalizes, and validates capsule configuration.
//
// It supplies repository defaults, expands user paths (including tilde
// shortcuts), reads TOML files, and honours environment fallbacks for
// credentials such as OPENROUTER_API_KEY and GOOGLE_APPLICATION_CREDENTIALS.
// Always obtain settings through this package so downstream code receives
// sanitized paths and clear validation errors.
package config
