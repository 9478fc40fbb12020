// Package config loads, normalizes, and validates Conveyor configuration data.
//
// It supplies repository defaults, expands user paths (including tilde
// shortcuts), reads TOML files, and honours environment fallbacks such as
// CONVEYOR_LLM_API_KEY and CONVEYOR_POSTGRES_DSN. The Config type centralizes
// every knob the daemon and CLI need: the ordered pipeline stages, the queue
// backend, the conflict wait loop and the dispatcher's capability classes.
//
// Always obtain settings through this package so downstream code receives
// sanitized paths, canonical stage and class names, and clear validation errors.
package config
