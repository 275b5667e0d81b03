// Package config centralizes environment-driven configuration.
//
// All settings come from DEPOT_* environment variables with sensible
// defaults; only DEPOT_POSTGRES_URL is required. LoadConfig validates the
// result and refuses to start the process with an inconsistent configuration.
package config
