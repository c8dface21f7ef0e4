// Package config loads the sweep daemon configuration from a JSON file, a
// .env file and environment variable overrides.
package config
