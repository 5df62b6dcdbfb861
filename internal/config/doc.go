// Package config provides configuration loading and validation for the speech
// decode scheduler. It reads a YAML file, overlays an optional .env file and
// CTXASR_* environment variables, and validates every section.
package config
