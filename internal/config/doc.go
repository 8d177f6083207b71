// Package config loads the daemon configuration from JSON or YAML, validates
// it and publishes changes picked up by an fsnotify watch.
package config
