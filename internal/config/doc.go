// Package config loads the schedulerd config file (YAML or JSON), validates
// it, and republishes it to subscribers when the file changes on disk.
package config
