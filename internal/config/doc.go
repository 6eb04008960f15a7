// Package config loads the workerd configuration file and republishes it
// when the file changes on disk.
package config
