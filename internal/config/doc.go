// Package config loads the pocketmesh configuration file.
//
// The file is YAML (.yaml, .yml) or TOML (.toml), chosen by extension.
// A missing file is not an error: the defaults, which match the
// connection package defaults, are used instead. Every key is optional.
//
// Example config.yaml:
//
//	state_dir: ~/.local/share/pocketmesh
//	log_level: debug
//	ble:
//	  adapter: hci1
//	lifecycle:
//	  breaker_cooldown: 45s
//	  watchdog_max: 5m
//
// Paths starting with ~ are expanded to the home directory. A relative
// event_log is placed under state_dir.
package config
