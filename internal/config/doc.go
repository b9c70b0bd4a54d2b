// Package config manages persistent state for shadectl: the settings file
// (application key, configured hub addresses, tuning knobs) and the device
// cache that preserves accessory identities across restarts.
//
// Both files live under the platform configuration directory
// (~/.config/shadectl on Linux and macOS) and are written atomically via a
// temp-file-and-rename. The settings file is written 0600 because the
// application key it holds grants control of every covering on the network.
package config
