// Package tui implements the interactive dashboard: a live table of every
// discovered covering with keybindings for open, close, stop, and status
// queries. Hub round trips run off the UI goroutine and report back as
// bubbletea messages.
package tui
