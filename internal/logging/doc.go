// Package logging provides structured logging for the shadectl tools.
//
// This package wraps zap logger with convenience functions for common logging
// patterns used throughout the project. It provides both general logging
// functions and specialized functions for protocol-specific logging needs.
//
// # Log Levels
//
// The package supports standard log levels:
//   - Debug: Detailed debugging info (datagram hex dumps, correlation ids)
//   - Info: Normal operations (scans, device registration, state changes)
//   - Warn: Non-fatal issues (scan timeouts, discarded replies, retries)
//   - Error: Fatal issues (startup failures, critical errors)
//
// # Structured Logging
//
// All log functions use structured fields for queryability:
//
//	logging.Info("Device discovered",
//	    zap.String("hub_addr", "192.168.1.100"),
//	    zap.String("mac", "a4cf12000001"),
//	    zap.String("firmware", "2.1"),
//	)
//
// # Specialized Logging
//
// Datagram logging for wire-level debugging:
//
//	logging.LogDatagram("send", hubAddr, payload)
//	logging.LogDatagram("recv", hubAddr, payload)
//
// # Configuration
//
// Initialize logging at startup:
//
//	if err := logging.Initialize("debug"); err != nil {
//	    log.Fatal(err)
//	}
//	defer logging.Sync()
//
// CLI commands that should be silent by default use InitializeFromEnv, which
// only enables output when SHADECTL_LOG_LEVEL is set.
//
// # Thread Safety
//
// All logging functions are safe for concurrent use. The underlying zap logger
// handles synchronization automatically.
package logging
