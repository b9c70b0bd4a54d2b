// Package discovery runs the scan loop that keeps the device registry in
// step with the network: it queries every configured hub for its device
// list, reconciles the answers, and retries unreachable hubs on a fixed
// schedule without a retry cap.
//
// Each hub moves through its own state machine (pending, scanning,
// succeeded, failed) in its own goroutine, so one silent hub never delays
// discovery of devices behind the others. When no hubs are configured,
// discovery falls back to a single multicast query per cycle.
package discovery
