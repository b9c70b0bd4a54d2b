// Package server exposes the bridge daemon's device registry to external
// integrations: a JSON device snapshot at /devices, a WebSocket event
// stream at /events carrying add/update/remove and status-report events,
// and a /healthz liveness probe. The daemon advertises the API over mDNS
// as _shadectl._tcp so clients on the same network can find it without
// configuration.
package server
