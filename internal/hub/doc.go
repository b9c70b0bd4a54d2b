// Package hub implements the request/response client for Connector hubs.
//
// The client sits between the discovery orchestrator and the UDP transport.
// It owns the correlation discipline the unreliable network requires:
//
//   - Every outbound request carries a locally generated msgID.
//   - An inbound datagram resolves a request only when its msgID matches an
//     outstanding request AND it arrived from the hub the request was sent
//     to (multicast queries accept any source).
//   - Unmatched, late, duplicated, or malformed replies are discarded
//     without error and without touching other requests' timeouts.
//   - Every request has a bounded wait; a lost reply surfaces as ErrTimeout,
//     never as a hang.
//
// The network may reorder replies freely - correlation is solely by msgID,
// never by arrival order.
//
// # Token Cache
//
// Hubs issue a session token in each discovery reply; commands must present
// an access token derived from it. The client caches the most recent token
// per hub address and overwrites it on every successful discovery. This is
// the client's only persistent state.
//
// # Reports
//
// Hubs push unsolicited Report messages on device state changes. On the
// client's own socket these are routed to an optional handler; a daemon that
// wants the multicast pushes runs ListenReports on a multicast transport.
package hub
