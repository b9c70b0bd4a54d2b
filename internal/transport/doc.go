// Package transport provides the UDP datagram layer for hub communication.
//
// This package is a deliberately thin asynchronous I/O primitive: it opens
// one UDP endpoint per logical session, sends datagrams fire-and-forget, and
// delivers received datagrams on a channel together with their source
// address. Retry, timeout, and correlation policy all live one layer up in
// the hub client.
//
// # Sockets
//
// Two kinds of endpoint exist:
//
//   - Listen opens an ephemeral unicast socket. Discovery queries and
//     commands are sent from it (to a hub's port 32100 or to the multicast
//     group 238.0.0.18:32100) and hubs address their replies to its source
//     port. One socket serves any number of concurrent requests.
//   - ListenMulticast joins the hub multicast group to receive unsolicited
//     Report pushes. Only the long-running bridge daemon needs this.
//
// # Lifecycle
//
// Close shuts the socket down; the Packets channel closes shortly after, so
// a consumer range loop terminates cleanly. The owner of the session (the
// discovery orchestrator or daemon) is responsible for closing the socket at
// shutdown.
package transport
