// Package protocol implements the Connector hub wire protocol.
//
// This package handles construction, parsing, validation, and encryption of
// the JSON datagrams exchanged with Connector-compatible hubs over UDP. The
// field names, message type tags, and crypto scheme are a fixed firmware
// contract verified against live hub traffic; they must not be "improved".
//
// # Protocol Overview
//
// Hubs listen on UDP port 32100 and also answer queries sent to the
// multicast group 238.0.0.18:32100. Every message is a JSON object with at
// least a msgType tag; requests additionally carry a msgID correlation
// identifier generated by the client.
//
// # Message Types
//
//   - GetDeviceList / GetDeviceListAck: plaintext discovery. The ack carries
//     the hub's firmware version, its session token, and the list of device
//     records (mac + deviceType) it proxies.
//   - WriteDevice / WriteDeviceAck: authenticated control (open, close,
//     stop, target position, tilt angle).
//   - ReadDevice / ReadDeviceAck: authenticated status query.
//   - Report: unsolicited status push on device state change; carries no
//     correlation identifier.
//
// # Authentication and Encryption
//
// Discovery is the only unauthenticated operation. Every other message
// carries an AccessToken - the hub's 16-character session token encrypted as
// a single raw AES-128 block with the pre-shared application key - and a
// data field holding the command or status payload as hex-encoded AES-ECB
// ciphertext with PKCS#7 padding. ECB and the padding scheme are dictated by
// the hub firmware.
//
// # Usage Example - Discovery
//
//	query, err := protocol.BuildDeviceListQuery(protocol.NewMsgID())
//	if err != nil {
//	    log.Fatal(err)
//	}
//	// send query via UDP, then:
//	msg, err := protocol.ParseMessage(reply, codec)
//	if ack, ok := msg.(*protocol.DeviceListAck); ok {
//	    fmt.Printf("hub %s: %d devices\n", ack.MAC, len(ack.Devices))
//	}
//
// # Usage Example - Control
//
//	codec, err := protocol.NewCodec(appKey)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	msg, err := protocol.BuildWriteDevice(codec, protocol.NewMsgID(),
//	    mac, deviceType, sessionToken, protocol.NewPositionCommand(50))
//
// # Error Handling
//
// The package distinguishes between:
//   - *CryptoError: an encrypted payload failed to decrypt (wrong key or
//     corruption); the datagram is untrusted and must be discarded.
//   - *ProtocolError: a well-formed datagram with an invalid shape (unknown
//     msgType, missing fields, out-of-range values); discarded silently.
//
// Neither error class is retriable on its own - retry policy lives with the
// request timeout in the hub client.
//
// # Thread Safety
//
// All parsing and construction functions are stateless and safe for
// concurrent use. Message ID generation uses atomic operations for
// thread-safe id assignment. The Codec holds only an immutable cipher block.
package protocol
