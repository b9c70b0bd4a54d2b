package protocol

import (
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"
)

// Message constructor library for building protocol datagrams to send to
// Connector hubs. All message builders produce a complete JSON datagram
// ready for the UDP transport.

// Global message ID counter (thread-safe). Combined with a millisecond
// timestamp so that ids stay unique even when several requests are built
// within the same clock tick.
var messageIDCounter uint32

// NewMsgID generates a unique request correlation identifier. The format is
// the firmware's expected timestamp shape (yyyymmddhhmmssmmm) with the last
// three digits replaced by a process-local counter.
func NewMsgID() string {
	n := atomic.AddUint32(&messageIDCounter, 1)
	return fmt.Sprintf("%s%03d", time.Now().Format("20060102150405"), n%1000)
}

// BuildDeviceListQuery constructs a plaintext discovery query. Discovery is
// the only unauthenticated operation; hubs answer it with their session
// token and device list.
func BuildDeviceListQuery(msgID string) ([]byte, error) {
	msg := envelope{
		MsgType: MsgTypeDeviceListQuery,
		MsgID:   msgID,
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to build discovery query: %w", err)
	}
	return data, nil
}

// BuildWriteDevice constructs an authenticated control message. The command
// payload is encrypted end-to-end with the application key; the access token
// derived from the hub's current session token authenticates the sender.
func BuildWriteDevice(codec *Codec, msgID, mac, deviceType, token string, cmd Command) ([]byte, error) {
	if err := cmd.Validate(); err != nil {
		return nil, err
	}
	return buildAuthenticated(codec, MsgTypeWriteDevice, msgID, mac, deviceType, token, cmd)
}

// BuildReadDevice constructs an authenticated status query. The encrypted
// payload carries a query operation so the hub replies without moving the
// motor.
func BuildReadDevice(codec *Codec, msgID, mac, deviceType, token string) ([]byte, error) {
	return buildAuthenticated(codec, MsgTypeReadDevice, msgID, mac, deviceType, token,
		NewOperationCommand(OperationQuery))
}

func buildAuthenticated(codec *Codec, msgType, msgID, mac, deviceType, token string, cmd Command) ([]byte, error) {
	if mac == "" {
		return nil, fmt.Errorf("device mac is required")
	}

	accessToken, err := codec.AccessToken(token)
	if err != nil {
		return nil, err
	}

	plain, err := json.Marshal(cmd)
	if err != nil {
		return nil, fmt.Errorf("failed to encode command payload: %w", err)
	}
	dataHex, err := codec.EncryptToHex(plain)
	if err != nil {
		return nil, err
	}

	// The data field carries the hex ciphertext as a JSON string
	raw, err := json.Marshal(dataHex)
	if err != nil {
		return nil, fmt.Errorf("failed to encode data field: %w", err)
	}

	msg := envelope{
		MsgType:     msgType,
		MsgID:       msgID,
		MAC:         mac,
		DeviceType:  deviceType,
		AccessToken: accessToken,
		Data:        raw,
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to build %s message: %w", msgType, err)
	}
	return data, nil
}
