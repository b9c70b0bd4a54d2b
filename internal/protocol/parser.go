package protocol

import (
	"encoding/json"
	"fmt"
)

// ProtocolError indicates a datagram that was well-formed JSON but
// semantically invalid: an unknown message type, a missing required field,
// or a payload that failed schema validation after decryption. Such
// datagrams are discarded by callers without triggering a retry.
type ProtocolError struct {
	MsgType string // message type tag, if one was present
	Reason  string
}

func (e *ProtocolError) Error() string {
	if e.MsgType != "" {
		return fmt.Sprintf("invalid %s message: %s", e.MsgType, e.Reason)
	}
	return fmt.Sprintf("invalid message: %s", e.Reason)
}

// ParseMessage decodes an inbound datagram into a tagged message variant.
// Authenticated message payloads are decrypted with the codec before
// validation. Returns *ProtocolError for shape violations and *CryptoError
// when an encrypted payload does not decrypt; both mean the datagram must be
// discarded.
func ParseMessage(data []byte, codec *Codec) (Message, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, &ProtocolError{Reason: fmt.Sprintf("not valid JSON: %v", err)}
	}
	if env.MsgType == "" {
		return nil, &ProtocolError{Reason: "missing msgType field"}
	}

	switch env.MsgType {
	case MsgTypeDeviceListAck:
		return parseDeviceListAck(&env)
	case MsgTypeWriteDeviceAck, MsgTypeReadDeviceAck:
		return parseDeviceAck(&env, codec)
	case MsgTypeReport:
		return parseReport(&env, codec)
	case MsgTypeDeviceListQuery, MsgTypeWriteDevice, MsgTypeReadDevice:
		// Our own multicast queries echo back when the socket has joined the
		// group; they are not replies.
		return nil, &ProtocolError{MsgType: env.MsgType, Reason: "request message received as reply"}
	default:
		return nil, &ProtocolError{MsgType: env.MsgType, Reason: "unknown message type"}
	}
}

func parseDeviceListAck(env *envelope) (*DeviceListAck, error) {
	if env.MAC == "" {
		return nil, &ProtocolError{MsgType: env.MsgType, Reason: "missing hub mac"}
	}
	if env.Token == "" {
		return nil, &ProtocolError{MsgType: env.MsgType, Reason: "missing session token"}
	}

	var records []DeviceRecord
	if len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, &records); err != nil {
			return nil, &ProtocolError{
				MsgType: env.MsgType,
				Reason:  fmt.Sprintf("device list is not a record array: %v", err),
			}
		}
	}
	for i, rec := range records {
		if rec.MAC == "" {
			return nil, &ProtocolError{
				MsgType: env.MsgType,
				Reason:  fmt.Sprintf("device record %d has no mac", i),
			}
		}
		if rec.DeviceType == "" {
			return nil, &ProtocolError{
				MsgType: env.MsgType,
				Reason:  fmt.Sprintf("device record %d has no deviceType", i),
			}
		}
	}

	return &DeviceListAck{
		MsgID:           env.MsgID,
		MAC:             env.MAC,
		DeviceType:      env.DeviceType,
		FwVersion:       env.FwVersion,
		ProtocolVersion: env.ProtocolVersion,
		Token:           env.Token,
		Devices:         records,
	}, nil
}

func parseDeviceAck(env *envelope, codec *Codec) (*DeviceAck, error) {
	if env.MAC == "" {
		return nil, &ProtocolError{MsgType: env.MsgType, Reason: "missing device mac"}
	}
	status, err := decryptStatus(env, codec)
	if err != nil {
		return nil, err
	}
	return &DeviceAck{
		MsgType: env.MsgType,
		MsgID:   env.MsgID,
		MAC:     env.MAC,
		Device:  env.DeviceType,
		Status:  *status,
	}, nil
}

func parseReport(env *envelope, codec *Codec) (*Report, error) {
	if env.MAC == "" {
		return nil, &ProtocolError{MsgType: env.MsgType, Reason: "missing device mac"}
	}
	status, err := decryptStatus(env, codec)
	if err != nil {
		return nil, err
	}
	return &Report{
		MAC:    env.MAC,
		Device: env.DeviceType,
		Status: *status,
	}, nil
}

// decryptStatus extracts the hex ciphertext from the data field, decrypts it
// and validates the status shape
func decryptStatus(env *envelope, codec *Codec) (*DeviceStatus, error) {
	if len(env.Data) == 0 {
		return nil, &ProtocolError{MsgType: env.MsgType, Reason: "missing data field"}
	}

	var dataHex string
	if err := json.Unmarshal(env.Data, &dataHex); err != nil {
		return nil, &ProtocolError{
			MsgType: env.MsgType,
			Reason:  fmt.Sprintf("data field is not a ciphertext string: %v", err),
		}
	}

	plain, err := codec.DecryptFromHex(dataHex)
	if err != nil {
		// CryptoError passes through so callers can log it distinctly
		return nil, err
	}

	var status DeviceStatus
	if err := json.Unmarshal(plain, &status); err != nil {
		return nil, &ProtocolError{
			MsgType: env.MsgType,
			Reason:  fmt.Sprintf("decrypted payload is not a status object: %v", err),
		}
	}
	if status.CurrentPosition < 0 || status.CurrentPosition > 100 {
		return nil, &ProtocolError{
			MsgType: env.MsgType,
			Reason:  fmt.Sprintf("position %d out of range", status.CurrentPosition),
		}
	}
	return &status, nil
}
