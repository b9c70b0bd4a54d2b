package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Message type tags (msgType field). These values are part of the hub
// firmware's wire contract and must not be changed.
const (
	MsgTypeDeviceListQuery = "GetDeviceList"
	MsgTypeDeviceListAck   = "GetDeviceListAck"
	MsgTypeWriteDevice     = "WriteDevice"
	MsgTypeWriteDeviceAck  = "WriteDeviceAck"
	MsgTypeReadDevice      = "ReadDevice"
	MsgTypeReadDeviceAck   = "ReadDeviceAck"
	MsgTypeReport          = "Report"
)

// Device type identifiers reported in discovery replies and status messages.
// The bridge type identifies the hub itself, which is not an addressable
// covering and must be filtered out of discovery results.
const (
	DeviceTypeBridge       = "02000002" // WiFi bridge (the hub device itself)
	DeviceTypeRadioMotor   = "10000000" // 433MHz motor reached through a bridge
	DeviceTypeWiFiCurtain  = "22000000" // WiFi curtain motor
	DeviceTypeWiFiMotor    = "22000002" // WiFi tubular motor (acts as its own hub)
	DeviceTypeWiFiReceiver = "22000005" // WiFi receiver
)

// Operation codes for the command payload
const (
	OperationClose = 0
	OperationOpen  = 1
	OperationStop  = 2
	OperationQuery = 5 // Request a status report without moving the motor
)

// DeviceRecord is one physical covering as listed in a discovery reply.
// The MAC is the stable hardware identifier and the only key that survives
// process restarts.
type DeviceRecord struct {
	MAC        string `json:"mac"`
	DeviceType string `json:"deviceType"`
}

// IsBridge reports whether this record describes the hub device itself
// rather than an addressable covering.
func (r DeviceRecord) IsBridge() bool {
	return r.DeviceType == DeviceTypeBridge
}

// SupportsTilt reports whether the device type can tilt its slats.
// Only radio motors (venetian blinds, shutters) support tilt commands.
func (r DeviceRecord) SupportsTilt() bool {
	return r.DeviceType == DeviceTypeRadioMotor
}

// String returns a short human-readable description of the record
func (r DeviceRecord) String() string {
	return fmt.Sprintf("Device %s (type %s)", r.MAC, r.DeviceType)
}

// DeviceListAck is one hub's answer to a discovery query. The token is the
// session credential required for subsequent authenticated commands to this
// hub until the next successful discovery.
type DeviceListAck struct {
	MsgID           string
	MAC             string
	DeviceType      string
	FwVersion       string
	ProtocolVersion string
	Token           string
	Devices         []DeviceRecord
}

func (a *DeviceListAck) Type() string { return MsgTypeDeviceListAck }

func (a *DeviceListAck) String() string {
	return fmt.Sprintf("DeviceListAck{hub=%s, fw=%s, devices=%d}",
		a.MAC, a.FwVersion, len(a.Devices))
}

// DeviceStatus is the decrypted status payload carried by command acks,
// status acks, and unsolicited reports.
type DeviceStatus struct {
	DeviceType      string `json:"type,omitempty"`
	Operation       int    `json:"operation"`
	CurrentPosition int    `json:"currentPosition"`
	CurrentAngle    int    `json:"currentAngle"`
	CurrentState    int    `json:"currentState"`
	BatteryLevel    int    `json:"batteryLevel"`
	WirelessMode    int    `json:"wirelessMode"`
	RSSI            int    `json:"RSSI"`
}

// DeviceAck is the correlated reply to a WriteDevice or ReadDevice request.
// MsgType distinguishes the two; the status payload shape is identical.
type DeviceAck struct {
	MsgType string
	MsgID   string
	MAC     string
	Device  string // deviceType of the replying device
	Status  DeviceStatus
}

func (a *DeviceAck) Type() string { return a.MsgType }

func (a *DeviceAck) String() string {
	return fmt.Sprintf("%s{mac=%s, position=%d, battery=%d}",
		a.MsgType, a.MAC, a.Status.CurrentPosition, a.Status.BatteryLevel)
}

// Report is an unsolicited status push sent by a hub when a device changes
// state. Reports carry no correlation identifier and are never matched
// against pending requests.
type Report struct {
	MAC    string
	Device string
	Status DeviceStatus
}

func (r *Report) Type() string { return MsgTypeReport }

func (r *Report) String() string {
	return fmt.Sprintf("Report{mac=%s, position=%d, operation=%d}",
		r.MAC, r.Status.CurrentPosition, r.Status.Operation)
}

// Message is a decoded inbound protocol message
type Message interface {
	Type() string
	String() string
}

// Command is the control payload for a WriteDevice request. Fields are
// pointers so that only the requested action is serialized; the hub rejects
// payloads that mix movement commands with target positions.
type Command struct {
	Operation      *int `json:"operation,omitempty"`
	TargetPosition *int `json:"targetPosition,omitempty"`
	TargetAngle    *int `json:"targetAngle,omitempty"`
}

// NewOperationCommand builds a command for an open/close/stop operation
func NewOperationCommand(op int) Command {
	return Command{Operation: &op}
}

// NewPositionCommand builds a command that moves the covering to a target
// position (0 = fully closed, 100 = fully open)
func NewPositionCommand(position int) Command {
	return Command{TargetPosition: &position}
}

// NewTiltCommand builds a command that tilts the slats to a target angle
// (0-180 degrees, device-dependent)
func NewTiltCommand(angle int) Command {
	return Command{TargetAngle: &angle}
}

// Validate checks that the command requests exactly one action with
// in-range values
func (c Command) Validate() error {
	set := 0
	if c.Operation != nil {
		set++
		switch *c.Operation {
		case OperationClose, OperationOpen, OperationStop, OperationQuery:
		default:
			return fmt.Errorf("invalid operation code: %d", *c.Operation)
		}
	}
	if c.TargetPosition != nil {
		set++
		if *c.TargetPosition < 0 || *c.TargetPosition > 100 {
			return fmt.Errorf("target position out of range: %d (want 0-100)", *c.TargetPosition)
		}
	}
	if c.TargetAngle != nil {
		set++
		if *c.TargetAngle < 0 || *c.TargetAngle > 180 {
			return fmt.Errorf("target angle out of range: %d (want 0-180)", *c.TargetAngle)
		}
	}
	if set != 1 {
		return fmt.Errorf("command must request exactly one action, got %d", set)
	}
	return nil
}

// envelope is the raw JSON shape shared by all wire messages. The data field
// is left raw: discovery acks carry a plaintext record array, authenticated
// messages carry a hex-encoded ciphertext string.
type envelope struct {
	MsgType         string          `json:"msgType"`
	MsgID           string          `json:"msgID,omitempty"`
	MAC             string          `json:"mac,omitempty"`
	DeviceType      string          `json:"deviceType,omitempty"`
	FwVersion       string          `json:"fwVersion,omitempty"`
	ProtocolVersion string          `json:"ProtocolVersion,omitempty"`
	Token           string          `json:"token,omitempty"`
	AccessToken     string          `json:"AccessToken,omitempty"`
	Data            json.RawMessage `json:"data,omitempty"`
}

// NormalizeMAC lowercases a hardware identifier and strips separator
// characters so that "AA:BB:CC:DD:EE:01" and "aabbccddee01" compare equal.
// Hub firmware is inconsistent about the formatting across message types.
func NormalizeMAC(mac string) string {
	mac = strings.ToLower(mac)
	mac = strings.ReplaceAll(mac, ":", "")
	mac = strings.ReplaceAll(mac, "-", "")
	return mac
}
