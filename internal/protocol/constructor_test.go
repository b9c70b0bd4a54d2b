package protocol

import (
	"encoding/json"
	"testing"
)

func TestNewMsgID(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id := NewMsgID()
		if len(id) != 17 {
			t.Fatalf("NewMsgID() length = %d, want 17 (%q)", len(id), id)
		}
		if seen[id] {
			t.Fatalf("NewMsgID() produced duplicate id %q", id)
		}
		seen[id] = true
	}
}

func TestBuildDeviceListQuery(t *testing.T) {
	msgID := NewMsgID()
	data, err := BuildDeviceListQuery(msgID)
	if err != nil {
		t.Fatalf("BuildDeviceListQuery() error = %v", err)
	}

	var msg map[string]interface{}
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("query is not valid JSON: %v", err)
	}
	if msg["msgType"] != MsgTypeDeviceListQuery {
		t.Errorf("msgType = %v, want %s", msg["msgType"], MsgTypeDeviceListQuery)
	}
	if msg["msgID"] != msgID {
		t.Errorf("msgID = %v, want %s", msg["msgID"], msgID)
	}
	// Discovery is plaintext: no token, no encrypted data
	if _, ok := msg["AccessToken"]; ok {
		t.Error("discovery query must not carry an AccessToken")
	}
	if _, ok := msg["data"]; ok {
		t.Error("discovery query must not carry a data field")
	}
}

func TestBuildWriteDevice(t *testing.T) {
	codec := newTestCodec(t)
	token := "1234567890abcdef"

	data, err := BuildWriteDevice(codec, "20250826120000003", "aabbccddee01",
		DeviceTypeRadioMotor, token, NewPositionCommand(50))
	if err != nil {
		t.Fatalf("BuildWriteDevice() error = %v", err)
	}

	var msg struct {
		MsgType     string `json:"msgType"`
		MsgID       string `json:"msgID"`
		MAC         string `json:"mac"`
		DeviceType  string `json:"deviceType"`
		AccessToken string `json:"AccessToken"`
		Data        string `json:"data"`
	}
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("message is not valid JSON: %v", err)
	}
	if msg.MsgType != MsgTypeWriteDevice {
		t.Errorf("msgType = %q, want %s", msg.MsgType, MsgTypeWriteDevice)
	}
	if msg.MAC != "aabbccddee01" {
		t.Errorf("mac = %q, want aabbccddee01", msg.MAC)
	}

	wantToken, err := codec.AccessToken(token)
	if err != nil {
		t.Fatalf("AccessToken() error = %v", err)
	}
	if msg.AccessToken != wantToken {
		t.Errorf("AccessToken = %q, want %q", msg.AccessToken, wantToken)
	}

	// The data field must decrypt back to the command payload
	plain, err := codec.DecryptFromHex(msg.Data)
	if err != nil {
		t.Fatalf("DecryptFromHex() error = %v", err)
	}
	var cmd Command
	if err := json.Unmarshal(plain, &cmd); err != nil {
		t.Fatalf("decrypted payload is not a command: %v", err)
	}
	if cmd.TargetPosition == nil || *cmd.TargetPosition != 50 {
		t.Errorf("targetPosition = %v, want 50", cmd.TargetPosition)
	}
	if cmd.Operation != nil {
		t.Error("position command must not carry an operation code")
	}
}

func TestBuildWriteDevice_Invalid(t *testing.T) {
	codec := newTestCodec(t)
	token := "1234567890abcdef"

	tests := []struct {
		name string
		mac  string
		cmd  Command
	}{
		{"missing mac", "", NewOperationCommand(OperationOpen)},
		{"empty command", "aabbccddee01", Command{}},
		{"two actions", "aabbccddee01", func() Command {
			op := OperationOpen
			pos := 10
			return Command{Operation: &op, TargetPosition: &pos}
		}()},
		{"position out of range", "aabbccddee01", NewPositionCommand(101)},
		{"angle out of range", "aabbccddee01", NewTiltCommand(200)},
		{"bad operation code", "aabbccddee01", NewOperationCommand(9)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := BuildWriteDevice(codec, NewMsgID(), tt.mac, DeviceTypeRadioMotor, token, tt.cmd)
			if err == nil {
				t.Error("BuildWriteDevice() expected error, got nil")
			}
		})
	}
}

func TestBuildReadDevice(t *testing.T) {
	codec := newTestCodec(t)

	data, err := BuildReadDevice(codec, NewMsgID(), "aabbccddee01", DeviceTypeWiFiCurtain, "1234567890abcdef")
	if err != nil {
		t.Fatalf("BuildReadDevice() error = %v", err)
	}

	var msg struct {
		MsgType string `json:"msgType"`
		Data    string `json:"data"`
	}
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("message is not valid JSON: %v", err)
	}
	if msg.MsgType != MsgTypeReadDevice {
		t.Errorf("msgType = %q, want %s", msg.MsgType, MsgTypeReadDevice)
	}

	plain, err := codec.DecryptFromHex(msg.Data)
	if err != nil {
		t.Fatalf("DecryptFromHex() error = %v", err)
	}
	var cmd Command
	if err := json.Unmarshal(plain, &cmd); err != nil {
		t.Fatalf("decrypted payload is not a command: %v", err)
	}
	if cmd.Operation == nil || *cmd.Operation != OperationQuery {
		t.Errorf("operation = %v, want %d", cmd.Operation, OperationQuery)
	}
}
