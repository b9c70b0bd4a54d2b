package hub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/muurk/shadectl/internal/protocol"
	"github.com/muurk/shadectl/internal/transport"
)

const testKey = "74ae544c-d16e-4c"

// fakeTransport is an in-memory Transport. Its respond hook runs on every
// Send and may inject reply packets.
type fakeTransport struct {
	mu      sync.Mutex
	sent    []sentDatagram
	packets chan transport.Packet
	respond func(dest *net.UDPAddr, data []byte)
	closed  bool
}

type sentDatagram struct {
	dest *net.UDPAddr
	data []byte
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{packets: make(chan transport.Packet, 32)}
}

func (f *fakeTransport) Send(addr *net.UDPAddr, data []byte) error {
	f.mu.Lock()
	f.sent = append(f.sent, sentDatagram{dest: addr, data: data})
	respond := f.respond
	f.mu.Unlock()
	if respond != nil {
		respond(addr, data)
	}
	return nil
}

func (f *fakeTransport) Packets() <-chan transport.Packet { return f.packets }

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
		close(f.packets)
	}
	return nil
}

// inject delivers a raw datagram as if it arrived from the given source
func (f *fakeTransport) inject(from string, data []byte) {
	f.packets <- transport.Packet{
		Addr: &net.UDPAddr{IP: net.ParseIP(from), Port: transport.HubPort},
		Data: data,
	}
}

func newTestClient(t *testing.T, tr Transport) *Client {
	t.Helper()
	codec, err := protocol.NewCodec(testKey)
	if err != nil {
		t.Fatalf("NewCodec() error = %v", err)
	}
	c := NewClient(tr, codec)
	c.Timeout = 200 * time.Millisecond
	c.DiscoveryWindow = 150 * time.Millisecond
	t.Cleanup(func() { _ = c.Close() })
	return c
}

// outboundMsgID extracts the msgID of a sent request
func outboundMsgID(t *testing.T, data []byte) string {
	t.Helper()
	var msg struct {
		MsgID string `json:"msgID"`
	}
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("outbound datagram is not JSON: %v", err)
	}
	return msg.MsgID
}

// deviceListAckJSON builds a raw discovery reply datagram
func deviceListAckJSON(msgID, hubMAC, token string, devices string) []byte {
	return []byte(fmt.Sprintf(`{
		"msgType": "GetDeviceListAck",
		"msgID": %q,
		"mac": %q,
		"deviceType": "02000002",
		"fwVersion": "v2.1",
		"token": %q,
		"data": [%s]
	}`, msgID, hubMAC, token, devices))
}

// deviceAckJSON builds a raw encrypted command/status ack datagram
func deviceAckJSON(t *testing.T, msgType, msgID, mac string, status protocol.DeviceStatus) []byte {
	t.Helper()
	codec, err := protocol.NewCodec(testKey)
	if err != nil {
		t.Fatalf("NewCodec() error = %v", err)
	}
	plain, err := json.Marshal(status)
	if err != nil {
		t.Fatalf("marshal status: %v", err)
	}
	dataHex, err := codec.EncryptToHex(plain)
	if err != nil {
		t.Fatalf("encrypt status: %v", err)
	}
	return []byte(fmt.Sprintf(`{"msgType": %q, "msgID": %q, "mac": %q, "deviceType": "10000000", "data": %q}`,
		msgType, msgID, mac, dataHex))
}

func TestClient_QueryDeviceList_CollectsMultipleReplies(t *testing.T) {
	tr := newFakeTransport()
	tr.respond = func(dest *net.UDPAddr, data []byte) {
		msgID := outboundMsgID(t, data)
		// Two hubs answer the multicast query
		tr.inject("10.0.0.5", deviceListAckJSON(msgID, "a4cf12000001", "1234567890abcdef",
			`{"mac": "aabbccddee01", "deviceType": "10000000"}`))
		tr.inject("10.0.0.6", deviceListAckJSON(msgID, "a4cf12000002", "fedcba0987654321", ``))
	}
	c := newTestClient(t, tr)

	replies, err := c.QueryDeviceList(context.Background(), transport.MulticastAddr())
	if err != nil {
		t.Fatalf("QueryDeviceList() error = %v", err)
	}
	if len(replies) != 2 {
		t.Fatalf("replies = %d, want 2", len(replies))
	}

	// Replies may arrive in any order; index by source address
	byAddr := make(map[string]DiscoveryReply)
	for _, r := range replies {
		byAddr[r.Addr] = r
	}
	if len(byAddr["10.0.0.5"].Ack.Devices) != 1 {
		t.Errorf("hub 10.0.0.5 devices = %d, want 1", len(byAddr["10.0.0.5"].Ack.Devices))
	}

	// Tokens cached per hub address
	if token, ok := c.Token("10.0.0.5"); !ok || token != "1234567890abcdef" {
		t.Errorf("Token(10.0.0.5) = %q, %v", token, ok)
	}
	if token, ok := c.Token("10.0.0.6"); !ok || token != "fedcba0987654321" {
		t.Errorf("Token(10.0.0.6) = %q, %v", token, ok)
	}
}

func TestClient_QueryDeviceList_NoReply(t *testing.T) {
	tr := newFakeTransport()
	c := newTestClient(t, tr)

	start := time.Now()
	_, err := c.QueryDeviceList(context.Background(), transport.HubAddr("10.0.0.5"))
	if !errors.Is(err, ErrNoReply) {
		t.Fatalf("QueryDeviceList() error = %v, want ErrNoReply", err)
	}
	if elapsed := time.Since(start); elapsed < c.DiscoveryWindow {
		t.Errorf("returned after %v, want full window %v", elapsed, c.DiscoveryWindow)
	}
}

func TestClient_QueryDeviceList_TokenOverwrittenOnRediscovery(t *testing.T) {
	tr := newFakeTransport()
	token := "1111111111111111"
	tr.respond = func(dest *net.UDPAddr, data []byte) {
		tr.inject("10.0.0.5", deviceListAckJSON(outboundMsgID(t, data), "a4cf12000001", token, ``))
	}
	c := newTestClient(t, tr)

	if _, err := c.QueryDeviceList(context.Background(), transport.HubAddr("10.0.0.5")); err != nil {
		t.Fatalf("QueryDeviceList() error = %v", err)
	}

	token = "2222222222222222"
	if _, err := c.QueryDeviceList(context.Background(), transport.HubAddr("10.0.0.5")); err != nil {
		t.Fatalf("QueryDeviceList() error = %v", err)
	}

	if got, _ := c.Token("10.0.0.5"); got != "2222222222222222" {
		t.Errorf("Token() = %q, want the token from the latest discovery", got)
	}
}

func TestClient_SendCommand(t *testing.T) {
	tr := newFakeTransport()
	tr.respond = func(dest *net.UDPAddr, data []byte) {
		var msg struct {
			MsgType string `json:"msgType"`
			MsgID   string `json:"msgID"`
		}
		if err := json.Unmarshal(data, &msg); err != nil {
			t.Errorf("outbound datagram is not JSON: %v", err)
			return
		}
		switch msg.MsgType {
		case protocol.MsgTypeDeviceListQuery:
			tr.inject("10.0.0.5", deviceListAckJSON(msg.MsgID, "a4cf12000001", "1234567890abcdef",
				`{"mac": "aabbccddee01", "deviceType": "10000000"}`))
		case protocol.MsgTypeWriteDevice:
			tr.inject("10.0.0.5", deviceAckJSON(t, protocol.MsgTypeWriteDeviceAck, msg.MsgID, "aabbccddee01",
				protocol.DeviceStatus{Operation: protocol.OperationOpen, CurrentPosition: 100, BatteryLevel: 90}))
		}
	}
	c := newTestClient(t, tr)

	// Discovery first: commands need the session token
	if _, err := c.QueryDeviceList(context.Background(), transport.HubAddr("10.0.0.5")); err != nil {
		t.Fatalf("QueryDeviceList() error = %v", err)
	}

	status, err := c.SendCommand(context.Background(), "10.0.0.5", "aabbccddee01",
		protocol.DeviceTypeRadioMotor, protocol.NewOperationCommand(protocol.OperationOpen))
	if err != nil {
		t.Fatalf("SendCommand() error = %v", err)
	}
	if status.CurrentPosition != 100 {
		t.Errorf("position = %d, want 100", status.CurrentPosition)
	}
}

func TestClient_SendCommand_NoToken(t *testing.T) {
	tr := newFakeTransport()
	c := newTestClient(t, tr)

	_, err := c.SendCommand(context.Background(), "10.0.0.9", "aabbccddee01",
		protocol.DeviceTypeRadioMotor, protocol.NewOperationCommand(protocol.OperationStop))
	if !errors.Is(err, ErrNoToken) {
		t.Fatalf("SendCommand() error = %v, want ErrNoToken", err)
	}
}

func TestClient_MismatchedMsgIDDiscarded(t *testing.T) {
	tr := newFakeTransport()
	tr.respond = func(dest *net.UDPAddr, data []byte) {
		var msg struct {
			MsgType string `json:"msgType"`
			MsgID   string `json:"msgID"`
		}
		_ = json.Unmarshal(data, &msg)
		switch msg.MsgType {
		case protocol.MsgTypeDeviceListQuery:
			tr.inject("10.0.0.5", deviceListAckJSON(msg.MsgID, "a4cf12000001", "1234567890abcdef", ``))
		case protocol.MsgTypeReadDevice:
			// Reply with a correlation id that matches nothing
			tr.inject("10.0.0.5", deviceAckJSON(t, protocol.MsgTypeReadDeviceAck, "99999999999999999",
				"aabbccddee01", protocol.DeviceStatus{CurrentPosition: 42}))
		}
	}
	c := newTestClient(t, tr)

	if _, err := c.QueryDeviceList(context.Background(), transport.HubAddr("10.0.0.5")); err != nil {
		t.Fatalf("QueryDeviceList() error = %v", err)
	}

	_, err := c.QueryStatus(context.Background(), "10.0.0.5", "aabbccddee01", protocol.DeviceTypeRadioMotor)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("QueryStatus() error = %v, want ErrTimeout (mismatched reply must be discarded)", err)
	}
}

func TestClient_ReplyFromWrongSourceDiscarded(t *testing.T) {
	tr := newFakeTransport()
	tr.respond = func(dest *net.UDPAddr, data []byte) {
		var msg struct {
			MsgType string `json:"msgType"`
			MsgID   string `json:"msgID"`
		}
		_ = json.Unmarshal(data, &msg)
		switch msg.MsgType {
		case protocol.MsgTypeDeviceListQuery:
			tr.inject(dest.IP.String(), deviceListAckJSON(msg.MsgID, "a4cf12000001", "1234567890abcdef", ``))
		case protocol.MsgTypeWriteDevice:
			// Correct msgID but from an address the request was not sent to
			tr.inject("192.168.99.99", deviceAckJSON(t, protocol.MsgTypeWriteDeviceAck, msg.MsgID,
				"aabbccddee01", protocol.DeviceStatus{CurrentPosition: 1}))
		}
	}
	c := newTestClient(t, tr)

	if _, err := c.QueryDeviceList(context.Background(), transport.HubAddr("10.0.0.5")); err != nil {
		t.Fatalf("QueryDeviceList() error = %v", err)
	}

	_, err := c.SendCommand(context.Background(), "10.0.0.5", "aabbccddee01",
		protocol.DeviceTypeRadioMotor, protocol.NewOperationCommand(protocol.OperationClose))
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("SendCommand() error = %v, want ErrTimeout (spoofed source must be discarded)", err)
	}
}

func TestClient_ReportRoutedToHandler(t *testing.T) {
	tr := newFakeTransport()
	c := newTestClient(t, tr)

	got := make(chan *protocol.Report, 1)
	c.SetReportHandler(func(addr string, report *protocol.Report) {
		if addr != "10.0.0.5" {
			t.Errorf("report addr = %q, want 10.0.0.5", addr)
		}
		got <- report
	})

	codec, err := protocol.NewCodec(testKey)
	if err != nil {
		t.Fatalf("NewCodec() error = %v", err)
	}
	plain, _ := json.Marshal(protocol.DeviceStatus{Operation: protocol.OperationClose, CurrentPosition: 0})
	dataHex, err := codec.EncryptToHex(plain)
	if err != nil {
		t.Fatalf("EncryptToHex() error = %v", err)
	}
	tr.inject("10.0.0.5", []byte(fmt.Sprintf(
		`{"msgType": "Report", "mac": "aabbccddee01", "deviceType": "10000000", "data": %q}`, dataHex)))

	select {
	case report := <-got:
		if report.Status.CurrentPosition != 0 {
			t.Errorf("position = %d, want 0", report.Status.CurrentPosition)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("report not delivered to handler")
	}
}

func TestClient_InvalidDatagramIgnored(t *testing.T) {
	tr := newFakeTransport()
	tr.respond = func(dest *net.UDPAddr, data []byte) {
		msgID := outboundMsgID(t, data)
		// Garbage first, then a valid reply: the garbage must not kill the loop
		tr.inject("10.0.0.5", []byte(`totally not json`))
		tr.inject("10.0.0.5", []byte(`{"msgType": "GetDeviceListAck"}`)) // missing fields
		tr.inject("10.0.0.5", deviceListAckJSON(msgID, "a4cf12000001", "1234567890abcdef", ``))
	}
	c := newTestClient(t, tr)

	replies, err := c.QueryDeviceList(context.Background(), transport.HubAddr("10.0.0.5"))
	if err != nil {
		t.Fatalf("QueryDeviceList() error = %v", err)
	}
	if len(replies) != 1 {
		t.Errorf("replies = %d, want 1", len(replies))
	}
}
