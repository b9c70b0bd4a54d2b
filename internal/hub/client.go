package hub

import (
	"context"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/muurk/shadectl/internal/logging"
	"github.com/muurk/shadectl/internal/protocol"
	"github.com/muurk/shadectl/internal/transport"
)

const (
	// DefaultTimeout is the per-request reply timeout
	DefaultTimeout = 3 * time.Second

	// DefaultDiscoveryWindow is how long a discovery query collects replies.
	// A multicast query may elicit answers from several hubs, so the window
	// stays open even after the first reply arrives.
	DefaultDiscoveryWindow = 2 * time.Second

	// maxDiscoveryReplies bounds the reply buffer for one discovery query
	maxDiscoveryReplies = 16
)

// Transport is the datagram layer the client sends and receives through.
// Implemented by *transport.Conn; tests substitute an in-memory pair.
type Transport interface {
	Send(addr *net.UDPAddr, data []byte) error
	Packets() <-chan transport.Packet
	Close() error
}

// DiscoveryReply pairs one hub's discovery ack with the unicast address it
// answered from. The address, not the ack's mac field, is where subsequent
// commands must be sent.
type DiscoveryReply struct {
	Addr string // hub IPv4 address
	Ack  *protocol.DeviceListAck
}

// Client implements the hub request/response protocol on top of a single
// UDP socket: it builds and parses messages, correlates replies with
// outstanding requests by msgID, enforces per-request timeouts, and caches
// the session token each hub issued in its latest discovery reply.
//
// The client holds no device state beyond the token cache. All methods are
// safe for concurrent use; requests to any number of hubs may be in flight
// at once.
type Client struct {
	tr    Transport
	codec *protocol.Codec

	// Timeout is the reply timeout for command and status requests
	Timeout time.Duration

	// DiscoveryWindow is the reply collection window for discovery queries
	DiscoveryWindow time.Duration

	mu      sync.Mutex
	pending map[string]*pendingRequest // keyed by msgID
	tokens  map[string]string          // hub address -> session token

	reportMu      sync.Mutex
	reportHandler func(addr string, report *protocol.Report)
}

// pendingRequest is the in-flight state for one outstanding msgID
type pendingRequest struct {
	dest      *net.UDPAddr // where the request was sent
	multicast bool         // multicast queries accept replies from any source
	replies   chan reply
}

type reply struct {
	addr *net.UDPAddr
	msg  protocol.Message
}

// NewClient creates a client over the given transport and starts its read
// loop. The caller owns the transport's lifetime; Close shuts both down.
func NewClient(tr Transport, codec *protocol.Codec) *Client {
	c := &Client{
		tr:              tr,
		codec:           codec,
		Timeout:         DefaultTimeout,
		DiscoveryWindow: DefaultDiscoveryWindow,
		pending:         make(map[string]*pendingRequest),
		tokens:          make(map[string]string),
	}
	go c.readLoop()
	return c
}

// SetReportHandler installs a callback for unsolicited Report pushes. Reports
// carry no correlation id and never resolve a pending request.
func (c *Client) SetReportHandler(handler func(addr string, report *protocol.Report)) {
	c.reportMu.Lock()
	defer c.reportMu.Unlock()
	c.reportHandler = handler
}

// Close shuts down the underlying transport; the read loop exits once the
// packet channel drains
func (c *Client) Close() error {
	return c.tr.Close()
}

// Token returns the cached session token for a hub address, if a discovery
// reply from that hub has been seen this session
func (c *Client) Token(hubAddr string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	token, ok := c.tokens[hubAddr]
	return token, ok
}

// QueryDeviceList sends a discovery query to the given address (a hub's
// unicast address or the multicast group) and collects every reply arriving
// within the discovery window. Zero replies is a normal, retriable outcome
// reported as ErrNoReply; the caller schedules the retry.
func (c *Client) QueryDeviceList(ctx context.Context, dest *net.UDPAddr) ([]DiscoveryReply, error) {
	msgID := protocol.NewMsgID()
	query, err := protocol.BuildDeviceListQuery(msgID)
	if err != nil {
		return nil, err
	}

	pr := c.register(msgID, dest)
	defer c.unregister(msgID)

	if err := c.tr.Send(dest, query); err != nil {
		return nil, err
	}

	window := time.NewTimer(c.DiscoveryWindow)
	defer window.Stop()

	var out []DiscoveryReply
	for {
		select {
		case r := <-pr.replies:
			ack, ok := r.msg.(*protocol.DeviceListAck)
			if !ok {
				logging.Warn("Discarding non-discovery reply to discovery query",
					zap.String("msg_type", r.msg.Type()),
					zap.String("remote_addr", r.addr.String()),
				)
				continue
			}
			hubAddr := r.addr.IP.String()
			c.mu.Lock()
			c.tokens[hubAddr] = ack.Token
			c.mu.Unlock()
			out = append(out, DiscoveryReply{Addr: hubAddr, Ack: ack})

		case <-window.C:
			if len(out) == 0 {
				return nil, ErrNoReply
			}
			return out, nil

		case <-ctx.Done():
			if len(out) > 0 {
				return out, nil
			}
			return nil, ctx.Err()
		}
	}
}

// SendCommand encrypts and sends a control command to a device behind the
// given hub and awaits the single correlated acknowledgement. The hub must
// have answered a discovery query this session so that its token is cached;
// otherwise ErrNoToken is returned.
func (c *Client) SendCommand(ctx context.Context, hubAddr, mac, deviceType string, cmd protocol.Command) (*protocol.DeviceStatus, error) {
	token, ok := c.Token(hubAddr)
	if !ok {
		return nil, ErrNoToken
	}

	msgID := protocol.NewMsgID()
	data, err := protocol.BuildWriteDevice(c.codec, msgID, mac, deviceType, token, cmd)
	if err != nil {
		return nil, err
	}
	return c.roundTrip(ctx, msgID, transport.HubAddr(hubAddr), data)
}

// QueryStatus requests a status report from a device behind the given hub.
// Same correlation and timeout discipline as SendCommand.
func (c *Client) QueryStatus(ctx context.Context, hubAddr, mac, deviceType string) (*protocol.DeviceStatus, error) {
	token, ok := c.Token(hubAddr)
	if !ok {
		return nil, ErrNoToken
	}

	msgID := protocol.NewMsgID()
	data, err := protocol.BuildReadDevice(c.codec, msgID, mac, deviceType, token)
	if err != nil {
		return nil, err
	}
	return c.roundTrip(ctx, msgID, transport.HubAddr(hubAddr), data)
}

// roundTrip sends an authenticated request and waits for its correlated ack
func (c *Client) roundTrip(ctx context.Context, msgID string, dest *net.UDPAddr, data []byte) (*protocol.DeviceStatus, error) {
	pr := c.register(msgID, dest)
	defer c.unregister(msgID)

	if err := c.tr.Send(dest, data); err != nil {
		return nil, err
	}

	timeout := time.NewTimer(c.Timeout)
	defer timeout.Stop()

	for {
		select {
		case r := <-pr.replies:
			ack, ok := r.msg.(*protocol.DeviceAck)
			if !ok {
				logging.Warn("Discarding unexpected reply type",
					zap.String("msg_type", r.msg.Type()),
					zap.String("remote_addr", r.addr.String()),
				)
				continue
			}
			return &ack.Status, nil

		case <-timeout.C:
			return nil, ErrTimeout

		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (c *Client) register(msgID string, dest *net.UDPAddr) *pendingRequest {
	pr := &pendingRequest{
		dest:      dest,
		multicast: dest.IP.IsMulticast(),
		replies:   make(chan reply, maxDiscoveryReplies),
	}
	c.mu.Lock()
	c.pending[msgID] = pr
	c.mu.Unlock()
	return pr
}

func (c *Client) unregister(msgID string) {
	c.mu.Lock()
	delete(c.pending, msgID)
	c.mu.Unlock()
}

// readLoop dispatches inbound datagrams: reports go to the report handler,
// correlated replies resolve their pending request, everything else is
// discarded. A late or unknown reply never disturbs other in-flight
// requests.
func (c *Client) readLoop() {
	for pkt := range c.tr.Packets() {
		msg, err := protocol.ParseMessage(pkt.Data, c.codec)
		if err != nil {
			// CryptoError means an untrusted or corrupt payload,
			// ProtocolError a malformed shape. Both are discard-and-log.
			logging.Warn("Discarding invalid datagram",
				zap.String("remote_addr", pkt.Addr.String()),
				zap.Error(err),
			)
			continue
		}

		if report, ok := msg.(*protocol.Report); ok {
			c.reportMu.Lock()
			handler := c.reportHandler
			c.reportMu.Unlock()
			if handler != nil {
				handler(pkt.Addr.IP.String(), report)
			}
			continue
		}

		c.dispatch(pkt.Addr, msg)
	}
}

// dispatch routes one correlated reply to its pending request
func (c *Client) dispatch(addr *net.UDPAddr, msg protocol.Message) {
	msgID := replyMsgID(msg)

	c.mu.Lock()
	pr, ok := c.pending[msgID]
	c.mu.Unlock()

	if !ok || msgID == "" {
		logging.Debug("Discarding reply with no pending request",
			zap.String("msg_id", msgID),
			zap.String("msg_type", msg.Type()),
			zap.String("remote_addr", addr.String()),
		)
		return
	}

	// A reply is accepted only from the hub the request was addressed to;
	// multicast queries accept replies from any source.
	if !pr.multicast && !addr.IP.Equal(pr.dest.IP) {
		logging.Warn("Discarding reply from unexpected source",
			zap.String("msg_id", msgID),
			zap.String("remote_addr", addr.String()),
			zap.String("expected_addr", pr.dest.IP.String()),
		)
		return
	}

	select {
	case pr.replies <- reply{addr: addr, msg: msg}:
	default:
		// Reply buffer full: the requester has all the replies it can use
		logging.Debug("Dropping surplus reply", zap.String("msg_id", msgID))
	}
}

func replyMsgID(msg protocol.Message) string {
	switch m := msg.(type) {
	case *protocol.DeviceListAck:
		return m.MsgID
	case *protocol.DeviceAck:
		return m.MsgID
	default:
		return ""
	}
}
