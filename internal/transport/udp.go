package transport

import (
	"errors"
	"fmt"
	"net"
	"sync"

	"go.uber.org/zap"

	"github.com/muurk/shadectl/internal/logging"
)

const (
	// HubPort is the UDP port Connector hubs listen on
	HubPort = 32100

	// MulticastGroup is the well-known multicast address hubs join for
	// discovery broadcasts and unsolicited reports
	MulticastGroup = "238.0.0.18"

	// readBufferSize is large enough for the biggest observed hub datagram
	// (a full device list from a 32-device bridge is under 4 KiB)
	readBufferSize = 8192
)

// Packet is one received UDP datagram with its source address
type Packet struct {
	Addr *net.UDPAddr
	Data []byte
}

// MulticastAddr returns the discovery multicast destination
func MulticastAddr() *net.UDPAddr {
	return &net.UDPAddr{IP: net.ParseIP(MulticastGroup), Port: HubPort}
}

// HubAddr builds the UDP address for a hub's unicast IPv4 address
func HubAddr(ip string) *net.UDPAddr {
	return &net.UDPAddr{IP: net.ParseIP(ip), Port: HubPort}
}

// Conn is a thin asynchronous wrapper around one UDP socket. Sending is
// fire-and-forget; received datagrams are delivered on the Packets channel
// until the connection is closed. No retry or correlation logic lives here.
type Conn struct {
	udp     *net.UDPConn
	packets chan Packet

	closeOnce sync.Once
	closeErr  error
}

// Listen opens a UDP endpoint on an ephemeral local port. This is the socket
// a client session uses for all of its requests: queries are sent from it
// (unicast or to the multicast group) and hubs reply to its source port.
func Listen() (*Conn, error) {
	udp, err := net.ListenUDP("udp4", &net.UDPAddr{})
	if err != nil {
		return nil, fmt.Errorf("failed to open UDP socket: %w", err)
	}
	return newConn(udp), nil
}

// ListenMulticast joins the hub multicast group and receives the datagrams
// hubs push to it (discovery queries from other controllers and unsolicited
// Report messages). ifi selects the network interface; nil lets the kernel
// choose.
func ListenMulticast(ifi *net.Interface) (*Conn, error) {
	udp, err := net.ListenMulticastUDP("udp4", ifi, MulticastAddr())
	if err != nil {
		return nil, fmt.Errorf("failed to join multicast group %s: %w", MulticastGroup, err)
	}
	return newConn(udp), nil
}

func newConn(udp *net.UDPConn) *Conn {
	c := &Conn{
		udp:     udp,
		packets: make(chan Packet, 16),
	}
	go c.readLoop()
	return c
}

// Send transmits one datagram to the given address. Fire-and-forget: there
// is no acknowledgement at this layer.
func (c *Conn) Send(addr *net.UDPAddr, data []byte) error {
	logging.LogDatagram("send", addr.String(), data)
	if _, err := c.udp.WriteToUDP(data, addr); err != nil {
		return fmt.Errorf("failed to send datagram to %s: %w", addr, err)
	}
	return nil
}

// Packets returns the channel of received datagrams. The channel is closed
// when the connection is closed or the socket fails.
func (c *Conn) Packets() <-chan Packet {
	return c.packets
}

// LocalAddr returns the local UDP address of the socket
func (c *Conn) LocalAddr() *net.UDPAddr {
	addr, _ := c.udp.LocalAddr().(*net.UDPAddr)
	return addr
}

// Close shuts down the socket. The read loop drains and the Packets channel
// closes shortly after. Safe to call more than once.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.udp.Close()
	})
	return c.closeErr
}

// readLoop delivers datagrams until the socket is closed. Each packet gets
// its own buffer copy because the consumer may hold it across reads.
func (c *Conn) readLoop() {
	defer close(c.packets)

	buf := make([]byte, readBufferSize)
	for {
		n, addr, err := c.udp.ReadFromUDP(buf)
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				logging.Warn("UDP read failed", zap.Error(err))
			}
			return
		}

		data := make([]byte, n)
		copy(data, buf[:n])
		logging.LogDatagram("recv", addr.String(), data)

		c.packets <- Packet{Addr: addr, Data: data}
	}
}
