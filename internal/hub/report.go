package hub

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/muurk/shadectl/internal/logging"
	"github.com/muurk/shadectl/internal/protocol"
)

// ListenReports consumes a multicast transport and delivers every valid
// Report push to the handler until the context is cancelled or the transport
// closes. Hubs multicast a Report whenever a device changes state, so a
// long-running bridge sees position updates without polling.
//
// Non-report traffic on the group (other controllers' discovery queries,
// their replies) is expected and skipped silently; undecryptable payloads
// are logged and dropped.
func ListenReports(ctx context.Context, tr Transport, codec *protocol.Codec, handler func(addr string, report *protocol.Report)) {
	for {
		select {
		case <-ctx.Done():
			return
		case pkt, ok := <-tr.Packets():
			if !ok {
				return
			}
			msg, err := protocol.ParseMessage(pkt.Data, codec)
			if err != nil {
				var cryptoErr *protocol.CryptoError
				if errors.As(err, &cryptoErr) {
					logging.Warn("Discarding undecryptable report",
						zap.String("remote_addr", pkt.Addr.String()),
						zap.Error(err),
					)
				}
				continue
			}
			report, ok := msg.(*protocol.Report)
			if !ok {
				continue
			}
			handler(pkt.Addr.IP.String(), report)
		}
	}
}
