package lan

import (
	"context"
	"net"
	"time"

	"github.com/ZentaChain/zentalk-link/pkg/channel"
	"github.com/ZentaChain/zentalk-link/pkg/packet"
)

// keepalive probe schedule once the connection is idle
const (
	keepAliveInterval = 5 * time.Second
	keepAliveCount    = 3
)

// SetupSocket returns the hook that tunes a TCP connection before the
// identity exchange: Nagle off and keepalive probes after idle. Other
// connection types pass through.
func SetupSocket(idle time.Duration) channel.Hook {
	return func(_ context.Context, conn net.Conn, _ *packet.Packet) (net.Conn, error) {
		tc, ok := conn.(*net.TCPConn)
		if !ok {
			return conn, nil
		}

		if err := tc.SetNoDelay(true); err != nil {
			return nil, err
		}

		if idle > 0 {
			err := tc.SetKeepAliveConfig(net.KeepAliveConfig{
				Enable:   true,
				Idle:     idle,
				Interval: keepAliveInterval,
				Count:    keepAliveCount,
			})
			if err != nil {
				return nil, err
			}
		}

		return conn, nil
	}
}
