package channel

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ZentaChain/zentalk-link/pkg/packet"
)

// startReceive launches the read loop. One goroutine reads lines and hands
// each to the dispatcher, then immediately issues the next read, so a
// slow handler never delays reading; backpressure stays at the transport
// because the hand-off is unbuffered.
func (c *Channel) startReceive(dev Device) {
	c.mu.Lock()
	reader, conn := c.reader, c.conn
	c.mu.Unlock()

	lines := make(chan string)
	go c.readLoop(reader, conn, lines)
	go c.dispatchLoop(dev, lines)
}

func (c *Channel) readLoop(reader *bufio.Reader, conn net.Conn, lines chan<- string) {
	done := c.Done()
	defer close(lines)

	for {
		if d := c.opts.Timeouts.Read; d > 0 {
			_ = conn.SetReadDeadline(time.Now().Add(d))
		}

		line, err := readLine(reader, c.opts.MaxPacketSize)
		if err != nil {
			select {
			case <-done:
				// closed underneath us, nothing to report
			default:
				if errors.Is(err, io.EOF) {
					// the dispatcher closes once it has drained what was read
					c.log.Debug("peer closed the stream")
				} else if errors.Is(err, ErrMalformedPacket) {
					c.closeWithError(err)
				} else {
					c.closeWithError(fmt.Errorf("read: %w", err))
				}
			}
			return
		}

		select {
		case lines <- line:
		case <-done:
			return
		}
	}
}

func (c *Channel) dispatchLoop(dev Device, lines <-chan string) {
	done := c.Done()

	for {
		select {
		case <-done:
			return
		case line, ok := <-lines:
			if !ok {
				// no-op unless the reader stopped on a clean EOF
				c.closeWithError(nil)
				return
			}
			// a closed channel never dispatches, even if a line was ready
			select {
			case <-done:
				return
			default:
			}

			// half-closed or keepalive: nothing to do
			if strings.TrimSpace(line) == "" {
				continue
			}

			if err := c.dispatch(dev, line); err != nil {
				c.log.Warn("closing channel on bad packet", zap.Error(err))
				c.closeWithError(err)
				return
			}
		}
	}
}

// dispatch parses one line and hands it to the device. Panics in the
// device handler are turned into errors.
func (c *Channel) dispatch(dev Device, line string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("packet handler panic: %v", r)
		}
	}()

	p, err := packet.FromText(line)
	if err != nil {
		return err
	}

	c.log.Debug("packet received", zap.String("type", p.Type), zap.Int64("id", p.ID))

	if err := dev.ReceivePacket(p); err != nil {
		return fmt.Errorf("dispatch %s: %w", p.Type, err)
	}
	return nil
}
