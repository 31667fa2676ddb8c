package channel

import (
	"context"
	"fmt"
	"net"
	"time"

	"go.uber.org/zap"

	"github.com/ZentaChain/zentalk-link/pkg/packet"
)

// outgoing is a queued packet. done, when set, receives the write result.
type outgoing struct {
	p    *packet.Packet
	done chan error
}

func (o *outgoing) finish(err error) {
	if o.done != nil {
		o.done <- err
	}
}

func failAll(queue []*outgoing, err error) {
	for _, o := range queue {
		o.finish(err)
	}
}

// Send queues a packet-like value (see packet.From) for delivery. It does
// not wait for the write: packets are written in order by a single drain
// goroutine, started only when none is running. A write failure closes
// the channel and discards whatever is still queued; the cause is
// available from Err.
func (c *Channel) Send(v any) error {
	_, err := c.enqueue(v, nil)
	return err
}

// SendWait queues v like Send and blocks until it has been written. It
// fails if the write fails, the channel closes first or ctx ends; in the
// last case the packet may still be written later.
func (c *Channel) SendWait(ctx context.Context, v any) error {
	done, err := c.enqueue(v, make(chan error, 1))
	if err != nil {
		return err
	}

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Channel) enqueue(v any, done chan error) (chan error, error) {
	p, err := packet.From(v)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	if !c.attached {
		c.mu.Unlock()
		return nil, ErrNotAttached
	}

	c.queue = append(c.queue, &outgoing{p: p, done: done})
	if c.draining {
		c.mu.Unlock()
		return done, nil
	}
	c.draining = true
	c.mu.Unlock()

	go c.drain()
	return done, nil
}

// Pending returns the number of queued packets not yet written
func (c *Channel) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queue)
}

// drain writes queued packets head first until the queue is empty. It is
// the only writer of the connection once the channel is attached.
func (c *Channel) drain() {
	for {
		c.mu.Lock()
		if len(c.queue) == 0 || c.state == StateClosed {
			dropped := c.queue
			c.queue = nil
			c.draining = false
			c.mu.Unlock()
			failAll(dropped, ErrClosed)
			return
		}
		o := c.queue[0]
		c.queue[0] = nil
		c.queue = c.queue[1:]
		conn := c.conn
		c.mu.Unlock()

		if err := c.write(conn, o.p); err != nil {
			// draining stays set: nothing else may write, and closing
			// fails whatever is still queued
			c.log.Warn("send failed, closing channel",
				zap.String("type", o.p.Type),
				zap.Int("dropped", c.Pending()),
				zap.Error(err))
			c.closeWithError(err)
			o.finish(err)
			return
		}
		o.finish(nil)
	}
}

func (c *Channel) write(conn net.Conn, p *packet.Packet) error {
	data, err := p.Serialize()
	if err != nil {
		return fmt.Errorf("%w: %w", ErrWriteFailed, err)
	}

	if d := c.opts.Timeouts.Write; d > 0 {
		_ = conn.SetWriteDeadline(time.Now().Add(d))
	}

	if _, err := conn.Write(data); err != nil {
		return fmt.Errorf("%w: %w", ErrWriteFailed, err)
	}

	c.log.Debug("packet sent", zap.String("type", p.Type), zap.Int64("id", p.ID))
	return nil
}
