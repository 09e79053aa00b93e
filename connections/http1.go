// Package connections implements concrete transport connections managed by
// the blaze pool. This file contains the HTTP/1.1 connection implementation.
package connections

import (
	"bufio"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/valyala/fasthttp"

	"github.com/mox692/blaze/interfaces"
)

// ErrConnClosed is returned by Do on a connection that has been shut down.
var ErrConnClosed = errors.New("connections: connection is closed")

const defaultBufferSize = 4096

// HTTP1Conn is a single client-side HTTP/1.1 connection bound to one
// destination. It owns its net.Conn exclusively and frames requests and
// responses with fasthttp over buffered reader and writer.
//
// A connection is recyclable between complete request/response exchanges and
// stops being recyclable permanently after a write or read failure, or after
// either side signals Connection: close. Half-written or half-read exchanges
// therefore never reach another borrower.
type HTTP1Conn struct {
	id     string
	key    interfaces.RequestKey
	conn   net.Conn
	reader *bufio.Reader
	writer *bufio.Writer
	logger interfaces.Logger

	closed     atomic.Bool
	recyclable atomic.Bool
	closeOnce  sync.Once
}

// NewHTTP1Conn wraps an established net.Conn for the given key. The caller
// hands over ownership of conn.
func NewHTTP1Conn(key interfaces.RequestKey, conn net.Conn, logger interfaces.Logger) *HTTP1Conn {
	c := &HTTP1Conn{
		id:     uuid.New().String(),
		key:    key,
		conn:   conn,
		reader: bufio.NewReaderSize(conn, defaultBufferSize),
		writer: bufio.NewWriterSize(conn, defaultBufferSize),
		logger: logger,
	}
	c.recyclable.Store(true)
	return c
}

// ID returns the connection's identifier, used in debug events.
func (c *HTTP1Conn) ID() string {
	return c.id
}

// RequestKey returns the destination this connection is bound to.
func (c *HTTP1Conn) RequestKey() interfaces.RequestKey {
	return c.key
}

// IsClosed reports whether the transport has been shut down.
func (c *HTTP1Conn) IsClosed() bool {
	return c.closed.Load()
}

// IsRecyclable reports whether the connection finished its last exchange
// cleanly and may be handed to another borrower.
func (c *HTTP1Conn) IsRecyclable() bool {
	return c.recyclable.Load() && !c.closed.Load()
}

// Shutdown closes the underlying transport. It is idempotent and safe to
// call concurrently with an in-flight exchange, which will then fail.
func (c *HTTP1Conn) Shutdown() {
	c.closeOnce.Do(func() {
		c.recyclable.Store(false)
		c.closed.Store(true)
		if err := c.conn.Close(); err != nil {
			c.logger.Debug(fmt.Sprintf("error closing connection %s to %s: %v", c.id, c.key, err))
		}
	})
}

// Do writes the request and reads the response over the connection. The
// connection is marked non-recyclable for the duration of the exchange and
// torn down on any framing or transport error.
func (c *HTTP1Conn) Do(req *fasthttp.Request, resp *fasthttp.Response) error {
	if c.closed.Load() {
		return ErrConnClosed
	}

	c.recyclable.Store(false)

	if err := req.Write(c.writer); err != nil {
		c.Shutdown()
		return fmt.Errorf("connections: writing request to %s: %w", c.key, err)
	}
	if err := c.writer.Flush(); err != nil {
		c.Shutdown()
		return fmt.Errorf("connections: flushing request to %s: %w", c.key, err)
	}
	if err := resp.Read(c.reader); err != nil {
		c.Shutdown()
		return fmt.Errorf("connections: reading response from %s: %w", c.key, err)
	}

	if req.ConnectionClose() || resp.ConnectionClose() {
		// Either side opted out of keep-alive; the exchange is complete but
		// the transport must not serve another one.
		c.Shutdown()
		return nil
	}

	c.recyclable.Store(true)
	return nil
}
