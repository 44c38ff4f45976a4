package transport

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"segchat/internal/core/domain"
	"segchat/pkg/framing"
)

// LineHandler receives every control message other than keepalive traffic.
type LineHandler func(line []byte)

// ControlConn is a line-framed control connection with keepalive. When a
// ping interval is configured, a ping is written after that long without any
// outgoing traffic. A peer that sends nothing for ReadTimeout is dropped.
type ControlConn struct {
	conn     net.Conn
	endpoint domain.Endpoint
	reader   *framing.LineReader

	pingInterval time.Duration
	readTimeout  time.Duration
	writeTimeout time.Duration

	writeMu  sync.Mutex
	lastSend atomic.Int64

	oversize func()

	closeOnce sync.Once
	done      chan struct{}
}

func NewControlConn(conn net.Conn, endpoint domain.Endpoint, cfg Config) *ControlConn {
	c := &ControlConn{
		conn:         conn,
		endpoint:     endpoint,
		reader:       framing.NewLineReader(conn, cfg.MaxLineBytes),
		pingInterval: cfg.PingInterval,
		readTimeout:  cfg.ReadTimeout,
		writeTimeout: cfg.WriteTimeout,
		done:         make(chan struct{}),
	}
	c.lastSend.Store(time.Now().UnixNano())
	return c
}

func (c *ControlConn) Endpoint() domain.Endpoint {
	return c.endpoint
}

func (c *ControlConn) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

// OnOversize registers a callback for messages dropped for exceeding the
// line limit. Must be called before Run.
func (c *ControlConn) OnOversize(fn func()) {
	c.oversize = fn
}

// Send writes v as one JSON line. Safe for concurrent use.
func (c *ControlConn) Send(v any) error {
	data, err := framing.Encode(v)
	if err != nil {
		return err
	}
	return c.write(data)
}

func (c *ControlConn) write(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.writeTimeout > 0 {
		_ = c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
	if _, err := c.conn.Write(data); err != nil {
		return fmt.Errorf("write to %s: %w", c.endpoint, err)
	}
	c.lastSend.Store(time.Now().UnixNano())
	return nil
}

// Run reads until the connection fails or is closed, answering pings and
// passing every other message to handler in arrival order. The connection is
// closed when Run returns.
func (c *ControlConn) Run(handler LineHandler) error {
	defer c.Close()

	if c.pingInterval > 0 {
		go c.keepalive()
	}

	for {
		if c.readTimeout > 0 {
			_ = c.conn.SetReadDeadline(time.Now().Add(c.readTimeout))
		}

		line, err := c.reader.ReadLine()
		if errors.Is(err, framing.ErrLineTooLong) {
			if c.oversize != nil {
				c.oversize()
			}
			continue
		}
		if err != nil {
			select {
			case <-c.done:
				return nil
			default:
			}
			return err
		}

		env, err := framing.PeekEnvelope(line)
		if err == nil {
			switch env.Type {
			case framing.TypePing:
				if err := c.Send(framing.Envelope{Type: framing.TypePong, RequestID: env.RequestID}); err != nil {
					return err
				}
				continue
			case framing.TypePong:
				continue
			}
		}

		handler(line)
	}
}

func (c *ControlConn) keepalive() {
	tick := c.pingInterval / 2
	if tick <= 0 {
		tick = c.pingInterval
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			idle := time.Since(time.Unix(0, c.lastSend.Load()))
			if idle < c.pingInterval {
				continue
			}
			if err := c.Send(framing.Envelope{Type: framing.TypePing}); err != nil {
				c.Close()
				return
			}
		}
	}
}

// Close closes the underlying connection. It is idempotent.
func (c *ControlConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.conn.Close()
	})
	return err
}

// Done is closed once the connection has been closed.
func (c *ControlConn) Done() <-chan struct{} {
	return c.done
}
