package transport

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"segchat/internal/core/domain"
	apperrors "segchat/pkg/errors"
	"segchat/pkg/framing"
)

// FrameHandler receives one complete video frame.
type FrameHandler func(from domain.Endpoint, frame []byte)

// VideoConn carries length-prefixed video frames between two peers.
type VideoConn struct {
	conn         net.Conn
	endpoint     domain.Endpoint
	maxFrame     int
	writeTimeout time.Duration

	writeMu   sync.Mutex
	closeOnce sync.Once
	done      chan struct{}
}

func NewVideoConn(conn net.Conn, endpoint domain.Endpoint, cfg Config) *VideoConn {
	return &VideoConn{
		conn:         conn,
		endpoint:     endpoint,
		maxFrame:     cfg.MaxFrameBytes,
		writeTimeout: cfg.WriteTimeout,
		done:         make(chan struct{}),
	}
}

func (v *VideoConn) Endpoint() domain.Endpoint {
	return v.endpoint
}

// WriteFrame sends one frame. Frames above the configured maximum are
// refused locally so the receiver never sees them.
func (v *VideoConn) WriteFrame(frame []byte) error {
	if v.maxFrame > 0 && len(frame) > v.maxFrame {
		return apperrors.NewProtocolError(fmt.Sprintf("frame of %d bytes exceeds limit of %d", len(frame), v.maxFrame))
	}

	v.writeMu.Lock()
	defer v.writeMu.Unlock()

	if v.writeTimeout > 0 {
		_ = v.conn.SetWriteDeadline(time.Now().Add(v.writeTimeout))
	}
	return framing.WriteFrame(v.conn, frame)
}

// Run reads frames until the connection ends. An oversized frame header
// ends the connection with a protocol error.
func (v *VideoConn) Run(handler FrameHandler) error {
	defer v.Close()

	for {
		frame, err := framing.ReadFrame(v.conn, v.maxFrame)
		if err != nil {
			select {
			case <-v.done:
				return nil
			default:
			}
			if errors.Is(err, framing.ErrFrameTooLarge) {
				return apperrors.WrapError(err, apperrors.ErrCodeProtocol, "oversized video frame")
			}
			return err
		}
		handler(v.endpoint, frame)
	}
}

func (v *VideoConn) Close() error {
	var err error
	v.closeOnce.Do(func() {
		close(v.done)
		err = v.conn.Close()
	})
	return err
}

func (v *VideoConn) Done() <-chan struct{} {
	return v.done
}
