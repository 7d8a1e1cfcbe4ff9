package prshare

import (
	"net"
	"sync/atomic"
)

// SocketConn adapts a local net.Conn (TCP socket, socketpair half, etc.) to
// the ChannelConn interface so it can be bridged to a tunnel channel.
type SocketConn struct {
	BasicConn
	netConn net.Conn
}

// NewSocketConn wraps an already connected net.Conn in a SocketConn
func NewSocketConn(logger Logger, netConn net.Conn) *SocketConn {
	c := &SocketConn{
		netConn: netConn,
	}
	c.InitBasicConn(logger, c, "SocketConn(%s)", netConn.RemoteAddr())
	return c
}

// CloseWrite shuts down the writing side of the socket if the underlying
// net.Conn supports half-close; otherwise it is a logged no-op. It is called
// when end-of-stream is reached reading from the other conn of a bridged pair,
// so that the remote reader sees EOF while this side keeps draining.
func (c *SocketConn) CloseWrite() error {
	whc, _ := c.netConn.(WriteHalfCloser)
	if whc == nil {
		c.DLogf("CloseWrite not supported by %T; ignored", c.netConn)
		return nil
	}
	err := whc.CloseWrite()
	if err != nil {
		err = c.DLogErrorf("CloseWrite failed: %s", err)
	}
	return err
}

// HandleOnceShutdown is called exactly once to close the wrapped socket
func (c *SocketConn) HandleOnceShutdown(completionErr error) error {
	err := c.netConn.Close()
	if err != nil {
		err = c.Errorf("Close failed: %s", err)
	}
	if completionErr == nil {
		completionErr = err
	}
	return completionErr
}

// WaitForClose blocks until the conn has been closed and fully shut down
func (c *SocketConn) WaitForClose() error {
	return c.WaitShutdown()
}

func (c *SocketConn) Read(p []byte) (n int, err error) {
	n, err = c.netConn.Read(p)
	atomic.AddInt64(&c.NumBytesRead, int64(n))
	return n, err
}

func (c *SocketConn) Write(p []byte) (n int, err error) {
	n, err = c.netConn.Write(p)
	atomic.AddInt64(&c.NumBytesWritten, int64(n))
	return n, err
}
