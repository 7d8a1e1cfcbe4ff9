package prshare

import (
	"sync/atomic"

	"golang.org/x/crypto/ssh"
)

// TunnelConn adapts one multiplexed channel of a tunnel session to the
// ChannelConn interface so it can be bridged to a local socket.
type TunnelConn struct {
	BasicConn
	channel ssh.Channel
}

// NewTunnelConn wraps an open tunnel channel in a TunnelConn
func NewTunnelConn(logger Logger, channelType string, channel ssh.Channel) *TunnelConn {
	c := &TunnelConn{
		channel: channel,
	}
	c.InitBasicConn(logger, c, "TunnelConn(%s)", channelType)
	return c
}

// CloseWrite signals end-of-stream on the channel's write side. The remote
// reader of the channel sees EOF; the read side stays open.
func (c *TunnelConn) CloseWrite() error {
	err := c.channel.CloseWrite()
	if err != nil {
		err = c.DLogErrorf("CloseWrite failed: %s", err)
	}
	return err
}

// HandleOnceShutdown is called exactly once to close the wrapped channel
func (c *TunnelConn) HandleOnceShutdown(completionErr error) error {
	err := c.channel.Close()
	if err != nil {
		err = c.Errorf("Close failed: %s", err)
	}
	if completionErr == nil {
		completionErr = err
	}
	return completionErr
}

// WaitForClose blocks until the conn has been closed and fully shut down
func (c *TunnelConn) WaitForClose() error {
	return c.WaitShutdown()
}

func (c *TunnelConn) Read(p []byte) (n int, err error) {
	n, err = c.channel.Read(p)
	atomic.AddInt64(&c.NumBytesRead, int64(n))
	return n, err
}

func (c *TunnelConn) Write(p []byte) (n int, err error) {
	n, err = c.channel.Write(p)
	atomic.AddInt64(&c.NumBytesWritten, int64(n))
	return n, err
}
