package prshare

import (
	"fmt"
	"io"
	"sync/atomic"
)

// ChannelConn is an open bidirectional byte stream that can be bridged to
// another ChannelConn. It is implemented both by wrappers around local network
// resources (TCP sockets, socketpairs) and by wrappers around multiplexed
// tunnel channels within a secure session.
type ChannelConn interface {
	io.ReadWriteCloser
	WriteHalfCloser
	AsyncShutdowner

	// WaitForClose blocks until the conn has been closed and fully shut down,
	// and returns the final completion status.
	WaitForClose() error

	// GetNumBytesRead returns the number of bytes read so far from this conn
	GetNumBytesRead() int64

	// GetNumBytesWritten returns the number of bytes written so far to this conn
	GetNumBytesWritten() int64
}

var lastConnID int64

// allocConnID allocates a process-unique conn ID number, for logging purposes
func allocConnID() int64 {
	return atomic.AddInt64(&lastConnID, 1)
}

// BasicConn is the common base for ChannelConn implementations. It carries a
// unique id, a logging name, and atomic transfer counters.
type BasicConn struct {
	ShutdownHelper
	ID              int64
	name            string
	NumBytesRead    int64
	NumBytesWritten int64
}

// InitBasicConn initializes the BasicConn portion of a new conn object, with a
// printf-style name used to identify the conn in log output.
func (c *BasicConn) InitBasicConn(
	logger Logger,
	shutdownHandler OnceShutdownHandler,
	namef string, args ...interface{},
) {
	c.ID = allocConnID()
	c.name = fmt.Sprintf("[%d]", c.ID) + fmt.Sprintf(namef, args...)
	c.InitShutdownHelper(logger.Fork("%s", c.name), shutdownHandler)
}

// GetNumBytesRead returns the number of bytes read so far from this conn
func (c *BasicConn) GetNumBytesRead() int64 {
	return atomic.LoadInt64(&c.NumBytesRead)
}

// GetNumBytesWritten returns the number of bytes written so far to this conn
func (c *BasicConn) GetNumBytesWritten() int64 {
	return atomic.LoadInt64(&c.NumBytesWritten)
}

func (c *BasicConn) String() string {
	return c.name
}
