package prshare

// WriteHalfCloser is implemented by bidirectional streams that can shut down
// their write side independently, like net.TCPConn.CloseWrite(). Calling
// CloseWrite signals end-of-stream to the remote reader while leaving the read
// half open, which lets request/response protocols drain fully before either
// side closes.
type WriteHalfCloser interface {
	CloseWrite() error
}
