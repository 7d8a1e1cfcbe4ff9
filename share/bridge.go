package prshare

import (
	"context"
	"io"
	"sync"
	"sync/atomic"

	"github.com/jpillora/sizestr"
)

var lastBridgeID int64

// BridgeChannels connects two ChannelConns together, copying between them
// bidirectionally until end-of-stream is reached in both directions. Half
// close is propagated: when one direction reaches EOF, CloseWrite is invoked
// on the destination so the remote reader sees EOF while the other direction
// keeps flowing. Both conns are fully closed before this function returns.
//
// Returns the number of bytes copied caller->service, the number of bytes
// copied service->caller, and the first copy error encountered in either
// direction, if any.
//
// The context is used only for log attribution; the bridge ends when the
// conns do. To abort a bridge, close either conn.
func BridgeChannels(
	ctx context.Context,
	logger Logger,
	caller ChannelConn,
	service ChannelConn,
) (int64, int64, error) {
	bridgeID := atomic.AddInt64(&lastBridgeID, 1)
	logger = logger.Fork("Bridge#%d (%s->%s)", bridgeID, caller, service)
	logger.DLogf("Starting")
	var callerToServiceBytes, serviceToCallerBytes int64
	var callerToServiceErr, serviceToCallerErr error
	var wg sync.WaitGroup
	wg.Add(2)
	copyHalf := func(src ChannelConn, dst ChannelConn, bytesCopied *int64, copyErr *error) {
		defer wg.Done()
		*bytesCopied, *copyErr = io.Copy(dst, src)
		if *copyErr != nil {
			logger.DLogf("copy %s->%s ended with error: %s", src, dst, *copyErr)
		}
		// propagate end-of-stream without tearing down the reverse direction
		dst.CloseWrite()
	}
	go copyHalf(caller, service, &callerToServiceBytes, &callerToServiceErr)
	go copyHalf(service, caller, &serviceToCallerBytes, &serviceToCallerErr)
	wg.Wait()
	service.Close()
	caller.Close()
	err := callerToServiceErr
	if err == nil {
		err = serviceToCallerErr
	}
	logger.DLogf("Done: sent %s received %s, err=%v",
		sizestr.ToString(callerToServiceBytes), sizestr.ToString(serviceToCallerBytes), err)
	return callerToServiceBytes, serviceToCallerBytes, err
}
