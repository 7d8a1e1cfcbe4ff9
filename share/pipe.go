package prshare

import (
	"io"
	"sync"
)

// Pipe concurrently copies in both directions between two socket-like
// streams, returning after both directions have reached end-of-stream and
// both streams have been closed. When one direction ends, the destination's
// write side is half-closed if it supports that, so the other direction can
// keep draining. Used by the relay to broker bytes between a paired host and
// client.
func Pipe(a io.ReadWriteCloser, b io.ReadWriteCloser) (int64, int64) {
	var aToB, bToA int64
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		bToA, _ = io.Copy(a, b)
		if whc, _ := a.(WriteHalfCloser); whc != nil {
			whc.CloseWrite()
		}
	}()
	go func() {
		defer wg.Done()
		aToB, _ = io.Copy(b, a)
		if whc, _ := b.(WriteHalfCloser); whc != nil {
			whc.CloseWrite()
		}
	}()
	wg.Wait()
	a.Close()
	b.Close()
	return aToB, bToA
}
