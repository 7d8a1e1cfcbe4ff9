package prshare

import (
	"context"
	"net"
	"net/http"
)

// HTTPServer extends net/http Server with the shutdown discipline the rest
// of the relay uses
type HTTPServer struct {
	ShutdownHelper
	*http.Server

	// guarded by ShutdownHelper.Lock
	listener net.Listener
}

// NewHTTPServer creates a new HTTPServer
func NewHTTPServer(logger Logger) *HTTPServer {
	h := &HTTPServer{
		Server: &http.Server{},
	}
	h.InitShutdownHelper(logger.Fork("HTTPServer"), h)
	return h
}

// HandleOnceShutdown is called exactly once; closing the listener unblocks
// Serve and with it ListenAndServe
func (h *HTTPServer) HandleOnceShutdown(completionErr error) error {
	h.Lock.Lock()
	listener := h.listener
	h.Lock.Unlock()
	if listener != nil {
		if err := listener.Close(); err != nil {
			h.DLogf("Close of listener failed, ignoring: %s", err)
		}
	}
	return completionErr
}

// ListenAddr returns the bound listener address, nil before ListenAndServe
// has bound it. Useful when addr requested an ephemeral port.
func (h *HTTPServer) ListenAddr() net.Addr {
	h.Lock.Lock()
	defer h.Lock.Unlock()
	if h.listener == nil {
		return nil
	}
	return h.listener.Addr()
}

// ListenAndServe runs the HTTP server on the given bind address, invoking
// the provided handler for each request. It returns after the server has
// shut down, either by cancelling the context or by calling Shutdown.
func (h *HTTPServer) ListenAndServe(ctx context.Context, addr string, handler http.Handler) error {
	err := h.DoOnceActivate(
		func() error {
			h.ShutdownOnContext(ctx)

			listener, err := net.Listen("tcp", addr)
			if err != nil {
				return h.DLogErrorf("Listen failed: %s", err)
			}
			h.Handler = handler
			h.Lock.Lock()
			h.listener = listener
			h.Lock.Unlock()
			h.ILogf("Listening on %s", listener.Addr())

			go func() {
				h.Shutdown(h.Serve(listener))
			}()

			return nil
		},
		true,
	)
	if err == nil {
		err = h.WaitShutdown()
	}
	return err
}

// Shutdown completely shuts down the server, then returns the final
// completion code. Overrides the embedded http.Server method of the same
// name.
func (h *HTTPServer) Shutdown(completionErr error) error {
	return h.ShutdownHelper.Shutdown(completionErr)
}

// Close completely shuts down the server, then returns the final completion
// code. Overrides the embedded http.Server method of the same name.
func (h *HTTPServer) Close() error {
	return h.ShutdownHelper.Close()
}
