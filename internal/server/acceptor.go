package server

import (
	"context"
	"log"
	"net"
	"syscall"

	"golang.org/x/sys/unix"

	"icapd/internal/common"
	"icapd/internal/service"
)

// Acceptor binds a listening socket and spawns one Connection per
// accepted client, each driven by its own goroutine.
type Acceptor struct {
	cfg Config
	svc service.Service
	ids *common.IDGenerator
}

// NewAcceptor returns an Acceptor that will serve svc once Run is
// called.
func NewAcceptor(cfg Config, svc service.Service) *Acceptor {
	return &Acceptor{cfg: cfg, svc: svc, ids: common.NewIDGenerator(1)}
}

// Run binds cfg.Addr and accepts connections until ctx is canceled or
// the listener errors. It blocks for the lifetime of the listener.
func (a *Acceptor) Run(ctx context.Context) error {
	ln, err := a.Listen(ctx)
	if err != nil {
		return err
	}
	return a.Serve(ctx, ln)
}

// Listen binds cfg.Addr without accepting from it, for callers that
// need to wrap the listener before handing it to Serve.
func (a *Acceptor) Listen(ctx context.Context) (net.Listener, error) {
	lc := net.ListenConfig{}
	if a.cfg.ReusePort {
		lc.Control = reusePortControl
	}
	return lc.Listen(ctx, "tcp", a.cfg.Addr)
}

// Serve accepts connections off an already-bound listener until ctx is
// canceled or the listener errors. Callers that need to wrap the
// listener (rate limiting, TLS, proxy-protocol unwrapping) bind it
// themselves and pass it here instead of calling Run.
func (a *Acceptor) Serve(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	log.Printf("icap: listening on %s", ln.Addr())

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return err
			}
		}
		id := a.ids.Next()
		if a.cfg.Debug {
			log.Printf("icap: accepted connection %s from %s", id, conn.RemoteAddr())
		}
		c := NewConnection(id, conn, a.svc, a.cfg.Debug)
		go c.Serve()
	}
}

// reusePortControl sets SO_REUSEPORT on the listening socket before
// bind(2), letting several icapd processes share one port.
func reusePortControl(network, address string, c syscall.RawConn) error {
	var sockErr error
	err := c.Control(func(fd uintptr) {
		sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEPORT, 1)
	})
	if err != nil {
		return err
	}
	return sockErr
}
