package dataserver

import (
	"context"
	"strconv"
	"sync/atomic"

	"github.com/pious-project/pious/pkg/wire"
)

var connSeq uint64

// Serve accepts connections on ln until ctx is cancelled, dispatching
// every inbound envelope to s's single dispatch loop via Submit and
// writing back whatever reply it produces. Each connection gets its
// own goroutine reading and replying in lock-step (one outstanding
// request per connection, matching the pipeline protocol's
// one-request-per-server invariant from the client's side), but every
// connection's requests still funnel through the same Submit channel
// into the one dispatch goroutine.
func (s *Server) Serve(ctx context.Context, ln wire.Listener) error {
	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

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
		// wire.Conn exposes no remote-address accessor, so a connection's
		// identity for the recent-result window is a locally-assigned
		// sequence number: stable for the connection's lifetime, which is
		// all the idempotency window needs (a client that reconnects mid-
		// retry is already outside the normal retransmit case it covers).
		clientID := strconv.FormatUint(atomic.AddUint64(&connSeq, 1), 10)
		go s.serveConn(ctx, conn, clientID)
	}
}

func (s *Server) serveConn(ctx context.Context, conn wire.Conn, clientID string) {
	defer conn.Close()
	for {
		env, err := conn.Recv()
		if err != nil {
			return
		}
		reply := <-s.Submit(clientID, env)
		reply.Dest = env.Dest
		if err := conn.Send(reply); err != nil {
			return
		}
		select {
		case <-ctx.Done():
			return
		default:
		}
	}
}
