package wire

import (
	"bufio"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/pious-project/pious/pkg/piouserr"
)

// Endpoint names a process reachable over the transport, e.g. "host:port".
type Endpoint string

// Envelope is the (destination, opcode-tag, body) unit every message on
// the wire is built from. Destination is carried explicitly even though
// a point-to-point connection already implies it, so a multiplexing
// transport can share one connection across destinations without a
// format change.
type Envelope struct {
	Dest Endpoint
	Op   Opcode
	Body []byte
}

// Conn is one reliable, ordered, point-to-point message connection.
type Conn interface {
	Send(Envelope) error
	Recv() (Envelope, error)
	Close() error
}

// Listener accepts incoming Conns at one Endpoint.
type Listener interface {
	Accept() (Conn, error)
	Close() error
	Addr() Endpoint
}

// Transport dials and listens for Conns. The core consumes only this
// contract; a concrete TCP implementation is provided so cmd/piousd has
// something to run.
type Transport interface {
	Dial(ctx context.Context, dest Endpoint) (Conn, error)
	Listen(addr Endpoint) (Listener, error)
}

// TCP is a Transport backed by net.Dial/net.Listen with length-prefixed
// framing.
type TCP struct {
	DialTimeout time.Duration
}

func (TCP) Listen(addr Endpoint) (Listener, error) {
	ln, err := net.Listen("tcp", string(addr))
	if err != nil {
		return nil, piouserr.Wrap(piouserr.ETPORT, "wire.TCP.Listen", err)
	}
	return &tcpListener{ln: ln}, nil
}

func (t TCP) Dial(ctx context.Context, dest Endpoint) (Conn, error) {
	d := net.Dialer{Timeout: t.DialTimeout}
	conn, err := d.DialContext(ctx, "tcp", string(dest))
	if err != nil {
		return nil, piouserr.Wrap(piouserr.ETPORT, "wire.TCP.Dial", err)
	}
	return newTCPConn(conn), nil
}

type tcpListener struct {
	ln net.Listener
}

func (l *tcpListener) Accept() (Conn, error) {
	conn, err := l.ln.Accept()
	if err != nil {
		return nil, piouserr.Wrap(piouserr.ETPORT, "wire.tcpListener.Accept", err)
	}
	return newTCPConn(conn), nil
}

func (l *tcpListener) Close() error { return l.ln.Close() }

func (l *tcpListener) Addr() Endpoint { return Endpoint(l.ln.Addr().String()) }

const maxFrameSize = 64 << 20 // 64MiB; generous upper bound on one message body

type tcpConn struct {
	conn net.Conn
	r    *bufio.Reader
}

func newTCPConn(conn net.Conn) *tcpConn {
	return &tcpConn{conn: conn, r: bufio.NewReader(conn)}
}

// Send writes one frame: [total length][opcode][dest length][dest][body].
func (c *tcpConn) Send(e Envelope) error {
	dest := []byte(e.Dest)
	frame := make([]byte, 0, 1+4+len(dest)+len(e.Body))
	frame = append(frame, uint8(e.Op))
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(dest)))
	frame = append(frame, lenBuf[:]...)
	frame = append(frame, dest...)
	frame = append(frame, e.Body...)

	var total [4]byte
	binary.BigEndian.PutUint32(total[:], uint32(len(frame)))
	if _, err := c.conn.Write(total[:]); err != nil {
		return piouserr.Wrap(piouserr.ETPORT, "wire.tcpConn.Send", err)
	}
	if _, err := c.conn.Write(frame); err != nil {
		return piouserr.Wrap(piouserr.ETPORT, "wire.tcpConn.Send", err)
	}
	return nil
}

func (c *tcpConn) Recv() (Envelope, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(c.r, lenBuf[:]); err != nil {
		return Envelope{}, piouserr.Wrap(piouserr.ETPORT, "wire.tcpConn.Recv", err)
	}
	total := binary.BigEndian.Uint32(lenBuf[:])
	if total < 5 || total > maxFrameSize {
		return Envelope{}, piouserr.New(piouserr.EPROTO, "wire.tcpConn.Recv")
	}
	frame := make([]byte, total)
	if _, err := io.ReadFull(c.r, frame); err != nil {
		return Envelope{}, piouserr.Wrap(piouserr.ETPORT, "wire.tcpConn.Recv", err)
	}

	op := Opcode(frame[0])
	destLen := binary.BigEndian.Uint32(frame[1:5])
	if uint32(len(frame)-5) < destLen {
		return Envelope{}, piouserr.New(piouserr.EPROTO, "wire.tcpConn.Recv")
	}
	dest := Endpoint(frame[5 : 5+destLen])
	body := frame[5+destLen:]
	if !op.Valid() {
		return Envelope{}, piouserr.New(piouserr.EPROTO, fmt.Sprintf("wire.tcpConn.Recv: opcode %d", op))
	}
	return Envelope{Dest: dest, Op: op, Body: body}, nil
}

func (c *tcpConn) Close() error { return c.conn.Close() }
