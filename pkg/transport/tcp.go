package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"
	"time"

	"github.com/google/protofuzz/pkg/ferrors"
)

type tcpTransport struct {
	cfg  Config
	conn net.Conn
}

func newTCPTransport(cfg Config) *tcpTransport {
	return &tcpTransport{cfg: cfg}
}

func (t *tcpTransport) Connect(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", t.cfg.Host, t.cfg.Port)
	d := net.Dialer{Timeout: t.cfg.connectTimeout()}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return classifyDialErr(err)
	}
	t.conn = conn
	return nil
}

func classifyDialErr(err error) error {
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return ferrors.Wrap(ferrors.KindConnectionTimeout, err, "connect timed out")
	}
	if errors.Is(err, syscall.ECONNREFUSED) {
		return ferrors.Wrap(ferrors.KindConnectionRefused, err, "connection refused")
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		if sysErr, ok := opErr.Err.(*net.DNSError); ok {
			return ferrors.Wrap(ferrors.KindConnectionRefused, sysErr, "connect failed")
		}
	}
	return ferrors.Wrap(ferrors.KindConnectionRefused, err, "connect failed")
}

// Send writes payload in full (the "sendall" loop of spec §4.5).
func (t *tcpTransport) Send(payload []byte) error {
	if t.conn == nil {
		return ferrors.New(ferrors.KindSend, "transport not connected", nil)
	}
	written := 0
	for written < len(payload) {
		n, err := t.conn.Write(payload[written:])
		if err != nil {
			return ferrors.Wrap(ferrors.KindSend, err, "send failed")
		}
		written += n
	}
	return nil
}

// Recv reads up to BufferSize per read, accumulating until the deadline
// elapses with no further data or the peer sends FIN (io.EOF).
func (t *tcpTransport) Recv(timeout time.Duration) ([]byte, error) {
	if t.conn == nil {
		return nil, ferrors.New(ferrors.KindReceive, "transport not connected", nil)
	}
	if err := t.conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return nil, ferrors.Wrap(ferrors.KindReceive, err, "set read deadline")
	}
	buf := make([]byte, t.cfg.bufferSize())
	var out []byte
	for {
		n, err := t.conn.Read(buf)
		if n > 0 {
			out = append(out, buf[:n]...)
		}
		if err == nil {
			continue
		}
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			if len(out) == 0 {
				return nil, ferrors.Wrap(ferrors.KindReceiveTimeout, err, "recv timed out")
			}
			return out, nil
		}
		return nil, ferrors.Wrap(ferrors.KindTransport, err, "recv failed")
	}
}

func (t *tcpTransport) SendAndReceive(payload []byte, timeout time.Duration) ([]byte, error) {
	if err := t.Send(payload); err != nil {
		return nil, err
	}
	return t.Recv(timeout)
}

func (t *tcpTransport) Close() error {
	if t.conn == nil {
		return nil
	}
	err := t.conn.Close()
	t.conn = nil
	return err
}
