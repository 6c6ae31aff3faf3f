package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/google/protofuzz/pkg/ferrors"
)

type udpTransport struct {
	cfg  Config
	conn net.Conn
}

func newUDPTransport(cfg Config) *udpTransport {
	return &udpTransport{cfg: cfg}
}

func (t *udpTransport) Connect(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", t.cfg.Host, t.cfg.Port)
	d := net.Dialer{Timeout: t.cfg.connectTimeout()}
	conn, err := d.DialContext(ctx, "udp", addr)
	if err != nil {
		return ferrors.Wrap(ferrors.KindConnectionRefused, err, "connect failed")
	}
	t.conn = conn
	return nil
}

// Send writes a single datagram.
func (t *udpTransport) Send(payload []byte) error {
	if t.conn == nil {
		return ferrors.New(ferrors.KindSend, "transport not connected", nil)
	}
	if _, err := t.conn.Write(payload); err != nil {
		return ferrors.Wrap(ferrors.KindSend, err, "send failed")
	}
	return nil
}

// Recv reads a single datagram within timeout.
func (t *udpTransport) Recv(timeout time.Duration) ([]byte, error) {
	if t.conn == nil {
		return nil, ferrors.New(ferrors.KindReceive, "transport not connected", nil)
	}
	if err := t.conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return nil, ferrors.Wrap(ferrors.KindReceive, err, "set read deadline")
	}
	buf := make([]byte, t.cfg.bufferSize())
	n, err := t.conn.Read(buf)
	if err != nil {
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			return nil, ferrors.Wrap(ferrors.KindReceiveTimeout, err, "recv timed out")
		}
		return nil, ferrors.Wrap(ferrors.KindTransport, err, "recv failed")
	}
	return buf[:n], nil
}

func (t *udpTransport) SendAndReceive(payload []byte, timeout time.Duration) ([]byte, error) {
	if err := t.Send(payload); err != nil {
		return nil, err
	}
	return t.Recv(timeout)
}

func (t *udpTransport) Close() error {
	if t.conn == nil {
		return nil
	}
	err := t.conn.Close()
	t.conn = nil
	return err
}
