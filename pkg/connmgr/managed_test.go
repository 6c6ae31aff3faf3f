package connmgr

import (
	"context"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/google/protofuzz/pkg/transport"
	"github.com/stretchr/testify/require"
)

func startEchoServer(t *testing.T) (host string, port int) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				buf := make([]byte, 4096)
				n, err := conn.Read(buf)
				if err != nil {
					return
				}
				conn.Write(buf[:n])
			}()
		}
	}()
	t.Cleanup(func() { ln.Close() })
	h, p, err := net.SplitHostPort(ln.Addr().String())
	require.NoError(t, err)
	port, err = strconv.Atoi(p)
	require.NoError(t, err)
	return h, port
}

func TestManagerSessionModeReusesTransport(t *testing.T) {
	host, port := startEchoServer(t)
	factory := func() (transport.Transport, error) {
		return transport.New(transport.Config{Kind: transport.KindTCP, Host: host, Port: port})
	}
	m := New(Config{Mode: ModeSession}, factory, nil)

	a, err := m.Acquire(context.Background(), "sess-1", "fuzz_target")
	require.NoError(t, err)
	b, err := m.Acquire(context.Background(), "sess-1", "fuzz_target")
	require.NoError(t, err)
	require.Same(t, a, b)

	resp, err := a.SendWithLock([]byte("hi"), time.Second, nil)
	require.NoError(t, err)
	require.Equal(t, []byte("hi"), resp)
}

func TestManagerPerTestModeClosesAfterSend(t *testing.T) {
	host, port := startEchoServer(t)
	factory := func() (transport.Transport, error) {
		return transport.New(transport.Config{Kind: transport.KindTCP, Host: host, Port: port})
	}
	m := New(Config{Mode: ModePerTest}, factory, nil)

	mt, err := m.Acquire(context.Background(), "sess-1", "fuzz_target")
	require.NoError(t, err)
	resp, err := mt.SendWithLock([]byte("hi"), time.Second, nil)
	require.NoError(t, err)
	require.Equal(t, []byte("hi"), resp)
	require.False(t, mt.Connected())
}
