package transport

import (
	"context"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/google/protofuzz/pkg/ferrors"
	"github.com/stretchr/testify/require"
)

func TestTCPSendAndReceiveEchoes(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		buf := make([]byte, 4096)
		n, err := conn.Read(buf)
		if err != nil {
			return
		}
		conn.Write(buf[:n])
	}()

	host, portStr, err := net.SplitHostPort(ln.Addr().String())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	tr, err := New(Config{Kind: KindTCP, Host: host, Port: port})
	require.NoError(t, err)
	require.NoError(t, tr.Connect(context.Background()))
	defer tr.Close()

	resp, err := tr.SendAndReceive([]byte("ping"), 500*time.Millisecond)
	require.NoError(t, err)
	require.Equal(t, []byte("ping"), resp)
}

func TestTCPConnectRefusedClassified(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	host, portStr, err := net.SplitHostPort(ln.Addr().String())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	ln.Close() // nobody listens now

	tr, err := New(Config{Kind: KindTCP, Host: host, Port: port, ConnectTimeout: time.Second})
	require.NoError(t, err)
	err = tr.Connect(context.Background())
	require.Error(t, err)
	require.True(t, ferrors.Is(err, ferrors.KindConnectionRefused))
}

func TestUDPSendAndReceiveEchoes(t *testing.T) {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 0})
	require.NoError(t, err)
	defer conn.Close()

	go func() {
		buf := make([]byte, 4096)
		n, addr, err := conn.ReadFromUDP(buf)
		if err != nil {
			return
		}
		conn.WriteToUDP(buf[:n], addr)
	}()

	host, portStr, err := net.SplitHostPort(conn.LocalAddr().String())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	tr, err := New(Config{Kind: KindUDP, Host: host, Port: port})
	require.NoError(t, err)
	require.NoError(t, tr.Connect(context.Background()))
	defer tr.Close()

	resp, err := tr.SendAndReceive([]byte("ohai"), 500*time.Millisecond)
	require.NoError(t, err)
	require.Equal(t, []byte("ohai"), resp)
}
