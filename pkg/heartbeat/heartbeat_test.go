package heartbeat

import (
	"context"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/google/protofuzz/pkg/connmgr"
	"github.com/google/protofuzz/pkg/protocontext"
	"github.com/google/protofuzz/pkg/protocol"
	"github.com/google/protofuzz/pkg/transport"
	"github.com/stretchr/testify/require"
)

func pingModel() *protocol.DataModel {
	return &protocol.DataModel{Blocks: []protocol.Block{
		{Name: "ping", Type: protocol.TypeBytes, Default: []byte("PING")},
	}}
}

func TestSchedulerTicksAndSendsHeartbeat(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	received := make(chan []byte, 4)
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				buf := make([]byte, 64)
				n, err := conn.Read(buf)
				if err != nil {
					return
				}
				received <- append([]byte(nil), buf[:n]...)
				conn.Write(buf[:n])
			}()
		}
	}()
	host, portStr, err := net.SplitHostPort(ln.Addr().String())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	factory := func() (transport.Transport, error) {
		return transport.New(transport.Config{Kind: transport.KindTCP, Host: host, Port: port})
	}
	cm := connmgr.New(connmgr.Config{Mode: connmgr.ModeSession}, factory, nil)

	cfg := Config{
		Enabled:        true,
		IntervalMs:     10,
		DataModel:      pingModel(),
		ExpectResponse: true,
	}
	sched := New("s1", cfg, cm, protocontext.New(), nil, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	sched.Run(ctx)

	select {
	case got := <-received:
		require.Equal(t, []byte("PING"), got)
	case <-time.After(time.Second):
		t.Fatal("heartbeat never reached the server")
	}
	require.Equal(t, StatusStopped, sched.Status())
}

func TestSchedulerDisabledNeverTicks(t *testing.T) {
	sched := New("s1", Config{Enabled: false}, nil, nil, nil, nil)
	require.Equal(t, StatusDisabled, sched.Status())
	sched.Run(context.Background()) // returns immediately
}
