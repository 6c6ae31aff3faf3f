package stage

import (
	"context"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/google/protofuzz/pkg/connmgr"
	"github.com/google/protofuzz/pkg/protocontext"
	"github.com/google/protofuzz/pkg/protocol"
	"github.com/google/protofuzz/pkg/record"
	"github.com/google/protofuzz/pkg/transport"
	"github.com/stretchr/testify/require"
)

type fakeSink struct{ recorded []record.Execution }

func (f *fakeSink) Record(e record.Execution) { f.recorded = append(f.recorded, e) }

func helloModel() *protocol.DataModel {
	return &protocol.DataModel{Blocks: []protocol.Block{
		{Name: "greeting", Type: protocol.TypeBytes, Size: 5, Default: []byte("HELLO")},
	}}
}

func startStageEchoServer(t *testing.T) (string, int) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
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
	t.Cleanup(func() { ln.Close() })
	h, p, err := net.SplitHostPort(ln.Addr().String())
	require.NoError(t, err)
	port, err := strconv.Atoi(p)
	require.NoError(t, err)
	return h, port
}

func TestRunBootstrapRecordsNegativeSequence(t *testing.T) {
	host, port := startStageEchoServer(t)
	factory := func() (transport.Transport, error) {
		return transport.New(transport.Config{Kind: transport.KindTCP, Host: host, Port: port})
	}
	cm := connmgr.New(connmgr.Config{Mode: connmgr.ModeSession}, factory, nil)
	sink := &fakeSink{}
	r := &Runner{SessionID: "s1", Conn: cm, Ctx: protocontext.New(), Sink: sink, Timeout: time.Second}

	stages := []Stage{{
		Name:          "hello",
		Role:          RoleBootstrap,
		DataModel:     helloModel(),
		ResponseModel: helloModel(),
		Expect:        map[string]any{"greeting": "HELLO"},
	}}

	err := r.RunBootstrap(context.Background(), stages)
	require.NoError(t, err)
	require.Len(t, sink.recorded, 1)
	require.Equal(t, int64(-1), sink.recorded[0].SequenceNumber)
	require.Equal(t, record.ResultPass, sink.recorded[0].Result)
}
