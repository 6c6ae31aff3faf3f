package orchestrator

import (
	"context"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/google/protofuzz/pkg/ferrors"
	"github.com/google/protofuzz/pkg/history"
	"github.com/google/protofuzz/pkg/mutation"
	"github.com/google/protofuzz/pkg/sessionstore"
	"github.com/google/protofuzz/pkg/transport"
)

func newOrchestratorForTest(t *testing.T) *Orchestrator {
	t.Helper()
	sessions, err := sessionstore.Open(filepath.Join(t.TempDir(), "sessions.db"))
	require.NoError(t, err)
	t.Cleanup(func() { sessions.Close() })

	hist, err := history.Open(filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)
	t.Cleanup(hist.Flush)

	return New(Deps{Sessions: sessions, History: hist, CorpusRoot: t.TempDir()})
}

func echoTCPServer(t *testing.T) (host string, port int) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				buf := make([]byte, 4096)
				for {
					n, err := c.Read(buf)
					if n > 0 {
						c.Write(buf[:n])
					}
					if err != nil {
						return
					}
				}
			}(conn)
		}
	}()

	addr := ln.Addr().(*net.TCPAddr)
	return "127.0.0.1", addr.Port
}

func simpleConfig(sessionID, host string, port int) Config {
	model := pingModel()
	return Config{
		SessionID:    sessionID,
		ProtocolName: "echo",
		Target:       Target{Host: host, Port: port, Transport: transport.KindTCP},
		Plugin: PluginSpec{
			Name:      "echo",
			DataModel: model,
			Seeds: [][]byte{
				{1, 0, 0, 0, 0, 0, 0, 1, 'a'},
			},
		},
		Mutation:            mutation.Config{Mode: mutation.ModeByteLevel},
		ExecutionMode:       ExecutionCore,
		CheckpointFrequency: 1,
		TestTimeout:         2 * time.Second,
	}
}

func TestCreateSessionSeedsCorpusAndPersists(t *testing.T) {
	o := newOrchestratorForTest(t)
	cfg := simpleConfig("sess-create", "127.0.0.1", 1)

	sess, err := o.CreateSession(cfg)
	require.NoError(t, err)
	require.Equal(t, StatusIdle, sess.Status)

	view, ok := o.Get("sess-create")
	require.True(t, ok)
	require.Equal(t, "sess-create", view.SessionID)
	require.Equal(t, StatusIdle, view.Status)

	_, _, ok = o.get("sess-create")
	require.True(t, ok)
}

func TestGetUnknownSessionReturnsFalse(t *testing.T) {
	o := newOrchestratorForTest(t)
	_, ok := o.Get("nope")
	require.False(t, ok)
}

func TestStartRunStopSessionAgainstEchoServer(t *testing.T) {
	host, port := echoTCPServer(t)
	o := newOrchestratorForTest(t)
	cfg := simpleConfig("sess-run", host, port)

	_, err := o.CreateSession(cfg)
	require.NoError(t, err)

	require.NoError(t, o.StartSession(context.Background(), "sess-run", 1, 2))

	require.Eventually(t, func() bool {
		view, ok := o.Get("sess-run")
		return ok && view.TotalTests > 0
	}, 2*time.Second, 20*time.Millisecond)

	require.NoError(t, o.StopSession(context.Background(), "sess-run"))

	view, ok := o.Get("sess-run")
	require.True(t, ok)
	require.Equal(t, StatusCompleted, view.Status)
	require.Greater(t, view.TotalTests, int64(0))
}

func TestStopUnknownSessionErrors(t *testing.T) {
	o := newOrchestratorForTest(t)
	err := o.StopSession(context.Background(), "nope")
	require.Error(t, err)
}

func TestDeleteSessionRemovesFromStoreAndMemory(t *testing.T) {
	o := newOrchestratorForTest(t)
	cfg := simpleConfig("sess-delete", "127.0.0.1", 1)
	_, err := o.CreateSession(cfg)
	require.NoError(t, err)

	require.NoError(t, o.DeleteSession(context.Background(), "sess-delete"))

	_, ok := o.Get("sess-delete")
	require.False(t, ok)
}

func TestStartSessionUnknownIDErrors(t *testing.T) {
	o := newOrchestratorForTest(t)
	err := o.StartSession(context.Background(), "ghost", 1, 1)
	require.Error(t, err)
}

// spec §6 MAX_CONCURRENT_SESSIONS (default 1): a second start is rejected
// while the first is still running, and succeeds once it is stopped.
func TestStartSessionEnforcesMaxConcurrentSessions(t *testing.T) {
	host, port := echoTCPServer(t)
	o := newOrchestratorForTest(t)

	_, err := o.CreateSession(simpleConfig("sess-a", host, port))
	require.NoError(t, err)
	_, err = o.CreateSession(simpleConfig("sess-b", host, port))
	require.NoError(t, err)

	require.NoError(t, o.StartSession(context.Background(), "sess-a", 1, 2))

	err = o.StartSession(context.Background(), "sess-b", 1, 2)
	require.Error(t, err)
	require.True(t, ferrors.Is(err, ferrors.KindSessionLimit))

	require.NoError(t, o.StopSession(context.Background(), "sess-a"))
	require.NoError(t, o.StartSession(context.Background(), "sess-b", 1, 2))
	require.NoError(t, o.StopSession(context.Background(), "sess-b"))
}
