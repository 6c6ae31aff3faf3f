package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func runSessionBriefly(t *testing.T, o *Orchestrator, id string, host string, port int) {
	t.Helper()
	cfg := simpleConfig(id, host, port)
	_, err := o.CreateSession(cfg)
	require.NoError(t, err)
	require.NoError(t, o.StartSession(context.Background(), id, 1, 2))

	require.Eventually(t, func() bool {
		view, ok := o.Get(id)
		return ok && view.TotalTests >= 3
	}, 2*time.Second, 20*time.Millisecond)

	require.NoError(t, o.StopSession(context.Background(), id))
}

func TestReplayStoredModeResendsExactBytes(t *testing.T) {
	host, port := echoTCPServer(t)
	o := newOrchestratorForTest(t)
	runSessionBriefly(t, o, "sess-replay-stored", host, port)

	results, err := o.Replay(context.Background(), "sess-replay-stored", ReplayRequest{
		Mode: ReplayStored, FromSeq: 1, ToSeq: 3,
	})
	require.NoError(t, err)
	require.NotEmpty(t, results)
	for _, r := range results {
		require.Equal(t, ReplaySuccess, r.Outcome)
		require.True(t, r.ResponseMatches, "sequence %d: original %q != replayed %q", r.SequenceNumber, r.OriginalPreview, r.ReplayedPreview)
	}
}

func TestReplaySkipModeSendsRawBytesWithNoBootstrap(t *testing.T) {
	host, port := echoTCPServer(t)
	o := newOrchestratorForTest(t)
	runSessionBriefly(t, o, "sess-replay-skip", host, port)

	results, err := o.Replay(context.Background(), "sess-replay-skip", ReplayRequest{
		Mode: ReplaySkip, FromSeq: 1, ToSeq: 1,
	})
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Equal(t, ReplaySuccess, results[0].Outcome)
}

func TestReplayUnknownSessionErrors(t *testing.T) {
	o := newOrchestratorForTest(t)
	_, err := o.Replay(context.Background(), "nope", ReplayRequest{Mode: ReplaySkip, FromSeq: 1, ToSeq: 1})
	require.Error(t, err)
}

func TestReplayEmptyRangeReturnsNoResults(t *testing.T) {
	host, port := echoTCPServer(t)
	o := newOrchestratorForTest(t)
	runSessionBriefly(t, o, "sess-replay-empty", host, port)

	results, err := o.Replay(context.Background(), "sess-replay-empty", ReplayRequest{
		Mode: ReplaySkip, FromSeq: 9000, ToSeq: 9010,
	})
	require.NoError(t, err)
	require.Empty(t, results)
}
