package agent

import (
	"testing"
	"time"

	"github.com/google/protofuzz/pkg/record"
	"github.com/stretchr/testify/require"
)

func TestEnqueueGetNextCaseHandleResultRoundTrip(t *testing.T) {
	d := New()
	corrID, wait := d.Enqueue("target-a", "sess-1", []byte("payload"), nil)
	require.NotEmpty(t, corrID)

	item, ok := d.GetNextCase("agent-1", "target-a")
	require.True(t, ok)
	require.Equal(t, corrID, item.CorrelationID)

	require.NoError(t, d.HandleResult("agent-1", Result{CorrelationID: corrID, ResultKind: record.ResultPass}))

	select {
	case res := <-wait:
		require.Equal(t, record.ResultPass, res.ResultKind)
	case <-time.After(time.Second):
		t.Fatal("result never delivered")
	}
}

func TestHandleResultUnknownCorrelationErrors(t *testing.T) {
	d := New()
	err := d.HandleResult("agent-1", Result{CorrelationID: "nonexistent"})
	require.Error(t, err)
}

func TestDiscardSessionDropsQueuedAndPending(t *testing.T) {
	d := New()
	_, wait := d.Enqueue("target-a", "sess-1", []byte("x"), nil)
	d.DiscardSession("sess-1")

	_, ok := d.GetNextCase("agent-1", "target-a")
	require.False(t, ok)

	_, stillOpen := <-wait
	require.False(t, stillOpen)
}
