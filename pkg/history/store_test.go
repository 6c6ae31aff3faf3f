package history

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/google/protofuzz/pkg/record"
	"github.com/stretchr/testify/require"
)

func TestStoreRecordAndListMergesCache(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(filepath.Join(dir, "history.db"))
	require.NoError(t, err)
	defer s.Close()

	for i := int64(1); i <= 3; i++ {
		s.Record(record.Execution{
			SessionID:      "sess-1",
			SequenceNumber: i,
			TimestampSent:  time.Now(),
			Result:         record.ResultPass,
		})
	}

	got, err := s.List("sess-1", 0, 10)
	require.NoError(t, err)
	require.Len(t, got, 3)
	require.Equal(t, int64(1), got[0].SequenceNumber)
}

func TestStoreFlushPersistsAndFindBySequence(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(filepath.Join(dir, "history.db"))
	require.NoError(t, err)
	defer s.Close()

	s.Record(record.Execution{SessionID: "sess-1", SequenceNumber: 7, TimestampSent: time.Now(), Result: record.ResultCrash})
	s.Flush()

	got, ok, err := s.FindBySequence("sess-1", 7)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, record.ResultCrash, got.Result)
}

func TestStoreTotalCount(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(filepath.Join(dir, "history.db"))
	require.NoError(t, err)
	defer s.Close()

	for i := int64(1); i <= 5; i++ {
		s.Record(record.Execution{SessionID: "sess-1", SequenceNumber: i, TimestampSent: time.Now()})
	}
	s.Flush()
	n, err := s.TotalCount("sess-1")
	require.NoError(t, err)
	require.Equal(t, int64(5), n)
}
