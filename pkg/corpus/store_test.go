package corpus

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/protofuzz/pkg/record"
	"github.com/stretchr/testify/require"
)

func TestAddSeedDedupsByContent(t *testing.T) {
	s, err := Open(Config{RootDir: t.TempDir()})
	require.NoError(t, err)

	h1, added1, err := s.AddSeed([]byte("hello"))
	require.NoError(t, err)
	require.True(t, added1)

	h2, added2, err := s.AddSeed([]byte("hello"))
	require.NoError(t, err)
	require.False(t, added2)
	require.Equal(t, h1, h2)
}

func TestGetSeedLoadsFromDiskOnCacheMiss(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(Config{RootDir: dir, SeedCacheMaxSize: 1})
	require.NoError(t, err)

	hA, _, err := s.AddSeed([]byte("AAAA"))
	require.NoError(t, err)
	_, _, err = s.AddSeed([]byte("BBBB")) // evicts AAAA from a cap-1 cache
	require.NoError(t, err)

	got, err := s.GetSeed(hA)
	require.NoError(t, err)
	require.Equal(t, []byte("AAAA"), got)
}

func TestGetAllSeedIDsEnumeratesDisk(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(Config{RootDir: dir})
	require.NoError(t, err)

	s.AddSeed([]byte("one"))
	s.AddSeed([]byte("two"))

	ids, err := s.GetAllSeedIDs()
	require.NoError(t, err)
	require.Len(t, ids, 2)
}

func TestSaveFindingWritesAllArtifacts(t *testing.T) {
	root := t.TempDir()
	f := Finding{
		ID:        "finding-1",
		SessionID: "sess-1",
		Timestamp: time.Now(),
		Result:    record.ResultCrash,
		Severity:  "high",
		Error:     "connection reset",
	}
	require.NoError(t, SaveFinding(root, f, []byte("input"), []byte("resp")))

	dir := filepath.Join(root, "crashes", "finding-1")
	for _, name := range []string{"input.bin", "response.bin", "report.json", "report.msgpack"} {
		_, err := os.Stat(filepath.Join(dir, name))
		require.NoError(t, err, name)
	}
}
