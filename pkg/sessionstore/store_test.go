package sessionstore

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

type fakeSessionState struct {
	Status     string `json:"status"`
	TotalTests int64  `json:"total_tests"`
}

func TestSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(filepath.Join(dir, "sessions.db"))
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Save("sess-1", 1, fakeSessionState{Status: "running", TotalTests: 42}))

	var out fakeSessionState
	ok, err := s.Load("sess-1", &out)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "running", out.Status)
	require.Equal(t, int64(42), out.TotalTests)
}

func TestLoadAllReturnsEverySession(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(filepath.Join(dir, "sessions.db"))
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Save("a", 1, fakeSessionState{Status: "idle"}))
	require.NoError(t, s.Save("b", 1, fakeSessionState{Status: "running"}))

	all, err := s.LoadAll()
	require.NoError(t, err)
	require.Len(t, all, 2)
}

func TestDeleteRemovesSession(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(filepath.Join(dir, "sessions.db"))
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Save("a", 1, fakeSessionState{}))
	require.NoError(t, s.Delete("a"))

	var out fakeSessionState
	ok, err := s.Load("a", &out)
	require.NoError(t, err)
	require.False(t, ok)
}
