package orchestrator

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/google/protofuzz/pkg/corpus"
	"github.com/google/protofuzz/pkg/ferrors"
)

func errReceiveTimeout() error {
	return ferrors.New(ferrors.KindReceiveTimeout, "receive timed out", nil)
}

func errGeneric() error {
	return ferrors.New(ferrors.KindTransport, "connection reset", nil)
}

func newCorpusForTest(t *testing.T) *corpus.Store {
	t.Helper()
	store, err := corpus.Open(corpus.Config{RootDir: filepath.Join(t.TempDir(), "corpus")})
	require.NoError(t, err)
	return store
}
