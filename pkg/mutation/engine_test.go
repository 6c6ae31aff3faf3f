package mutation

import (
	"testing"

	"github.com/google/protofuzz/pkg/protocol"
	"github.com/stretchr/testify/require"
)

func echoModelForTest() *protocol.DataModel {
	no := false
	return &protocol.DataModel{Blocks: []protocol.Block{
		{Name: "magic", Type: protocol.TypeBytes, Size: 4, Default: []byte("STCP"), Mutable: &no},
		{Name: "length", Type: protocol.TypeUint32, Endian: protocol.BigEndian, IsSizeField: true, SizeOf: []string{"payload"}},
		{Name: "payload", Type: protocol.TypeBytes, MaxSize: 1024},
	}}
}

func TestEngineEmptyInputPassesThrough(t *testing.T) {
	e := NewEngine(1, nil, Config{Mode: ModeByteLevel}, nil)
	require.Empty(t, e.Mutate(nil, nil))
}

func TestEngineByteLevelNeverEmpty(t *testing.T) {
	e := NewEngine(1, nil, Config{Mode: ModeByteLevel}, nil)
	for i := 0; i < 50; i++ {
		out := e.Mutate([]byte{0x01, 0x02, 0x03}, nil)
		require.NotEmpty(t, out)
	}
}

func TestEngineStructureAwarePreservesParseability(t *testing.T) {
	model := echoModelForTest()
	seed, err := protocol.Serialize(model, protocol.FieldMap{"payload": []byte("HELLO")}, protocol.SerializeOptions{})
	require.NoError(t, err)

	e := NewEngine(7, model, Config{Mode: ModeStructureAware}, nil)
	for i := 0; i < 20; i++ {
		out := e.Mutate(seed, nil)
		require.NotEmpty(t, out)
		_, err := protocol.Parse(model, out)
		require.NoError(t, err)
	}
}

func TestEngineDegradesWithoutModel(t *testing.T) {
	e := NewEngine(3, nil, Config{Mode: ModeStructureAware}, nil)
	out := e.Mutate([]byte("hello"), nil)
	require.NotEmpty(t, out)
}

func TestEngineHybridRespectsWeight(t *testing.T) {
	model := echoModelForTest()
	seed, err := protocol.Serialize(model, protocol.FieldMap{"payload": []byte("HELLO")}, protocol.SerializeOptions{})
	require.NoError(t, err)

	e := NewEngine(9, model, Config{Mode: ModeHybrid, StructureAwareWeight: 100}, nil)
	out := e.Mutate(seed, nil)
	require.NotEmpty(t, out)
}
