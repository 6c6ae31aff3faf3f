package protocol

import (
	"encoding/binary"
	"hash/crc32"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
)

func echoModel() *DataModel {
	no := false
	return &DataModel{Blocks: []Block{
		{Name: "magic", Type: TypeBytes, Size: 4, Default: []byte("STCP"), Mutable: &no},
		{Name: "length", Type: TypeUint32, Endian: BigEndian, IsSizeField: true, SizeOf: []string{"payload"}},
		{Name: "payload", Type: TypeBytes, MaxSize: 1024},
	}}
}

// Scenario 1 (spec §8): minimal TCP echo.
func TestSerializeEchoScenario(t *testing.T) {
	model := echoModel()
	buf, err := Serialize(model, FieldMap{"payload": []byte("HELLO")}, SerializeOptions{})
	require.NoError(t, err)
	require.Equal(t, []byte{
		0x53, 0x54, 0x43, 0x50,
		0x00, 0x00, 0x00, 0x05,
		0x48, 0x45, 0x4C, 0x4C, 0x4F,
	}, buf)

	parsed, err := Parse(model, buf)
	require.NoError(t, err)
	require.Equal(t, string(parsed["magic"].([]byte)), "STCP")
	require.Equal(t, int64(5), parsed["length"])
	require.Equal(t, []byte("HELLO"), parsed["payload"])
}

// Scenario 2 (spec §8): checksum auto-fix with sum16/before.
func TestSerializeChecksumScenario(t *testing.T) {
	model := echoModel()
	model.Blocks = append(model.Blocks, Block{
		Name: "checksum", Type: TypeUint16, Endian: BigEndian,
		IsChecksum: true, Algorithm: ChecksumSum16, Scope: ScopeBefore,
	})
	buf, err := Serialize(model, FieldMap{"payload": []byte("ABC")}, SerializeOptions{})
	require.NoError(t, err)

	var want uint32
	for _, b := range buf[:len(buf)-2] {
		want += uint32(b)
	}
	want &= 0xFFFF
	got := uint32(buf[len(buf)-2])<<8 | uint32(buf[len(buf)-1])
	require.Equal(t, want, got)
}

// spec §8 universal invariant: parse(serialize(m)) == m modulo auto-computed fields.
func TestRoundTripFixedPoint(t *testing.T) {
	model := echoModel()
	buf, err := Serialize(model, FieldMap{"payload": []byte("roundtrip-data")}, SerializeOptions{})
	require.NoError(t, err)

	parsed, err := Parse(model, buf)
	require.NoError(t, err)

	buf2, err := Serialize(model, parsed, SerializeOptions{})
	require.NoError(t, err)
	if diff := cmp.Diff(buf, buf2); diff != "" {
		t.Fatalf("serialize(parse(x)) != x (-want +got):\n%s", diff)
	}
}

func TestBitsFieldLittleEndianRoundTrip(t *testing.T) {
	model := &DataModel{Blocks: []Block{
		{Name: "flags", Type: TypeBits, Size: 16, BitOrder: MSBFirst, Endian: LittleEndian},
	}}
	buf, err := Serialize(model, FieldMap{"flags": int64(0x1234)}, SerializeOptions{})
	require.NoError(t, err)

	parsed, err := Parse(model, buf)
	require.NoError(t, err)
	require.Equal(t, int64(0x1234), parsed["flags"])

	buf2, err := Serialize(model, parsed, SerializeOptions{})
	require.NoError(t, err)
	require.Equal(t, buf, buf2)
}

func TestTruncatedParseFails(t *testing.T) {
	model := echoModel()
	_, err := Parse(model, []byte{0x53, 0x54})
	require.Error(t, err)
}

// spec §8: signed integer fields must sign-extend, not zero-extend.
func TestSignedIntegerRoundTrip(t *testing.T) {
	model := &DataModel{Blocks: []Block{
		{Name: "a", Type: TypeInt8, Endian: BigEndian},
		{Name: "b", Type: TypeInt16, Endian: BigEndian},
		{Name: "c", Type: TypeInt32, Endian: BigEndian},
	}}
	in := FieldMap{"a": int64(-5), "b": int64(-1000), "c": int64(-70000)}
	buf, err := Serialize(model, in, SerializeOptions{})
	require.NoError(t, err)

	parsed, err := Parse(model, buf)
	require.NoError(t, err)
	require.Equal(t, in["a"], parsed["a"])
	require.Equal(t, in["b"], parsed["b"])
	require.Equal(t, in["c"], parsed["c"])
}

// spec §8: crc32/adler32 checksum fields are 4 bytes wide, not 2.
func TestSerializeCRC32ChecksumWidth(t *testing.T) {
	model := echoModel()
	model.Blocks = append(model.Blocks, Block{
		Name: "checksum", Type: TypeUint32, Endian: BigEndian,
		IsChecksum: true, Algorithm: ChecksumCRC32, Scope: ScopeBefore,
	})
	buf, err := Serialize(model, FieldMap{"payload": []byte("ABC")}, SerializeOptions{})
	require.NoError(t, err)

	want := crc32.ChecksumIEEE(buf[:len(buf)-4])
	got := binary.BigEndian.Uint32(buf[len(buf)-4:])
	require.Equal(t, want, got)

	parsed, err := Parse(model, buf)
	require.NoError(t, err)
	require.Equal(t, int64(want), parsed["checksum"])
}
