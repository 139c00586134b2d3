package reconnect

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"
)

func TestWire_FrameRoundTrip(t *testing.T) {
	msgs := []*message{
		{Type: msgHello, Mode: "push", Session: "abc"},
		{Type: msgRoot, First: -1, Last: -1, Hash: []byte{1, 2, 3}},
		{Type: msgLesson, Path: 5, Kind: lessonInternal, Hashes: [][]byte{{9}, {8, 7}}},
		{Type: msgResponse, Path: 12, Kind: respLeaf, Key: []byte("k"), Value: []byte{}},
		{Type: msgAck, Path: 3, Has: true},
	}

	var buf bytes.Buffer
	w := bufio.NewWriter(&buf)
	for _, m := range msgs {
		require.NoError(t, writeFrame(w, m.marshal()))
	}
	require.NoError(t, w.Flush())

	r := bufio.NewReader(&buf)
	for _, want := range msgs {
		frame, err := readFrame(r)
		require.NoError(t, err)
		got, err := unmarshalMessage(frame)
		require.NoError(t, err)
		assert.Equal(t, want.Type, got.Type)
		assert.Equal(t, want.Path, got.Path)
		assert.Equal(t, want.Mode, got.Mode)
		assert.Equal(t, want.Hashes, got.Hashes)
		assert.Equal(t, want.Has, got.Has)
		if want.Type == msgRoot {
			assert.Equal(t, want.First, got.First)
			assert.Equal(t, want.Last, got.Last)
		}
	}
}

func TestWire_RejectsOversizedFrame(t *testing.T) {
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], MaxFrameSize+1)
	_, err := readFrame(bufio.NewReader(bytes.NewReader(hdr[:])))
	assert.ErrorIs(t, err, ErrProtocol)

	w := bufio.NewWriter(&bytes.Buffer{})
	assert.ErrorIs(t, writeFrame(w, make([]byte, MaxFrameSize+1)), ErrProtocol)
}

func TestWire_RejectsUnknownType(t *testing.T) {
	b := protowire.AppendTag(nil, fieldType, protowire.VarintType)
	b = protowire.AppendVarint(b, 99)
	_, err := unmarshalMessage(b)
	assert.ErrorIs(t, err, ErrProtocol)

	_, err = unmarshalMessage([]byte{0xff})
	assert.ErrorIs(t, err, ErrProtocol)
}

func TestWire_SkipsUnknownFields(t *testing.T) {
	b := (&message{Type: msgEnd}).marshal()
	b = protowire.AppendTag(b, 99, protowire.Fixed64Type)
	b = protowire.AppendFixed64(b, 42)
	m, err := unmarshalMessage(b)
	require.NoError(t, err)
	assert.Equal(t, msgEnd, m.Type)
}
