package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vledger/treepath"
)

func TestLeafValueEncoding(t *testing.T) {
	rec := NewLeafRecord(7, []byte("account-1"), []byte("balance=10"))
	got, err := DecodeLeafValue(7, EncodeLeafValue(rec))
	require.NoError(t, err)
	assert.True(t, rec.Equal(got))

	empty := NewLeafRecord(3, []byte("k"), nil)
	got, err = DecodeLeafValue(3, EncodeLeafValue(empty))
	require.NoError(t, err)
	assert.Empty(t, got.Value)
}

func TestLeafValueCorrupt(t *testing.T) {
	data := EncodeLeafValue(NewLeafRecord(1, []byte("key"), []byte("value")))
	_, err := DecodeLeafValue(1, data[:len(data)-1])
	assert.ErrorIs(t, err, ErrCorruptRecord)

	_, err = DecodeLeafValue(1, append(data, 0x00))
	assert.ErrorIs(t, err, ErrCorruptRecord)
}

func TestMetadata(t *testing.T) {
	m := EmptyMetadata()
	assert.True(t, m.IsEmpty())
	assert.False(t, m.Contains(treepath.Root))
	require.NoError(t, m.Validate())

	m = Metadata{FirstLeafPath: 2, LastLeafPath: 4}
	assert.Equal(t, int64(3), m.Size())
	assert.True(t, m.IsLeaf(3))
	assert.False(t, m.IsLeaf(1))
	assert.True(t, m.Contains(1))
	require.NoError(t, m.Validate())

	back, err := DecodeMetadata(EncodeMetadata(m))
	require.NoError(t, err)
	assert.Equal(t, m, back)

	bad := Metadata{FirstLeafPath: 2, LastLeafPath: 3}
	assert.Error(t, bad.Validate())
}
