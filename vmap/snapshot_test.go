package vmap

import (
	"bytes"
	"fmt"
	"testing"

	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"

	"vledger/config"
	"vledger/datasource"
)

func TestSnapshot_RoundTrip(t *testing.T) {
	for _, n := range []int{0, 1, 2, 9000} {
		t.Run(fmt.Sprintf("n=%d", n), func(t *testing.T) {
			m := newTestMap(t, "snap")
			for i := 0; i < n; i++ {
				put(t, m, fmt.Sprintf("key-%05d", i), fmt.Sprintf("value-%d", i))
			}
			frozen := m
			_, err := m.Copy()
			require.NoError(t, err)
			defer frozen.Release()
			want, err := frozen.Hash()
			require.NoError(t, err)

			var buf bytes.Buffer
			require.NoError(t, WriteSnapshot(&buf, frozen))

			ds, err := datasource.OpenMemory("restored", config.BackendPebble)
			require.NoError(t, err)
			defer ds.Close()
			restored, err := LoadSnapshot(&buf, testConfig(), ds)
			require.NoError(t, err)
			defer restored.Close()

			got, err := restored.Hash()
			require.NoError(t, err)
			assert.Equal(t, want, got)
			assert.Equal(t, int64(n), restored.Size())
			if n > 0 {
				v, ok := restored.Get([]byte("key-00000"))
				require.True(t, ok)
				assert.Equal(t, "value-0", string(v))
			}
		})
	}
}

func TestSnapshot_DigestMismatch(t *testing.T) {
	m := newTestMap(t, "snap-digest")
	put(t, m, "a", "1")
	frozen := m
	_, err := m.Copy()
	require.NoError(t, err)
	defer frozen.Release()

	var buf bytes.Buffer
	require.NoError(t, WriteSnapshot(&buf, frozen))

	cfg := testConfig()
	cfg.DigestAlgorithm = "sha256"
	_, err = LoadSnapshot(&buf, cfg, newMemStore(t, "snap-digest-2"))
	assert.Error(t, err)
}

func TestSnapshot_Truncated(t *testing.T) {
	m := newTestMap(t, "snap-trunc")
	for i := 0; i < 5000; i++ {
		put(t, m, fmt.Sprintf("k%d", i), "v")
	}
	frozen := m
	_, err := m.Copy()
	require.NoError(t, err)
	defer frozen.Release()

	var buf bytes.Buffer
	require.NoError(t, WriteSnapshot(&buf, frozen))
	cut := bytes.NewReader(buf.Bytes()[:buf.Len()/2])
	_, err = LoadSnapshot(cut, testConfig(), newMemStore(t, "snap-trunc-2"))
	assert.Error(t, err)
}

// rewriteSnapshot 解开快照，对每个数据块调用 edit 后重新压缩
func rewriteSnapshot(t *testing.T, in []byte, edit func(c *snapshotChunk)) []byte {
	t.Helper()
	zr, err := zstd.NewReader(bytes.NewReader(in))
	require.NoError(t, err)
	defer zr.Close()
	dec := msgpack.NewDecoder(zr)

	var out bytes.Buffer
	zw, err := zstd.NewWriter(&out)
	require.NoError(t, err)
	enc := msgpack.NewEncoder(zw)

	var hdr snapshotHeader
	require.NoError(t, dec.Decode(&hdr))
	require.NoError(t, enc.Encode(&hdr))
	for {
		var c snapshotChunk
		require.NoError(t, dec.Decode(&c))
		if !c.Last {
			edit(&c)
		}
		require.NoError(t, enc.Encode(&c))
		if c.Last {
			break
		}
	}
	require.NoError(t, zw.Close())
	return out.Bytes()
}

func TestSnapshot_TamperedLeafDetected(t *testing.T) {
	m := newTestMap(t, "snap-tamper")
	for i := 0; i < 300; i++ {
		put(t, m, fmt.Sprintf("k%03d", i), "v")
	}
	frozen := m
	_, err := m.Copy()
	require.NoError(t, err)
	defer frozen.Release()

	var buf bytes.Buffer
	require.NoError(t, WriteSnapshot(&buf, frozen))

	// 内部哈希和头里的根都原样保留，只改一个叶子的值
	tampered := rewriteSnapshot(t, buf.Bytes(), func(c *snapshotChunk) {
		if len(c.Leaves) > 0 {
			c.Leaves[0].Value = []byte("forged")
		}
	})
	_, err = LoadSnapshot(bytes.NewReader(tampered), testConfig(), newMemStore(t, "snap-tamper-2"))
	assert.ErrorIs(t, err, ErrRootMismatch)

	// 不改内容时照常加载
	intact := rewriteSnapshot(t, buf.Bytes(), func(*snapshotChunk) {})
	restored, err := LoadSnapshot(bytes.NewReader(intact), testConfig(), newMemStore(t, "snap-tamper-3"))
	require.NoError(t, err)
	restored.Close()
}
