package vmap

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vledger/digest"
)

// frozenWith 用指定算法建一棵 n 个叶子的树，返回冻结的版本和根哈希
func frozenWith(t *testing.T, name string, dig *digest.Digester, prefix string, n int) (*VirtualMap, []byte) {
	t.Helper()
	m, err := NewWithDigester(name, testConfig(), newMemStore(t, name), dig)
	require.NoError(t, err)
	t.Cleanup(m.Close)
	for i := 0; i < n; i++ {
		put(t, m, fmt.Sprintf("%s-%03d", prefix, i), fmt.Sprintf("%s-%d", name, i))
	}
	frozen := m
	_, err = m.Copy()
	require.NoError(t, err)
	t.Cleanup(frozen.Release)
	root, err := frozen.Hash()
	require.NoError(t, err)
	return frozen, root
}

// rebuild 把 teacher 的全部叶子交给以 orig 为底的 ReconnectTarget
func rebuild(t *testing.T, orig, teacher *VirtualMap, flushInterval int) *ReconnectTarget {
	t.Helper()
	target, err := NewReconnectTarget(orig, newMemStore(t, orig.Name()+"-work"), flushInterval)
	require.NoError(t, err)
	meta := teacher.Metadata()
	require.NoError(t, target.SetLeafRange(meta.FirstLeafPath, meta.LastLeafPath))
	for p := meta.FirstLeafPath; p <= meta.LastLeafPath; p++ {
		rec := teacher.Records().FindLeafRecord(p)
		require.NotNil(t, rec, "leaf %d", p)
		require.NoError(t, target.ReceiveLeaf(rec))
	}
	return target
}

func TestReconnectTarget_KeepsDigester(t *testing.T) {
	// 配置里是 sha384，两棵树都显式用 blake3
	dig := digest.MustNew("blake3")
	require.NotEqual(t, testConfig().DigestAlgorithm, dig.Name())
	teacher, want := frozenWith(t, "teacher", dig, "k", 40)
	orig, _ := frozenWith(t, "learner", dig, "old", 15)
	before := orig.Reservations()

	target := rebuild(t, orig, teacher, 0)
	m, err := target.Finish(want)
	require.NoError(t, err)
	defer m.Close()

	assert.Same(t, dig, m.Digester())
	got, err := m.Hash()
	require.NoError(t, err)
	assert.Equal(t, want, got)
	assert.Equal(t, 15, target.StaleKeys())
	assert.Equal(t, before, orig.Reservations())
	assert.Len(t, got, dig.Size())
}

func TestReconnectTarget_FlushInterval(t *testing.T) {
	dig := digest.MustNew(testConfig().DigestAlgorithm)
	teacher, want := frozenWith(t, "teacher", dig, "k", 200)

	for _, tc := range []struct {
		interval int
		flushes  bool
	}{
		{interval: 0, flushes: false},
		{interval: 16, flushes: true},
	} {
		t.Run(fmt.Sprintf("interval=%d", tc.interval), func(t *testing.T) {
			orig, _ := frozenWith(t, "learner", dig, "k", 0)
			target := rebuild(t, orig, teacher, tc.interval)
			m, err := target.Finish(want)
			require.NoError(t, err)
			defer m.Close()

			// 间隔为 0 时所有叶子和哈希只在 Finish 末尾写一次
			if tc.flushes {
				assert.Greater(t, target.IntermediateFlushes(), 0)
			} else {
				assert.Zero(t, target.IntermediateFlushes())
			}
			assert.Equal(t, uint64(200), target.ReceivedLeaves())
			got, err := m.Hash()
			require.NoError(t, err)
			assert.Equal(t, want, got)
		})
	}
}

func TestReconnectTarget_RootMismatchReleasesOriginal(t *testing.T) {
	dig := digest.MustNew(testConfig().DigestAlgorithm)
	teacher, want := frozenWith(t, "teacher", dig, "k", 30)
	orig, _ := frozenWith(t, "learner", dig, "k", 10)
	before := orig.Reservations()

	target := rebuild(t, orig, teacher, 4)
	assert.Equal(t, before+1, orig.Reservations())
	bad := append([]byte(nil), want...)
	bad[0] ^= 0xff
	_, err := target.Finish(bad)
	assert.ErrorIs(t, err, ErrRootMismatch)
	assert.Equal(t, before, orig.Reservations())

	_, err = target.Finish(want)
	assert.ErrorIs(t, err, ErrClosed)
	target.Abort()
	assert.Equal(t, before, orig.Reservations())
}
