package datasource

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vledger/config"
	"vledger/types"
)

var backends = []string{config.BackendBadger, config.BackendPebble, config.BackendLevelDB}

func openMem(t *testing.T, backend string) *Store {
	t.Helper()
	s, err := OpenMemory("test-"+backend, backend)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func leaf(path int64, key, value string) *types.LeafRecord {
	return types.NewLeafRecord(path, []byte(key), []byte(value))
}

// 三个叶子：b@2 a@3 c@4
func threeLeafBatch() *FlushBatch {
	return &FlushBatch{
		Metadata: types.Metadata{FirstLeafPath: 2, LastLeafPath: 4},
		Hashes: []types.HashRecord{
			{Path: 0, Hash: []byte("h0")}, {Path: 1, Hash: []byte("h1")},
			{Path: 2, Hash: []byte("h2")}, {Path: 3, Hash: []byte("h3")}, {Path: 4, Hash: []byte("h4")},
		},
		Leaves: []*types.LeafRecord{leaf(2, "b", "2"), leaf(3, "a", "1"), leaf(4, "c", "3")},
	}
}

func TestStore_SaveAndLoad(t *testing.T) {
	for _, backend := range backends {
		t.Run(backend, func(t *testing.T) {
			s := openMem(t, backend)

			meta, err := s.LoadMetadata()
			require.NoError(t, err)
			assert.True(t, meta.IsEmpty())

			require.NoError(t, s.SaveRecords(threeLeafBatch()))

			meta, err = s.LoadMetadata()
			require.NoError(t, err)
			assert.Equal(t, types.Metadata{FirstLeafPath: 2, LastLeafPath: 4}, meta)

			h, err := s.LoadHash(3)
			require.NoError(t, err)
			assert.Equal(t, []byte("h3"), h)

			rec, err := s.LoadLeafByPath(4)
			require.NoError(t, err)
			assert.Equal(t, "c", string(rec.Key))

			rec, err = s.LoadLeafByKey([]byte("a"))
			require.NoError(t, err)
			assert.Equal(t, int64(3), rec.Path)
			assert.Equal(t, "1", string(rec.Value))

			p, err := s.FindPath([]byte("b"))
			require.NoError(t, err)
			assert.Equal(t, int64(2), p)

			_, err = s.LoadLeafByKey([]byte("zzz"))
			assert.ErrorIs(t, err, ErrNotFound)
			_, err = s.LoadHash(9)
			assert.ErrorIs(t, err, ErrNotFound)

			n, err := s.CountKeys()
			require.NoError(t, err)
			assert.Equal(t, 3, n)
		})
	}
}

func TestStore_ShrinkRemovesStaleRecords(t *testing.T) {
	for _, backend := range backends {
		t.Run(backend, func(t *testing.T) {
			s := openMem(t, backend)
			require.NoError(t, s.SaveRecords(threeLeafBatch()))

			// 删除 b 之后的形状：a@1 c@2
			require.NoError(t, s.SaveRecords(&FlushBatch{
				Metadata:    types.Metadata{FirstLeafPath: 1, LastLeafPath: 2},
				Hashes:      []types.HashRecord{{Path: 0, Hash: []byte("n0")}, {Path: 1, Hash: []byte("n1")}, {Path: 2, Hash: []byte("n2")}},
				Leaves:      []*types.LeafRecord{leaf(1, "a", "1"), leaf(2, "c", "3")},
				DeletedKeys: [][]byte{[]byte("b")},
			}))

			for _, p := range []int64{3, 4} {
				_, err := s.LoadHash(p)
				assert.ErrorIs(t, err, ErrNotFound, "hash %d", p)
				_, err = s.LoadLeafByPath(p)
				assert.ErrorIs(t, err, ErrNotFound, "leaf %d", p)
			}
			_, err := s.LoadLeafByKey([]byte("b"))
			assert.ErrorIs(t, err, ErrNotFound)

			rec, err := s.LoadLeafByKey([]byte("c"))
			require.NoError(t, err)
			assert.Equal(t, int64(2), rec.Path)

			var keys []string
			require.NoError(t, s.ScanLeaves(func(rec *types.LeafRecord) error {
				keys = append(keys, fmt.Sprintf("%s@%d", rec.Key, rec.Path))
				return nil
			}))
			assert.Equal(t, []string{"a@1", "c@2"}, keys)
		})
	}
}

func TestStore_ReopenFromDisk(t *testing.T) {
	for _, backend := range backends {
		t.Run(backend, func(t *testing.T) {
			cfg := config.DefaultConfig().Database
			cfg.Backend = backend
			cfg.DataDir = t.TempDir()

			s, err := Open("disk", cfg)
			require.NoError(t, err)
			require.NoError(t, s.SaveRecords(threeLeafBatch()))
			require.NoError(t, s.Close())

			s, err = Open("disk", cfg)
			require.NoError(t, err)
			defer s.Close()
			meta, err := s.LoadMetadata()
			require.NoError(t, err)
			assert.Equal(t, int64(3), meta.Size())
			rec, err := s.LoadLeafByKey([]byte("b"))
			require.NoError(t, err)
			assert.Equal(t, int64(2), rec.Path)
		})
	}
}

func TestStore_RejectsBadMetadata(t *testing.T) {
	s := openMem(t, config.BackendBadger)
	err := s.SaveRecords(&FlushBatch{Metadata: types.Metadata{FirstLeafPath: 3, LastLeafPath: 4}})
	assert.Error(t, err)
}

func TestStore_Closed(t *testing.T) {
	s, err := OpenMemory("closed", config.BackendPebble)
	require.NoError(t, err)
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
	_, err = s.LoadHash(0)
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, s.SaveRecords(threeLeafBatch()), ErrClosed)
}

func TestStore_CacheHits(t *testing.T) {
	s := openMem(t, config.BackendBadger)
	require.NoError(t, s.SaveRecords(threeLeafBatch()))
	for i := 0; i < 3; i++ {
		_, err := s.LoadHash(0)
		require.NoError(t, err)
	}
	st := s.Stats()
	assert.Equal(t, uint64(1), st.Flushes)
	assert.GreaterOrEqual(t, st.CacheHits, uint64(3))
}
