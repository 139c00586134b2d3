package digest

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAlgorithms(t *testing.T) {
	sizes := map[string]int{"sha256": 32, "sha384": 48, "sha3-256": 32, "keccak256": 32, "blake3": 32}
	for name, size := range sizes {
		d, err := New(name)
		require.NoError(t, err, name)
		assert.Equal(t, size, d.Size(), name)
		assert.Len(t, d.Leaf([]byte("k"), []byte("v")), size, name)
		assert.Len(t, d.EmptyRoot(), size, name)
	}
	_, err := New("md5")
	assert.Error(t, err)
}

func TestDomainSeparation(t *testing.T) {
	d := MustNew("sha256")
	left := d.Leaf([]byte("a"), []byte("1"))
	right := d.Leaf([]byte("b"), []byte("2"))

	assert.NotEqual(t, d.Internal(left, right), d.Internal(right, left))
	assert.NotEqual(t, d.Internal(left, nil), d.Internal(left, right))
	assert.NotEqual(t, d.Leaf(nil, nil), d.EmptyRoot())

	// key/value 边界不能互换
	assert.NotEqual(t, d.Leaf([]byte("ab"), []byte("c")), d.Leaf([]byte("a"), []byte("bc")))
}

func TestConcurrentUse(t *testing.T) {
	d := MustNew("blake3")
	want := d.Leaf([]byte("key"), []byte("value"))

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				assert.Equal(t, want, d.Leaf([]byte("key"), []byte("value")))
			}
		}()
	}
	wg.Wait()
}
