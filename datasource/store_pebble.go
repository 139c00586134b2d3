package datasource

import (
	"errors"
	"io"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
)

type pebbleReadable interface {
	Get(key []byte) ([]byte, io.Closer, error)
	NewIter(o *pebble.IterOptions) (*pebble.Iterator, error)
}

type pebbleStore struct {
	db        *pebble.DB
	writeSync *pebble.WriteOptions
}

func newPebbleStore(path string, inMemory, syncWrites bool) (kvStore, error) {
	opts := &pebble.Options{
		MaxOpenFiles: 500,
	}
	if inMemory {
		opts.FS = vfs.NewMem()
		path = ""
	}
	db, err := pebble.Open(path, opts)
	if err != nil {
		return nil, err
	}
	ws := pebble.NoSync
	if syncWrites {
		ws = pebble.Sync
	}
	return &pebbleStore{db: db, writeSync: ws}, nil
}

type pebbleReader struct {
	src pebbleReadable
}

func (r *pebbleReader) Get(key []byte) ([]byte, error) {
	v, closer, err := r.src.Get(key)
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return nil, ErrKVNotFound
		}
		return nil, err
	}
	defer closer.Close()
	return append([]byte(nil), v...), nil
}

func (r *pebbleReader) IteratePrefix(prefix []byte, fn func(key []byte, value []byte) error) error {
	iter, err := r.src.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: prefixUpperBound(prefix),
	})
	if err != nil {
		return err
	}
	defer iter.Close()

	for ok := iter.First(); ok; ok = iter.Next() {
		key := append([]byte(nil), iter.Key()...)
		val := append([]byte(nil), iter.Value()...)
		if err := fn(key, val); err != nil {
			return err
		}
	}
	return iter.Error()
}

type pebbleWriter struct {
	batch *pebble.Batch
}

func (w *pebbleWriter) Set(key []byte, value []byte) error {
	return w.batch.Set(key, value, nil)
}

func (w *pebbleWriter) Delete(key []byte) error {
	return w.batch.Delete(key, nil)
}

func (s *pebbleStore) Get(key []byte) ([]byte, error) {
	return (&pebbleReader{src: s.db}).Get(key)
}

func (s *pebbleStore) View(fn func(tx kvReader) error) error {
	snap := s.db.NewSnapshot()
	defer snap.Close()
	return fn(&pebbleReader{src: snap})
}

func (s *pebbleStore) Update(fn func(tx kvWriter) error) error {
	batch := s.db.NewBatch()
	defer batch.Close()
	if err := fn(&pebbleWriter{batch: batch}); err != nil {
		return err
	}
	return batch.Commit(s.writeSync)
}

func (s *pebbleStore) Close() error {
	return s.db.Close()
}
