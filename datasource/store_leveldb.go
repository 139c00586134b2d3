package datasource

import (
	"errors"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/iterator"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/storage"
	"github.com/syndtr/goleveldb/leveldb/util"
)

type levelStore struct {
	db        *leveldb.DB
	writeOpts *opt.WriteOptions
}

func newLevelStore(path string, inMemory, syncWrites bool) (kvStore, error) {
	var (
		db  *leveldb.DB
		err error
	)
	if inMemory {
		db, err = leveldb.Open(storage.NewMemStorage(), nil)
	} else {
		db, err = leveldb.OpenFile(path, &opt.Options{
			OpenFilesCacheCapacity: 500,
		})
	}
	if err != nil {
		return nil, err
	}
	return &levelStore{db: db, writeOpts: &opt.WriteOptions{Sync: syncWrites}}, nil
}

type levelReadable interface {
	Get(key []byte, ro *opt.ReadOptions) ([]byte, error)
	NewIterator(slice *util.Range, ro *opt.ReadOptions) iterator.Iterator
}

type levelReader struct {
	src levelReadable
}

func (r *levelReader) Get(key []byte) ([]byte, error) {
	v, err := r.src.Get(key, nil)
	if err != nil {
		if errors.Is(err, leveldb.ErrNotFound) {
			return nil, ErrKVNotFound
		}
		return nil, err
	}
	return v, nil
}

func (r *levelReader) IteratePrefix(prefix []byte, fn func(key []byte, value []byte) error) error {
	it := r.src.NewIterator(util.BytesPrefix(prefix), nil)
	defer it.Release()
	for it.Next() {
		key := append([]byte(nil), it.Key()...)
		val := append([]byte(nil), it.Value()...)
		if err := fn(key, val); err != nil {
			return err
		}
	}
	return it.Error()
}

type levelWriter struct {
	batch *leveldb.Batch
}

func (w *levelWriter) Set(key []byte, value []byte) error {
	w.batch.Put(key, value)
	return nil
}

func (w *levelWriter) Delete(key []byte) error {
	w.batch.Delete(key)
	return nil
}

func (s *levelStore) Get(key []byte) ([]byte, error) {
	return (&levelReader{src: s.db}).Get(key)
}

func (s *levelStore) View(fn func(tx kvReader) error) error {
	snap, err := s.db.GetSnapshot()
	if err != nil {
		return err
	}
	defer snap.Release()
	return fn(&levelReader{src: snap})
}

func (s *levelStore) Update(fn func(tx kvWriter) error) error {
	batch := new(leveldb.Batch)
	if err := fn(&levelWriter{batch: batch}); err != nil {
		return err
	}
	return s.db.Write(batch, s.writeOpts)
}

func (s *levelStore) Close() error {
	return s.db.Close()
}
