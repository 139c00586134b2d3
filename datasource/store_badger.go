package datasource

import (
	"errors"

	"github.com/dgraph-io/badger/v4"
)

type badgerStore struct {
	db *badger.DB
}

func newBadgerStore(path string, inMemory, syncWrites bool) (kvStore, error) {
	opts := badger.DefaultOptions(path).
		WithLogger(nil).
		WithSyncWrites(syncWrites)
	if inMemory {
		opts = opts.WithInMemory(true).WithDir("").WithValueDir("")
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}
	return &badgerStore{db: db}, nil
}

type badgerReader struct {
	txn *badger.Txn
}

func (r *badgerReader) Get(key []byte) ([]byte, error) {
	item, err := r.txn.Get(key)
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil, ErrKVNotFound
		}
		return nil, err
	}
	return item.ValueCopy(nil)
}

func (r *badgerReader) IteratePrefix(prefix []byte, fn func(key []byte, value []byte) error) error {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = prefix
	it := r.txn.NewIterator(opts)
	defer it.Close()

	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		item := it.Item()
		val, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		if err := fn(item.KeyCopy(nil), val); err != nil {
			return err
		}
	}
	return nil
}

// badgerWriter 单个事务装不下时提交当前事务并开新事务继续写。
// 对读者的原子性由上层 Store 的写锁保证。
type badgerWriter struct {
	db  *badger.DB
	txn *badger.Txn
}

func (w *badgerWriter) apply(op func(txn *badger.Txn) error) error {
	err := op(w.txn)
	if !errors.Is(err, badger.ErrTxnTooBig) {
		return err
	}
	if err := w.txn.Commit(); err != nil {
		return err
	}
	w.txn = w.db.NewTransaction(true)
	return op(w.txn)
}

func (w *badgerWriter) Set(key []byte, value []byte) error {
	return w.apply(func(txn *badger.Txn) error { return txn.Set(key, value) })
}

func (w *badgerWriter) Delete(key []byte) error {
	return w.apply(func(txn *badger.Txn) error { return txn.Delete(key) })
}

func (s *badgerStore) Get(key []byte) ([]byte, error) {
	var out []byte
	err := s.db.View(func(txn *badger.Txn) error {
		v, err := (&badgerReader{txn: txn}).Get(key)
		out = v
		return err
	})
	return out, err
}

func (s *badgerStore) View(fn func(tx kvReader) error) error {
	return s.db.View(func(txn *badger.Txn) error {
		return fn(&badgerReader{txn: txn})
	})
}

func (s *badgerStore) Update(fn func(tx kvWriter) error) error {
	w := &badgerWriter{db: s.db, txn: s.db.NewTransaction(true)}
	defer func() { w.txn.Discard() }()
	if err := fn(w); err != nil {
		return err
	}
	return w.txn.Commit()
}

func (s *badgerStore) Close() error {
	return s.db.Close()
}
