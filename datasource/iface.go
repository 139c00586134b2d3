package datasource

import "errors"

// ErrKVNotFound 底层 kv 找不到 key，各后端统一映射到这里
var ErrKVNotFound = errors.New("kv key not found")

type kvReader interface {
	Get(key []byte) ([]byte, error)
	IteratePrefix(prefix []byte, fn func(key []byte, value []byte) error) error
}

type kvWriter interface {
	Set(key []byte, value []byte) error
	Delete(key []byte) error
}

type kvStore interface {
	Get(key []byte) ([]byte, error)
	View(fn func(tx kvReader) error) error
	// Update 中的写入要么全部可见要么全部不可见（badger 超大事务除外，见 store_badger.go）
	Update(fn func(tx kvWriter) error) error
	Close() error
}

func prefixUpperBound(prefix []byte) []byte {
	upper := append([]byte(nil), prefix...)
	for i := len(upper) - 1; i >= 0; i-- {
		upper[i]++
		if upper[i] != 0 {
			return upper
		}
	}
	return nil
}
