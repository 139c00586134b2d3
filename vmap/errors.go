package vmap

import (
	"errors"
	"fmt"
)

var (
	// ErrImmutable 对非可变头调用了写操作
	ErrImmutable = errors.New("virtual map version is immutable")
	// ErrMutable 可变头上请求了哈希
	ErrMutable = errors.New("virtual map version is still mutable")
	// ErrDestroyed 版本引用计数已归零
	ErrDestroyed = errors.New("virtual map version destroyed")
	// ErrClosed 版本族已关闭
	ErrClosed = errors.New("virtual map family closed")
	// ErrRootMismatch 重建后的根哈希与期望不符
	ErrRootMismatch = errors.New("root hash mismatch")
)

// FatalError 不变量被破坏（路径/key 不一致、缺少孩子哈希、数据源 I/O 失败）。
// 以 panic 形式抛出，由拥有者（一次变更、一次重连）决定中止。
type FatalError struct {
	Op  string
	Err error
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("virtual map fatal: %s: %v", e.Op, e.Err)
}

func (e *FatalError) Unwrap() error { return e.Err }

func fatalf(op string, format string, args ...interface{}) {
	panic(&FatalError{Op: op, Err: fmt.Errorf(format, args...)})
}

func fatal(op string, err error) {
	panic(&FatalError{Op: op, Err: err})
}

// RecoverFatal 把 *FatalError 类型的 panic 转成 error 写入 errp，其它 panic 继续向上抛。
//
//	defer vmap.RecoverFatal(&err)
func RecoverFatal(errp *error) {
	r := recover()
	if r == nil {
		return
	}
	if fe, ok := r.(*FatalError); ok {
		if errp != nil && *errp == nil {
			*errp = fe
		}
		return
	}
	panic(r)
}
