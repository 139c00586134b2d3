// Package handoff 生产者/消费者之间的单槽交接。
package handoff

import (
	"context"
	"sync"
)

// BlockingResourceProvider 单槽交接：消费者阻塞等待，某个持有许可的生产者交付资源，
// 并一直阻塞到消费者关闭资源为止，一个周期结束。
//
// 只有消费者正在等待时才能拿到许可，生产者因此不会跑到需求前面。
// 消费者等待被打断时，若已有生产者交付，由消费者负责释放，生产者不会永久阻塞。
type BlockingResourceProvider[T any] struct {
	mu         sync.Mutex
	waiting    bool
	permitHeld bool

	slot     chan T
	released chan struct{}
	// 消费者开始等待时通知 AwaitProvidePermit
	waitingSignal chan struct{}
}

// New 空闲状态的交接器
func New[T any]() *BlockingResourceProvider[T] {
	return &BlockingResourceProvider[T]{
		slot:          make(chan T, 1),
		released:      make(chan struct{}, 1),
		waitingSignal: make(chan struct{}, 1),
	}
}

// AcquireProvidePermit 只有消费者正在等待且许可空闲时成功
func (p *BlockingResourceProvider[T]) AcquireProvidePermit() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.waiting || p.permitHeld {
		return false
	}
	p.permitHeld = true
	return true
}

// AwaitProvidePermit 阻塞直到拿到许可或 ctx 结束
func (p *BlockingResourceProvider[T]) AwaitProvidePermit(ctx context.Context) error {
	for {
		if p.AcquireProvidePermit() {
			return nil
		}
		select {
		case <-p.waitingSignal:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// ReleaseProvidePermit 交付完成（或放弃交付）后必须调用
func (p *BlockingResourceProvider[T]) ReleaseProvidePermit() {
	p.mu.Lock()
	p.permitHeld = false
	p.mu.Unlock()
	// 许可空出来了，唤醒其他等许可的生产者重新检查
	p.notifyWaiting()
}

// Provide 交付资源并阻塞到消费者关闭它。消费者已不在等待时直接返回 false。
func (p *BlockingResourceProvider[T]) Provide(resource T) bool {
	p.mu.Lock()
	if !p.waiting {
		p.mu.Unlock()
		return false
	}
	p.waiting = false
	p.slot <- resource
	p.mu.Unlock()

	<-p.released
	return true
}

// Resource 消费者拿到的资源句柄，Close 之后生产者才会返回
type Resource[T any] struct {
	Value T
	once  sync.Once
	owner *BlockingResourceProvider[T]
}

// Close 结束本周期，可重复调用
func (r *Resource[T]) Close() {
	r.once.Do(func() { r.owner.released <- struct{}{} })
}

// WaitForResource 阻塞直到生产者交付或 ctx 结束
func (p *BlockingResourceProvider[T]) WaitForResource(ctx context.Context) (*Resource[T], error) {
	p.mu.Lock()
	p.waiting = true
	p.mu.Unlock()
	p.notifyWaiting()

	select {
	case v := <-p.slot:
		return &Resource[T]{Value: v, owner: p}, nil
	case <-ctx.Done():
	}

	p.mu.Lock()
	p.waiting = false
	// 打断之前可能刚好有生产者交付：丢弃并放它走
	select {
	case <-p.slot:
		p.released <- struct{}{}
	default:
	}
	p.mu.Unlock()
	return nil, ctx.Err()
}

// IsWaiting 消费者是否在等待
func (p *BlockingResourceProvider[T]) IsWaiting() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.waiting
}

func (p *BlockingResourceProvider[T]) notifyWaiting() {
	select {
	case p.waitingSignal <- struct{}{}:
	default:
	}
}
