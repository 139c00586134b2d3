package stats

import (
	"fmt"
	"sync/atomic"
)

// QueueGauge 会话收发队列：经过的消息数和出现过的最大积压
type QueueGauge struct {
	capacity atomic.Int64
	peak     atomic.Int64
	messages atomic.Uint64
}

// Observe 每经过一条消息调用一次，depth 是此刻队列里的消息数（含这一条）
func (g *QueueGauge) Observe(depth, capacity int) {
	g.capacity.Store(int64(capacity))
	g.messages.Add(1)
	d := int64(depth)
	for {
		cur := g.peak.Load()
		if d <= cur || g.peak.CompareAndSwap(cur, d) {
			return
		}
	}
}

// Snapshot 当前读数
func (g *QueueGauge) Snapshot() QueueSummary {
	return QueueSummary{
		Messages: g.messages.Load(),
		Peak:     int(g.peak.Load()),
		Cap:      int(g.capacity.Load()),
	}
}

// QueueSummary QueueGauge 的快照
type QueueSummary struct {
	Messages uint64 `json:"messages"`
	Peak     int    `json:"peak"`
	Cap      int    `json:"cap"`
}

// Saturation 峰值积压占容量的比例，接近 1 说明消费方跟不上
func (q QueueSummary) Saturation() float64 {
	if q.Cap <= 0 {
		return 0
	}
	return float64(q.Peak) / float64(q.Cap)
}

func (q QueueSummary) String() string {
	return fmt.Sprintf("%d msgs peak %d/%d", q.Messages, q.Peak, q.Cap)
}
