package stats

import (
	"fmt"
	"sync/atomic"
)

// ReconnectStats 一次重连会话的节点传输统计
type ReconnectStats struct {
	Transfers           atomic.Uint64 // 发出/收到的节点消息数
	InternalClean       atomic.Uint64
	InternalDirty       atomic.Uint64
	LeafClean           atomic.Uint64
	LeafDirty           atomic.Uint64
	LeavesReceived      atomic.Uint64
	StaleResponses      atomic.Uint64
	StaleKeysRemoved    atomic.Uint64
	IntermediateFlushes atomic.Uint64

	InQueue  QueueGauge // 读 goroutine -> 协议逻辑
	OutQueue QueueGauge // 协议逻辑 -> 写 goroutine
}

// ReconnectSummary ReconnectStats 的快照
type ReconnectSummary struct {
	Transfers           uint64 `json:"transfers"`
	InternalClean       uint64 `json:"internalClean"`
	InternalDirty       uint64 `json:"internalDirty"`
	LeafClean           uint64 `json:"leafClean"`
	LeafDirty           uint64 `json:"leafDirty"`
	LeavesReceived      uint64 `json:"leavesReceived"`
	StaleResponses      uint64 `json:"staleResponses"`
	StaleKeysRemoved    uint64 `json:"staleKeysRemoved"`
	IntermediateFlushes uint64 `json:"intermediateFlushes"`

	InQueue  QueueSummary `json:"inQueue"`
	OutQueue QueueSummary `json:"outQueue"`
}

// Snapshot 读取当前计数
func (s *ReconnectStats) Snapshot() ReconnectSummary {
	return ReconnectSummary{
		Transfers:           s.Transfers.Load(),
		InternalClean:       s.InternalClean.Load(),
		InternalDirty:       s.InternalDirty.Load(),
		LeafClean:           s.LeafClean.Load(),
		LeafDirty:           s.LeafDirty.Load(),
		LeavesReceived:      s.LeavesReceived.Load(),
		StaleResponses:      s.StaleResponses.Load(),
		StaleKeysRemoved:    s.StaleKeysRemoved.Load(),
		IntermediateFlushes: s.IntermediateFlushes.Load(),
		InQueue:             s.InQueue.Snapshot(),
		OutQueue:            s.OutQueue.Snapshot(),
	}
}

func (s ReconnectSummary) String() string {
	return fmt.Sprintf("transfers=%d internal(clean=%d dirty=%d) leaf(clean=%d dirty=%d) received=%d stale=%d removedKeys=%d flushes=%d in=(%s) out=(%s)",
		s.Transfers, s.InternalClean, s.InternalDirty, s.LeafClean, s.LeafDirty,
		s.LeavesReceived, s.StaleResponses, s.StaleKeysRemoved, s.IntermediateFlushes, s.InQueue, s.OutQueue)
}

// MapStats 版本族的刷盘 / 哈希 / 反压统计
type MapStats struct {
	Copies         atomic.Uint64
	HashPasses     atomic.Uint64
	Flushes        atomic.Uint64
	FlushedRecords atomic.Uint64
	FlushedVersion atomic.Uint64
	ThrottleWaits  atomic.Uint64
	Latency        *LatencyRecorder
}

// NewMapStats 带延迟记录器的 MapStats
func NewMapStats() *MapStats {
	return &MapStats{Latency: NewLatencyRecorder(1024)}
}
