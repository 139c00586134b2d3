package stats

import (
	"sort"
	"sync"
)

// Counters 按名字累加的计数器（消息类型、错误类型等）
type Counters struct {
	mu     sync.RWMutex
	counts map[string]uint64
}

func NewCounters() *Counters {
	return &Counters{
		counts: make(map[string]uint64),
	}
}

// Add 累加
func (c *Counters) Add(name string, delta uint64) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counts[name] += delta
}

// Inc 加一
func (c *Counters) Inc(name string) { c.Add(name, 1) }

// Get 单个计数
func (c *Counters) Get(name string) uint64 {
	if c == nil {
		return 0
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.counts[name]
}

// Snapshot 复制一份当前计数
func (c *Counters) Snapshot() map[string]uint64 {
	if c == nil {
		return nil
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]uint64, len(c.counts))
	for k, v := range c.counts {
		out[k] = v
	}
	return out
}

// Names 排好序的计数器名
func (c *Counters) Names() []string {
	snap := c.Snapshot()
	names := make([]string, 0, len(snap))
	for k := range snap {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}
