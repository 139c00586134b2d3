package stats

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// LatencySummary 一类操作（flush / hash / throttle / rebuild）的耗时分布
type LatencySummary struct {
	Op    string        `json:"op"`
	Count uint64        `json:"count"`
	P50   time.Duration `json:"p50"`
	P95   time.Duration `json:"p95"`
	P99   time.Duration `json:"p99"`
	Max   time.Duration `json:"max"`
}

// LatencyReport 按操作名排好序
type LatencyReport []LatencySummary

// Get 按操作名查
func (r LatencyReport) Get(op string) (LatencySummary, bool) {
	i := sort.Search(len(r), func(i int) bool { return r[i].Op >= op })
	if i < len(r) && r[i].Op == op {
		return r[i], true
	}
	return LatencySummary{}, false
}

func (r LatencyReport) String() string {
	if len(r) == 0 {
		return "none"
	}
	parts := make([]string, len(r))
	for i, s := range r {
		parts[i] = fmt.Sprintf("%s(n=%d p50=%v p99=%v max=%v)", s.Op, s.Count, s.P50, s.P99, s.Max)
	}
	return strings.Join(parts, " ")
}

// latencyWindow 最近 len(ring) 个样本；Count 和 Max 覆盖全部样本
type latencyWindow struct {
	ring    []time.Duration
	written int
	count   uint64
	max     time.Duration
}

func (w *latencyWindow) add(d time.Duration) {
	w.ring[w.written%len(w.ring)] = d
	w.written++
	w.count++
	if d > w.max {
		w.max = d
	}
}

func (w *latencyWindow) sorted() []time.Duration {
	n := min(w.written, len(w.ring))
	out := append([]time.Duration(nil), w.ring[:n]...)
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// nearestRank 第 q 分位（最近秩法）
func nearestRank(sorted []time.Duration, q float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	rank := int(q*float64(len(sorted))+0.999999) - 1
	return sorted[max(0, min(rank, len(sorted)-1))]
}

// LatencyRecorder 版本族各操作的耗时，每类保留固定数量的最近样本
type LatencyRecorder struct {
	mu      sync.Mutex
	size    int
	windows map[string]*latencyWindow
}

func NewLatencyRecorder(size int) *LatencyRecorder {
	if size <= 0 {
		size = 1024
	}
	return &LatencyRecorder{size: size, windows: make(map[string]*latencyWindow)}
}

// Since 记录从 start 到现在的耗时
func (r *LatencyRecorder) Since(op string, start time.Time) {
	r.Record(op, time.Since(start))
}

func (r *LatencyRecorder) Record(op string, d time.Duration) {
	if r == nil || op == "" {
		return
	}
	if d < 0 {
		d = 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.windows[op]
	if !ok {
		w = &latencyWindow{ring: make([]time.Duration, r.size)}
		r.windows[op] = w
	}
	w.add(d)
}

// Snapshot 当前分布；reset 为 true 时之后从零开始统计
func (r *LatencyRecorder) Snapshot(reset bool) LatencyReport {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	report := make(LatencyReport, 0, len(r.windows))
	for op, w := range r.windows {
		if w.count == 0 {
			continue
		}
		s := w.sorted()
		report = append(report, LatencySummary{
			Op:    op,
			Count: w.count,
			P50:   nearestRank(s, 0.50),
			P95:   nearestRank(s, 0.95),
			P99:   nearestRank(s, 0.99),
			Max:   w.max,
		})
		if reset {
			r.windows[op] = &latencyWindow{ring: w.ring}
		}
	}
	sort.Slice(report, func(i, j int) bool { return report[i].Op < report[j].Op })
	return report
}
