package server

import (
	"sync/atomic"

	"entitytrack/tracking"
)

// RoomMetrics 记录房间运行期的关键指标（用于监控与调试）
type RoomMetrics struct {
	TickCount         int64 // 统计的 Tick 次数
	InputsAccepted    int64 // 被接受的输入数
	OldSeqIgnored     int64 // 因旧序列被忽略的输入数
	ChanFullDiscarded int64 // 因通道满被丢弃的输入数
	Tracks            int64 // 进入追踪
	Untracks          int64 // 取消追踪
	Saves             int64 // 取消追踪时判定保存
	ContractErrors    int64 // 宿主调用违反约定
	Resyncs           int64 // 追踪状态整体重建
	TotalTickNs       int64 // Tick 累计耗时（纳秒）
}

func (m *RoomMetrics) IncAccepted()          { atomic.AddInt64(&m.InputsAccepted, 1) }
func (m *RoomMetrics) IncOldSeqIgnored()     { atomic.AddInt64(&m.OldSeqIgnored, 1) }
func (m *RoomMetrics) IncChanFullDiscarded() { atomic.AddInt64(&m.ChanFullDiscarded, 1) }
func (m *RoomMetrics) IncContractErrors()    { atomic.AddInt64(&m.ContractErrors, 1) }
func (m *RoomMetrics) IncResyncs()           { atomic.AddInt64(&m.Resyncs, 1) }
func (m *RoomMetrics) AddTick(ns int64) {
	atomic.AddInt64(&m.TickCount, 1)
	atomic.AddInt64(&m.TotalTickNs, ns)
}

// OnTrack / OnUntrack 让指标直接作为追踪事件的接收方
func (m *RoomMetrics) OnTrack(tracking.TrackEvent) { atomic.AddInt64(&m.Tracks, 1) }
func (m *RoomMetrics) OnUntrack(ev tracking.UntrackEvent) {
	atomic.AddInt64(&m.Untracks, 1)
	if ev.Saved {
		atomic.AddInt64(&m.Saves, 1)
	}
}

// Snapshot 返回只读副本，便于 HTTP 输出
func (m *RoomMetrics) Snapshot() map[string]any {
	tick := atomic.LoadInt64(&m.TickCount)
	total := atomic.LoadInt64(&m.TotalTickNs)
	var avgMs float64
	if tick > 0 {
		avgMs = float64(total) / float64(tick) / 1e6
	}
	return map[string]any{
		"tick_count":          tick,
		"inputs_accepted":     atomic.LoadInt64(&m.InputsAccepted),
		"old_seq_ignored":     atomic.LoadInt64(&m.OldSeqIgnored),
		"chan_full_discarded": atomic.LoadInt64(&m.ChanFullDiscarded),
		"tracks":              atomic.LoadInt64(&m.Tracks),
		"untracks":            atomic.LoadInt64(&m.Untracks),
		"saves":               atomic.LoadInt64(&m.Saves),
		"contract_errors":     atomic.LoadInt64(&m.ContractErrors),
		"resyncs":             atomic.LoadInt64(&m.Resyncs),
		"avg_tick_ms":         avgMs,
	}
}
