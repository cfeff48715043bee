package server

import "time"

const (
	// TicksPerSecond 世界推进频率（20 TPS）
	TicksPerSecond = 20
)

var tickInterval = time.Duration(1000/TicksPerSecond) * time.Millisecond // 50ms

// TickInterval 按频率换算 Tick 间隔，非法值回落到默认 20 TPS
func TickInterval(hz int) time.Duration {
	if hz <= 0 {
		return tickInterval
	}
	return time.Second / time.Duration(hz)
}

// StartTicker 启动房间的 Tick 循环（单线程推进追踪）
func (r *Room) StartTicker() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.tickerStarted {
		return
	}
	r.tickerStarted = true
	go func() {
		defer close(r.done)
		ticker := time.NewTicker(r.tickInterval)
		defer ticker.Stop()
		for {
			select {
			case <-r.stop:
				r.shutdown()
				return
			case <-ticker.C:
				// 核心循环：处理输入 → 推进追踪（事件在 Tick 内同步推送）
				r.Step()
			}
		}
	}()
}

// Stop 停止 Tick 循环并等待最后一个 Tick 完成；可重复调用
func (r *Room) Stop() {
	r.stopOnce.Do(func() {
		r.mu.Lock()
		started := r.tickerStarted
		r.tickerStarted = true // 停止后不再启动
		r.mu.Unlock()
		close(r.stop)
		if !started {
			r.shutdown()
			close(r.done)
		}
	})
	<-r.done
}
