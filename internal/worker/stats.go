package worker

// ============================================================================
// Pool 統計聚合
// 職責：
// 1. 從 worker 接收事件（單一 goroutine 消費 channel）
// 2. 發布不可變快照（atomic.Pointer），讀取端無鎖
// 3. 同步更新 Prometheus 計數器
// ============================================================================
//
// 快照不可變，因此任何時刻觀察到的 Total == Successes + Failures。

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/ChuLiYu/dialog-forge/internal/metrics"
)

type eventKind int

const (
	eventGroupSucceeded eventKind = iota
	eventGroupFailed
	eventItemWritten
	eventItemFailed
)

type statsEvent struct {
	kind     eventKind
	workerID int
	variant  string
}

// PoolStats 聚合統計快照
type PoolStats struct {
	Total         int64         `json:"total"`     // 已結束的組
	Successes     int64         `json:"successes"` // 全部變體寫入成功的組
	Failures      int64         `json:"failures"`  // 部分或全部失敗的組
	ItemsWritten  int64         `json:"items_written"`
	ItemsFailed   int64         `json:"items_failed"`
	SuccessRate   float64       `json:"success_rate"`
	StartedAt     time.Time     `json:"started_at"`
	Uptime        time.Duration `json:"uptime"`
	AliveWorkers  int           `json:"alive_workers"`
	ActiveWorkers int           `json:"active_workers"`
}

type counters struct {
	total, successes, failures int64
	itemsWritten, itemsFailed  int64
}

const eventBuffer = 1024

// aggregator 是唯一修改計數器的 goroutine
type aggregator struct {
	events   chan statsEvent
	done     chan struct{}
	finished chan struct{}
	stopOnce sync.Once
	snapshot atomic.Pointer[counters]
	metrics  *metrics.Collector
}

func newAggregator(m *metrics.Collector) *aggregator {
	a := &aggregator{
		events:   make(chan statsEvent, eventBuffer),
		done:     make(chan struct{}),
		finished: make(chan struct{}),
		metrics:  m,
	}
	a.snapshot.Store(&counters{})
	go a.loop()
	return a
}

// report 在聚合器停止後直接丟棄事件
func (a *aggregator) report(ev statsEvent) {
	select {
	case <-a.done:
		return
	default:
	}
	select {
	case a.events <- ev:
	case <-a.done:
	}
}

func (a *aggregator) loop() {
	defer close(a.finished)
	cur := counters{}
	for {
		select {
		case ev := <-a.events:
			a.apply(&cur, ev)
		case <-a.done:
			// 已排入緩衝區的事件仍計入
			for {
				select {
				case ev := <-a.events:
					a.apply(&cur, ev)
				default:
					return
				}
			}
		}
	}
}

func (a *aggregator) apply(cur *counters, ev statsEvent) {
	switch ev.kind {
	case eventGroupSucceeded:
		cur.total++
		cur.successes++
		a.metrics.RecordGroup(true)
	case eventGroupFailed:
		cur.total++
		cur.failures++
		a.metrics.RecordGroup(false)
	case eventItemWritten:
		cur.itemsWritten++
		a.metrics.RecordItem(ev.variant, true)
	case eventItemFailed:
		cur.itemsFailed++
		a.metrics.RecordItem(ev.variant, false)
	}
	next := *cur
	a.snapshot.Store(&next)
}

func (a *aggregator) stop() {
	a.stopOnce.Do(func() { close(a.done) })
	<-a.finished
}

func (a *aggregator) load() counters {
	return *a.snapshot.Load()
}
