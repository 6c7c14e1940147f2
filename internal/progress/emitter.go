// Package progress 管道进度事件
// 各阶段在开始与结束时上报事件，供流式接口推送给客户端
package progress

import (
	"sync"
	"time"
)

// Stage 管道阶段标识
type Stage string

const (
	StageSelectingSchema Stage = "selecting_schema"
	StageAnalyzingIntent Stage = "analyzing_intent"
	StageGeneratingSQL   Stage = "generating_sql"
	StageGuardingSQL     Stage = "guarding_sql"
	StageExecutingSQL    Stage = "executing_sql"
	StageCorrecting      Stage = "correcting"
	StageEnriching       Stage = "enriching"
	StageCompleted       Stage = "completed"
	StageError           Stage = "error"
)

// Event 单条进度事件
type Event struct {
	Stage     Stage          `json:"stage"`
	Attempt   int            `json:"attempt"` // 第几次生成尝试，从1开始
	Timestamp time.Time      `json:"timestamp"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// Emitter 进度事件接收方
// 实现必须容忍高频调用且不阻塞管道
type Emitter interface {
	Emit(event Event)
}

// Nop 丢弃所有事件的空实现
func Nop() Emitter {
	return nopEmitter{}
}

type nopEmitter struct{}

func (nopEmitter) Emit(Event) {}

// ChannelEmitter 把事件写入带缓冲通道的发射器
// 缓冲写满时丢弃最新事件，保证管道不被慢消费者拖住
type ChannelEmitter struct {
	ch        chan Event
	closeOnce sync.Once

	mutex   sync.Mutex
	dropped int
}

// NewChannelEmitter 创建通道发射器
func NewChannelEmitter(buffer int) *ChannelEmitter {
	if buffer <= 0 {
		buffer = 64
	}
	return &ChannelEmitter{ch: make(chan Event, buffer)}
}

// Emit 非阻塞写入事件
func (e *ChannelEmitter) Emit(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	select {
	case e.ch <- event:
	default:
		e.mutex.Lock()
		e.dropped++
		e.mutex.Unlock()
	}
}

// Events 返回事件读取端，按Emit顺序产出
func (e *ChannelEmitter) Events() <-chan Event {
	return e.ch
}

// Close 关闭事件通道，之后不得再Emit
func (e *ChannelEmitter) Close() {
	e.closeOnce.Do(func() {
		close(e.ch)
	})
}

// Dropped 返回因缓冲写满被丢弃的事件数
func (e *ChannelEmitter) Dropped() int {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	return e.dropped
}

// Recorder 把事件按序累积到内存（测试与审计用）
type Recorder struct {
	mutex  sync.Mutex
	events []Event
}

// NewRecorder 创建事件记录器
func NewRecorder() *Recorder {
	return &Recorder{}
}

// Emit 追加一条事件
func (r *Recorder) Emit(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	r.mutex.Lock()
	r.events = append(r.events, event)
	r.mutex.Unlock()
}

// Events 返回按Emit顺序排列的事件副本
func (r *Recorder) Events() []Event {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// Stages 返回事件阶段序列
func (r *Recorder) Stages() []Stage {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	stages := make([]Stage, len(r.events))
	for i, e := range r.events {
		stages[i] = e.Stage
	}
	return stages
}
