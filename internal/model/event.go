package model

import "time"

// EventType 推送给展示层的事件类型
type EventType string

const (
	EventLog      EventType = "log"
	EventResult   EventType = "result"
	EventFinished EventType = "finished"
)

// 日志事件级别
const (
	LevelDebug = "debug"
	LevelInfo  = "info"
	LevelWarn  = "warn"
	LevelError = "error"
)

// Event 扫描流水线发出的事件，通道内顺序即发出顺序
type Event struct {
	Type      EventType     `json:"type"`
	SessionID string        `json:"session_id"`
	Time      time.Time     `json:"time"`
	Level     string        `json:"level,omitempty"`
	Message   string        `json:"message,omitempty"`
	Result    *EnrichedPort `json:"result,omitempty"`
	Summary   *ScanSummary  `json:"summary,omitempty"`
}

// Emitter 事件接收方
type Emitter interface {
	Emit(Event)
}

// EmitterFunc 函数适配为 Emitter
type EmitterFunc func(Event)

func (f EmitterFunc) Emit(e Event) {
	f(e)
}

// Discard 丢弃所有事件
var Discard Emitter = EmitterFunc(func(Event) {})

// LogEvent 构造日志事件
func LogEvent(level, message string) Event {
	return Event{
		Type:    EventLog,
		Time:    time.Now(),
		Level:   level,
		Message: message,
	}
}
