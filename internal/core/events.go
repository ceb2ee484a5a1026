package core

import (
	"time"

	"plotter/pkg/types"
)

// Event 定义事件接口
type Event interface {
	// Type 返回事件类型
	Type() EventType
	// Source 返回事件源
	Source() string
	// Timestamp 返回事件时间戳
	Timestamp() time.Time
}

// EventType 事件类型
type EventType string

const (
	// 任务事件
	EventTypeJobStarted  EventType = "job_started"
	EventTypeJobFinished EventType = "job_finished"
	EventTypePointDrawn  EventType = "point_drawn"

	// 配置事件
	EventTypeConfigReload EventType = "config_reload"
)

// BaseEvent 基础事件结构，其他事件可以嵌入
type BaseEvent struct {
	eventType EventType
	source    string
	timestamp time.Time
}

func NewBaseEvent(eventType EventType, source string) BaseEvent {
	return BaseEvent{
		eventType: eventType,
		source:    source,
		timestamp: time.Now(),
	}
}

func (be BaseEvent) Type() EventType      { return be.eventType }
func (be BaseEvent) Source() string       { return be.source }
func (be BaseEvent) Timestamp() time.Time { return be.timestamp }

// JobEvent 任务生命周期事件
type JobEvent struct {
	BaseEvent
	JobID  string
	Status types.JobStatus
	Sent   int
	Error  error
}

func NewJobEvent(eventType EventType, source, jobID string, status types.JobStatus, sent int, err error) *JobEvent {
	return &JobEvent{
		BaseEvent: NewBaseEvent(eventType, source),
		JobID:     jobID,
		Status:    status,
		Sent:      sent,
		Error:     err,
	}
}

// PointEvent is published for every point the device has reached.
type PointEvent struct {
	BaseEvent
	Point types.DrawnPoint
}

func NewPointEvent(source string, point types.DrawnPoint) *PointEvent {
	return &PointEvent{
		BaseEvent: NewBaseEvent(EventTypePointDrawn, source),
		Point:     point,
	}
}

// ConfigEvent 配置事件
type ConfigEvent struct {
	BaseEvent
	ConfigPath string
	Config     *types.SystemConfig
	Error      error
}

func NewConfigEvent(source, configPath string, config *types.SystemConfig, err error) *ConfigEvent {
	return &ConfigEvent{
		BaseEvent:  NewBaseEvent(EventTypeConfigReload, source),
		ConfigPath: configPath,
		Config:     config,
		Error:      err,
	}
}

// EventHandler 事件处理器接口
type EventHandler interface {
	// HandleEvent 处理事件
	HandleEvent(event Event) error
	// GetSubscribedEvents 返回订阅的事件类型
	GetSubscribedEvents() []EventType
	// Name 返回处理器名称
	Name() string
}
