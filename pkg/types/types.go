// Package types defines the fundamental data structures shared across the plotter host:
// rig geometry, joint angles, workspace points, drawing jobs, console messages and the
// system configuration tree that ties the components together.
package types

import (
	"fmt"
	"time"
)

// JointAngles 两个电机的关节角度（单位：度）
type JointAngles struct {
	Alpha1 float64 `json:"alpha1" yaml:"alpha1"`
	Alpha2 float64 `json:"alpha2" yaml:"alpha2"`
}

func (a JointAngles) String() string {
	return fmt.Sprintf("l%.2f r%.2f", a.Alpha1, a.Alpha2)
}

// WorkspacePoint is a position in millimetres inside the drawable rectangle,
// before the rig-frame offset is applied.
type WorkspacePoint struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// RigGeometry 绘图仪的物理常数，进程生命周期内不可变
type RigGeometry struct {
	R1     float64 `yaml:"r1" json:"r1"`         // left pulley radius
	R2     float64 `yaml:"r2" json:"r2"`         // right pulley radius
	L1     float64 `yaml:"l1" json:"l1"`         // left arm/wire length
	L2     float64 `yaml:"l2" json:"l2"`         // right arm/wire length
	D      float64 `yaml:"d" json:"d"`           // motor axle separation
	Width  float64 `yaml:"width" json:"width"`   // workspace width
	Height float64 `yaml:"height" json:"height"` // workspace height
	XMin   float64 `yaml:"x_min" json:"x_min"`
	YMin   float64 `yaml:"y_min" json:"y_min"`
}

// DefaultRigGeometry returns the constants of the reference rig: lego arms bolted to
// a metal wheel three holes in from the last one (hole pitch 7.97 mm).
func DefaultRigGeometry() RigGeometry {
	const (
		wheelRadius = 99.625
		holePitch   = 7.97
	)
	g := RigGeometry{
		R1:     wheelRadius - 3*holePitch,
		R2:     wheelRadius - 3*holePitch,
		L1:     159,
		L2:     159,
		D:      258.7,
		Width:  80,
		Height: 80,
		YMin:   15,
	}
	g.XMin = (g.D - g.Width) / 2.0
	return g
}

// JobStatus 绘图任务状态
type JobStatus int

const (
	JobIdle JobStatus = iota
	JobRunning
	JobCompleted
	JobCancelled
	JobFailed
)

func (s JobStatus) String() string {
	switch s {
	case JobIdle:
		return "idle"
	case JobRunning:
		return "running"
	case JobCompleted:
		return "completed"
	case JobCancelled:
		return "cancelled"
	case JobFailed:
		return "failed"
	default:
		return fmt.Sprintf("JobStatus(%d)", int(s))
	}
}

// Terminal reports whether no further work will happen for a job in this state.
func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobCancelled || s == JobFailed
}

type ExecutionMode string

const (
	ModeSequential ExecutionMode = "sequential"
	ModeBatched    ExecutionMode = "batched"
)

// TailPolicy decides what batched execution does with the last len(points) mod B points.
type TailPolicy string

const (
	TailDrop  TailPolicy = "drop"
	TailFlush TailPolicy = "flush"
)

// DrawJob 一次绘图任务
type DrawJob struct {
	ID         string
	Points     []WorkspacePoint
	Resolution float64
	Mode       ExecutionMode
	BatchSize  int
	TailPolicy TailPolicy
}

// DrawnPoint is a point the device has physically reached during a job.
type DrawnPoint struct {
	JobID string         `json:"job_id"`
	Seq   int            `json:"seq"`
	Point WorkspacePoint `json:"point"`
}

type IPCMessage struct {
	Type      string                 `json:"type"`
	Source    string                 `json:"source"`
	Target    string                 `json:"target"`
	Data      map[string]interface{} `json:"data"`
	Timestamp time.Time              `json:"timestamp"`
	ID        string                 `json:"id"`
}

type SystemConfig struct {
	Rig             RigGeometry    `yaml:"rig"`
	Serial          SerialConfig   `yaml:"serial"`
	Executor        ExecutorConfig `yaml:"executor"`
	Session         SessionConfig  `yaml:"session"`
	IPC             IPCConfig      `yaml:"ipc"`
	Feed            FeedConfig     `yaml:"feed"`
	Logging         LoggingConfig  `yaml:"logging"`
	ResetHeadOnExit bool           `yaml:"reset_head_on_exit"`
}

// SerialConfig 串口配置
type SerialConfig struct {
	Driver        string        `yaml:"driver"`    // jacobsa, goburrow, tarm, bugst, sim
	PortName      string        `yaml:"port_name"` // 串口名称，如 "/dev/ttyUSB0", "COM5"
	BaudRate      int           `yaml:"baud_rate"`
	DataBits      int           `yaml:"data_bits"`
	StopBits      int           `yaml:"stop_bits"`
	Parity        string        `yaml:"parity"` // "N", "E", "O"
	FlowControl   bool          `yaml:"flow_control"`
	ReadTimeout   time.Duration `yaml:"read_timeout"`
	AckTimeout    time.Duration `yaml:"ack_timeout"`
	BannerTimeout time.Duration `yaml:"banner_timeout"`
	RetryCount    int           `yaml:"retry_count"`
	RetryInterval time.Duration `yaml:"retry_interval"`
	SimStep       float64       `yaml:"sim_step"` // quantization of the simulated device, degrees
}

type ExecutorConfig struct {
	Mode              ExecutionMode `yaml:"mode"`
	BatchSize         int           `yaml:"batch_size"`
	TailPolicy        TailPolicy    `yaml:"tail_policy"`
	RampRPM           float64       `yaml:"ramp_rpm"`
	DefaultResolution float64       `yaml:"default_resolution"`
}

type SessionConfig struct {
	Path string `yaml:"path"`
}

type IPCConfig struct {
	Type       string        `yaml:"type"`
	Address    string        `yaml:"address"`
	Port       int           `yaml:"port"`
	Timeout    time.Duration `yaml:"timeout"`
	BufferSize int           `yaml:"buffer_size"`
}

type FeedConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
}

type LoggingConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"`
	Output     string `yaml:"output"`
	OutputPath string `yaml:"output_path"`
	AddSource  bool   `yaml:"add_source"`
}

// ConsoleCommand 操作台命令，与具体的协议实现无关
type ConsoleCommand string

const (
	// 运动命令
	CmdMoveToTarget ConsoleCommand = "move"      // Move the head to a workspace point
	CmdMoveAngles   ConsoleCommand = "angles"    // Move both motors to explicit angles
	CmdResetHead    ConsoleCommand = "reset"     // Return both arms to angle 0
	CmdZeroAngles   ConsoleCommand = "zero"      // Declare the current position as zero
	CmdSetSpeed     ConsoleCommand = "speed"     // Set motor speed in rpm
	CmdCalibrate    ConsoleCommand = "calibrate" // Tell the device where the arms are

	// 任务命令
	CmdStartJob  ConsoleCommand = "draw"
	CmdCancelJob ConsoleCommand = "cancel"
	CmdJobStatus ConsoleCommand = "status"

	// 查询与调试
	CmdCurrentAngles ConsoleCommand = "where"
	CmdRawCommand    ConsoleCommand = "raw"

	// 配置命令
	CmdGetConfig   ConsoleCommand = "get_config"
	CmdSetLogLevel ConsoleCommand = "set_log_level"
)

// ConsoleMessage 操作台请求
type ConsoleMessage struct {
	Command   ConsoleCommand         `json:"command"`
	Params    map[string]interface{} `json:"params"`
	RequestID string                 `json:"request_id"`
	Source    string                 `json:"source"`
	Target    string                 `json:"target"`
	Timestamp time.Time              `json:"timestamp"`
}

// ConsoleResponse 操作台响应
type ConsoleResponse struct {
	RequestID string                 `json:"request_id"`
	Status    string                 `json:"status"`
	Data      map[string]interface{} `json:"data"`
	Error     string                 `json:"error"`
	Timestamp time.Time              `json:"timestamp"`
}

// IPC message types exchanged between plotctl and plotterd.
const (
	MsgConsoleCommand  = "console_command"
	MsgConsoleResponse = "console_response"
	MsgDrawnPoint      = "drawn_point"
	MsgJobFinished     = "job_finished"
)
