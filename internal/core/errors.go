package core

import (
	"errors"
	"fmt"
)

var (
	// ErrJobRunning is returned when an operation needs the plotter idle.
	ErrJobRunning = errors.New("a drawing job is running")
	// ErrNoJob is returned by Cancel when nothing is running.
	ErrNoJob = errors.New("no drawing job is running")
)

// TransportError 链路错误：写入失败、读取失败或应答超时
type TransportError struct {
	Command string
	Err     error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport failure on %q: %v", e.Command, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}
