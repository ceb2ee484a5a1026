// Package session keeps the last known joint angles across restarts, so the
// plotter does not have to be re-homed by hand after every shutdown.
package session

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"plotter/internal/logging"
	"plotter/pkg/types"
)

// LoadStatus 会话加载结果
type LoadStatus int

const (
	NotFound LoadStatus = iota
	Found
	Failed
)

func (s LoadStatus) String() string {
	switch s {
	case NotFound:
		return "not_found"
	case Found:
		return "found"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// LoadResult is the explicit outcome of reading the session file. Angles is
// only meaningful when Status is Found; Err only when it is Failed.
type LoadResult struct {
	Status LoadStatus
	Angles types.JointAngles
	Err    error
}

// Store 会话文件：一行，两个以空白分隔的角度
type Store struct {
	path   string
	logger *logging.Logger
}

func NewStore(path string) *Store {
	return &Store{
		path:   path,
		logger: logging.GetLogger("session").With("path", path),
	}
}

func (s *Store) Path() string {
	return s.path
}

// Load reads the snapshot. A missing file is the normal first-run case and is
// logged at debug; anything else that prevents reading it is a warning.
func (s *Store) Load() LoadResult {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		s.logger.Debug("No prior session")
		return LoadResult{Status: NotFound}
	}
	if err != nil {
		s.logger.Warn("Failed to read session file, starting without prior session", "error", err)
		return LoadResult{Status: Failed, Err: fmt.Errorf("failed to read session file: %w", err)}
	}

	angles, err := parse(string(data))
	if err != nil {
		s.logger.Warn("Failed to parse session file, starting without prior session", "error", err)
		return LoadResult{Status: Failed, Err: err}
	}

	return LoadResult{Status: Found, Angles: angles}
}

func parse(content string) (types.JointAngles, error) {
	line, _, _ := strings.Cut(content, "\n")
	fields := strings.Fields(line)
	if len(fields) != 2 {
		return types.JointAngles{}, fmt.Errorf("session file: expected 2 values, got %d", len(fields))
	}

	var values [2]float64
	for i, f := range fields {
		v, err := strconv.ParseFloat(f, 64)
		if err != nil {
			return types.JointAngles{}, fmt.Errorf("session file: %w", err)
		}
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return types.JointAngles{}, fmt.Errorf("session file: value %q is not finite", f)
		}
		values[i] = v
	}
	return types.JointAngles{Alpha1: values[0], Alpha2: values[1]}, nil
}

// Save 保存当前角度。The file is replaced atomically.
func (s *Store) Save(angles types.JointAngles) error {
	if dir := filepath.Dir(s.path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create session directory: %w", err)
		}
	}

	content := strconv.FormatFloat(angles.Alpha1, 'f', -1, 64) + " " +
		strconv.FormatFloat(angles.Alpha2, 'f', -1, 64) + "\n"

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, []byte(content), 0644); err != nil {
		return fmt.Errorf("failed to write session file: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to replace session file: %w", err)
	}

	s.logger.Info("Session saved", "angles", angles, "path", s.path)
	return nil
}

// Clear removes the snapshot. Clearing an absent snapshot is not an error.
func (s *Store) Clear() error {
	if err := os.Remove(s.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to clear session file: %w", err)
	}
	return nil
}

// Calibrator is the part of the motion controller a restore needs.
type Calibrator interface {
	Calibrate(ctx context.Context, angles types.JointAngles) error
}

// Restore calibrates the device from a stored snapshot and then consumes it.
// The snapshot is kept when calibration fails so the next start can retry.
func Restore(ctx context.Context, store *Store, calibrator Calibrator) (LoadResult, error) {
	result := store.Load()
	if result.Status != Found {
		return result, nil
	}

	if err := calibrator.Calibrate(ctx, result.Angles); err != nil {
		return result, fmt.Errorf("failed to restore session: %w", err)
	}
	if err := store.Clear(); err != nil {
		return result, err
	}

	store.logger.Info("Session restored", "angles", result.Angles)
	return result, nil
}
