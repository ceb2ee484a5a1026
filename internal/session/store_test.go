package session

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"plotter/pkg/types"
)

type fakeCalibrator struct {
	calls []types.JointAngles
	err   error
}

func (f *fakeCalibrator) Calibrate(_ context.Context, a types.JointAngles) error {
	f.calls = append(f.calls, a)
	return f.err
}

func TestSessionConsumedExactlyOnce(t *testing.T) {
	store := NewStore(filepath.Join(t.TempDir(), "last_angles.txt"))
	saved := types.JointAngles{Alpha1: 30.12, Alpha2: 45.67}

	if err := store.Save(saved); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	cal := &fakeCalibrator{}
	result, err := Restore(context.Background(), store, cal)
	if err != nil {
		t.Fatalf("Restore failed: %v", err)
	}
	if result.Status != Found || result.Angles != saved {
		t.Errorf("unexpected result %+v", result)
	}
	if len(cal.calls) != 1 || cal.calls[0] != saved {
		t.Fatalf("expected one calibration with %v, got %v", saved, cal.calls)
	}

	// Second start: the snapshot was consumed.
	result, err = Restore(context.Background(), store, cal)
	if err != nil {
		t.Fatalf("second Restore failed: %v", err)
	}
	if result.Status != NotFound {
		t.Errorf("expected not found on second start, got %s", result.Status)
	}
	if len(cal.calls) != 1 {
		t.Errorf("calibration must not repeat, got %d calls", len(cal.calls))
	}
}

func TestRestoreKeepsSnapshotWhenCalibrationFails(t *testing.T) {
	store := NewStore(filepath.Join(t.TempDir(), "last_angles.txt"))
	if err := store.Save(types.JointAngles{Alpha1: 1, Alpha2: 2}); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	cal := &fakeCalibrator{err: errors.New("link down")}
	if _, err := Restore(context.Background(), store, cal); err == nil {
		t.Fatal("expected restore to fail")
	}
	if result := store.Load(); result.Status != Found {
		t.Errorf("snapshot should survive a failed restore, got %s", result.Status)
	}
}

func TestLoadResults(t *testing.T) {
	dir := t.TempDir()

	tests := []struct {
		name    string
		content *string
		status  LoadStatus
		angles  types.JointAngles
	}{
		{"missing", nil, NotFound, types.JointAngles{}},
		{"valid", strPtr("12.5 -3\n"), Found, types.JointAngles{Alpha1: 12.5, Alpha2: -3}},
		{"extra lines ignored", strPtr("1 2\nnoise\n"), Found, types.JointAngles{Alpha1: 1, Alpha2: 2}},
		{"one value", strPtr("12.5\n"), Failed, types.JointAngles{}},
		{"not a number", strPtr("a b\n"), Failed, types.JointAngles{}},
		{"nan", strPtr("NaN 1\n"), Failed, types.JointAngles{}},
		{"empty", strPtr(""), Failed, types.JointAngles{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(dir, tt.name+".txt")
			if tt.content != nil {
				if err := os.WriteFile(path, []byte(*tt.content), 0644); err != nil {
					t.Fatal(err)
				}
			}

			result := NewStore(path).Load()
			if result.Status != tt.status {
				t.Fatalf("expected %s, got %s (%v)", tt.status, result.Status, result.Err)
			}
			if result.Status == Failed && result.Err == nil {
				t.Error("failed load must carry an error")
			}
			if result.Angles != tt.angles {
				t.Errorf("expected %v, got %v", tt.angles, result.Angles)
			}
		})
	}
}

func TestSaveFormat(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "angles.txt")
	store := NewStore(path)

	if err := store.Save(types.JointAngles{Alpha1: 30.12, Alpha2: 45}); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "30.12 45\n" {
		t.Errorf("unexpected file content %q", data)
	}

	if err := store.Clear(); err != nil {
		t.Fatalf("Clear failed: %v", err)
	}
	if err := store.Clear(); err != nil {
		t.Errorf("clearing twice should be fine, got %v", err)
	}
}

func strPtr(s string) *string { return &s }
