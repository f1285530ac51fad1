package store

import (
	"errors"
	"time"
)

var ErrNotFound = errors.New("run not found in cache")

// State is the lifecycle state reported by the tracking service.
// Unknown values (killed, preempted, pending) are kept verbatim.
type State string

const (
	StateRunning  State = "running"
	StateFinished State = "finished"
	StateFailed   State = "failed"
	StateCrashed  State = "crashed"
)

// Failed reports whether the state counts as a failure (failed or crashed).
func (s State) Failed() bool {
	return s == StateFailed || s == StateCrashed
}

// Run is one mirrored run snapshot. ID is the primary key; re-ingesting the
// same ID replaces the previous row.
type Run struct {
	ID             string
	Entity         string
	Project        string
	Name           string
	State          State
	CreatedAt      *time.Time
	UpdatedAt      *time.Time
	RuntimeSeconds *int64
	GPUCount       *int
	Config         map[string]any
	Summary        map[string]any
	SyncedAt       time.Time
}

// Runtime returns the runtime in seconds, zero when unknown.
func (r Run) Runtime() int64 {
	if r.RuntimeSeconds == nil {
		return 0
	}
	return *r.RuntimeSeconds
}

// GPUs returns the GPU count, defaulting to 1 when unset or non-positive.
func (r Run) GPUs() int {
	if r.GPUCount == nil || *r.GPUCount <= 0 {
		return 1
	}
	return *r.GPUCount
}

// GPUSeconds is runtime multiplied by GPU count.
func (r Run) GPUSeconds() int64 {
	return r.Runtime() * int64(r.GPUs())
}

// DisplayName falls back to the run id when the run has no name.
func (r Run) DisplayName() string {
	if r.Name == "" {
		return r.ID
	}
	return r.Name
}

// ShortID is the first eight characters of the id, used in tables.
func (r Run) ShortID() string {
	if len(r.ID) <= 8 {
		return r.ID
	}
	return r.ID[:8]
}

// Filter narrows mirror reads. All set fields are ANDed together.
type Filter struct {
	Entity  string
	Project string
	State   State
	Since   *time.Time
}

type SyncEvent struct {
	ID       string
	Entity   string
	Project  string
	SyncedAt time.Time
	RunCount int
}

type UsageStats struct {
	TotalRuns              int64
	FinishedRuns           int64
	FailedRuns             int64
	RunningRuns            int64
	CrashedRuns            int64
	TotalRuntimeSeconds    int64
	FinishedRuntimeSeconds int64
	TotalGPUSeconds        int64
	ProjectCount           int64
}

// AverageFinishedRuntime is the mean runtime of finished runs. ok is false
// when no finished run exists.
func (u UsageStats) AverageFinishedRuntime() (avg float64, ok bool) {
	if u.FinishedRuns == 0 {
		return 0, false
	}
	return float64(u.FinishedRuntimeSeconds) / float64(u.FinishedRuns), true
}

func (u UsageStats) GPUHours() float64 {
	return float64(u.TotalGPUSeconds) / 3600
}

// DuplicateGroup is a set of cached runs sharing one config fingerprint.
type DuplicateGroup struct {
	ConfigHash string
	Count      int
	Failed     int
	RunIDs     []string
	Latest     *time.Time
}
