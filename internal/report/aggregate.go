// Package report derives usage, cost, trend and failure views from mirrored
// runs. Every function here is a pure projection.
package report

import (
	"fmt"
	"sort"

	"wandbctl/internal/output"
	"wandbctl/internal/store"
)

type ProjectStats struct {
	Project        string
	Runs           int
	Finished       int
	Failed         int
	Running        int
	RuntimeSeconds int64
	GPUSeconds     int64
}

func (p ProjectStats) GPUHours() float64 { return float64(p.GPUSeconds) / 3600 }

func (p ProjectStats) Cost(rate float64) float64 { return p.GPUHours() * rate }

func groupByProject(runs []store.Run) []ProjectStats {
	idx := map[string]int{}
	var out []ProjectStats
	for _, r := range runs {
		name := r.Project
		if name == "" {
			name = "unknown"
		}
		i, ok := idx[name]
		if !ok {
			i = len(out)
			idx[name] = i
			out = append(out, ProjectStats{Project: name})
		}
		p := &out[i]
		p.Runs++
		p.RuntimeSeconds += r.Runtime()
		p.GPUSeconds += r.GPUSeconds()
		switch {
		case r.State == store.StateFinished:
			p.Finished++
		case r.State.Failed():
			p.Failed++
		case r.State == store.StateRunning:
			p.Running++
		}
	}
	return out
}

// Projects is a per-project breakdown, busiest first.
func Projects(runs []store.Run) []ProjectStats {
	out := groupByProject(runs)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Runs > out[j].Runs })
	return out
}

type CostReport struct {
	Rate     float64
	Projects []ProjectStats
}

func (c CostReport) TotalRuns() int {
	n := 0
	for _, p := range c.Projects {
		n += p.Runs
	}
	return n
}

func (c CostReport) TotalGPUHours() float64 {
	var s int64
	for _, p := range c.Projects {
		s += p.GPUSeconds
	}
	return float64(s) / 3600
}

func (c CostReport) TotalCost() float64 { return c.TotalGPUHours() * c.Rate }

// Costs prices GPU time per project at rate USD per GPU-hour, most
// expensive first.
func Costs(runs []store.Run, rate float64) CostReport {
	out := groupByProject(runs)
	sort.SliceStable(out, func(i, j int) bool { return out[i].GPUSeconds > out[j].GPUSeconds })
	return CostReport{Rate: rate, Projects: out}
}

type SortBy string

const (
	ByRuntime  SortBy = "runtime"
	ByGPUHours SortBy = "gpu-hours"
)

func ParseSortBy(s string) (SortBy, error) {
	switch SortBy(s) {
	case ByRuntime, ByGPUHours:
		return SortBy(s), nil
	}
	return "", fmt.Errorf("invalid sort key %q (use runtime or gpu-hours)", s)
}

// Top returns the limit largest runs by the chosen key.
func Top(runs []store.Run, by SortBy, limit int) []store.Run {
	sorted := append([]store.Run{}, runs...)
	key := func(r store.Run) int64 { return r.Runtime() }
	if by == ByGPUHours {
		key = func(r store.Run) int64 { return r.GPUSeconds() }
	}
	sort.SliceStable(sorted, func(i, j int) bool { return key(sorted[i]) > key(sorted[j]) })
	if limit >= 0 && len(sorted) > limit {
		sorted = sorted[:limit]
	}
	return sorted
}

const (
	earlyFailureSeconds = 300
	lateFailureSeconds  = 3600
	failureProjectLimit = 5
)

type ProjectCount struct {
	Project string
	Count   int
}

type FailureReport struct {
	Total  int
	Failed int
	// Early failed under 5 minutes, Late at or after 1 hour.
	Early, Medium, Late int
	ByProject           []ProjectCount
}

func (f FailureReport) Rate() float64 {
	if f.Total == 0 {
		return 0
	}
	return float64(f.Failed) / float64(f.Total) * 100
}

// Failures breaks failed and crashed runs down by runtime and project.
// Unknown runtime counts as zero.
func Failures(runs []store.Run) FailureReport {
	rep := FailureReport{Total: len(runs)}
	idx := map[string]int{}
	for _, r := range runs {
		if !r.State.Failed() {
			continue
		}
		rep.Failed++
		switch rt := r.Runtime(); {
		case rt < earlyFailureSeconds:
			rep.Early++
		case rt < lateFailureSeconds:
			rep.Medium++
		default:
			rep.Late++
		}
		name := r.Project
		if name == "" {
			name = "unknown"
		}
		if i, ok := idx[name]; ok {
			rep.ByProject[i].Count++
		} else {
			idx[name] = len(rep.ByProject)
			rep.ByProject = append(rep.ByProject, ProjectCount{Project: name, Count: 1})
		}
	}
	sort.SliceStable(rep.ByProject, func(i, j int) bool { return rep.ByProject[i].Count > rep.ByProject[j].Count })
	if len(rep.ByProject) > failureProjectLimit {
		rep.ByProject = rep.ByProject[:failureProjectLimit]
	}
	return rep
}

// SummaryLine is a one-line digest of usage stats.
func SummaryLine(u store.UsageStats) string {
	line := fmt.Sprintf("%d runs | %d ok | %d fail", u.TotalRuns, u.FinishedRuns, u.FailedRuns)
	if u.RunningRuns > 0 {
		line += fmt.Sprintf(" | %d running", u.RunningRuns)
	}
	success := 0.0
	if u.TotalRuns > 0 {
		success = float64(u.FinishedRuns) / float64(u.TotalRuns) * 100
	}
	line += fmt.Sprintf(" | %s runtime | %.0f GPU-hrs | %.0f%% success",
		output.Seconds(u.TotalRuntimeSeconds), u.GPUHours(), success)
	return line
}
