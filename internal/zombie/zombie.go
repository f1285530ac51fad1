// Package zombie flags running runs that look stalled.
package zombie

import (
	"fmt"
	"time"

	"wandbctl/internal/store"
)

const DefaultThresholdMinutes = 15

type Confidence string

const (
	Medium Confidence = "medium"
	High   Confidence = "high"
)

// Classification is a verdict for one run. It is recomputed on every call
// and never stored.
type Classification struct {
	ID             string
	Entity         string
	Project        string
	Name           string
	State          store.State
	RuntimeSeconds *int64
	UpdatedAt      time.Time
	Confidence     Confidence
	Reasons        []string
}

// Baseline is the mean runtime of finished runs in scope, if any.
type Baseline struct {
	AvgRuntime float64
	OK         bool
}

func BaselineFrom(u store.UsageStats) Baseline {
	avg, ok := u.AverageFinishedRuntime()
	return Baseline{AvgRuntime: avg, OK: ok}
}

// Classify returns nil when the run has no heartbeat or was updated less
// than thresholdMinutes before now. Confidence only escalates.
func Classify(r store.Run, thresholdMinutes int, base Baseline, now time.Time) *Classification {
	if r.UpdatedAt == nil {
		return nil
	}
	updated := r.UpdatedAt.UTC()
	elapsed := now.UTC().Sub(updated).Minutes()
	threshold := float64(thresholdMinutes)
	if elapsed < threshold {
		return nil
	}

	c := &Classification{
		ID:             r.ID,
		Entity:         r.Entity,
		Project:        r.Project,
		Name:           r.DisplayName(),
		State:          r.State,
		RuntimeSeconds: r.RuntimeSeconds,
		UpdatedAt:      updated,
		Confidence:     Medium,
		Reasons:        []string{fmt.Sprintf("no updates for %dm", int(elapsed))},
	}
	if elapsed >= 2*threshold {
		c.Confidence = High
	}

	if base.OK && base.AvgRuntime > 0 && r.RuntimeSeconds != nil && *r.RuntimeSeconds > 0 {
		runtime := float64(*r.RuntimeSeconds)
		switch {
		case runtime > 3*base.AvgRuntime:
			c.Confidence = High
			c.Reasons = append(c.Reasons, "runtime 3× above average")
		case runtime > 2*base.AvgRuntime:
			c.Reasons = append(c.Reasons, "runtime 2× above average")
		}
	}
	return c
}

// Detect classifies every run and keeps the flagged ones, in input order.
func Detect(runs []store.Run, thresholdMinutes int, base Baseline, now time.Time) []Classification {
	var out []Classification
	for _, r := range runs {
		if c := Classify(r, thresholdMinutes, base, now); c != nil {
			out = append(out, *c)
		}
	}
	return out
}
