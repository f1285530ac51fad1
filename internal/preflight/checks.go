package preflight

import (
	"fmt"
	"time"

	"wandbctl/internal/runconfig"
	"wandbctl/internal/store"
)

type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
	SeverityInfo    Severity = "info"
)

// Check is one preflight finding. Only failed checks with error severity
// can block a launch.
type Check struct {
	Passed   bool     `json:"passed"`
	Message  string   `json:"message"`
	Severity Severity `json:"severity"`
}

func (c Check) Blocking() bool { return !c.Passed && c.Severity == SeverityError }

func pass(msg string) Check { return Check{Passed: true, Message: msg, Severity: SeverityInfo} }

// Sanity applies the static config rules.
func Sanity(cfg map[string]any) []Check {
	var out []Check
	positive := func(label string, v any) {
		if n, ok := runconfig.Number(v); ok && n <= 0 {
			out = append(out, Check{Message: fmt.Sprintf("%s must be positive (got %v)", label, v), Severity: SeverityError})
		}
	}

	if v, ok := cfg["batch_size"]; ok {
		positive("batch_size", v)
	}
	if v, ok := cfg["lr"]; ok {
		positive("learning_rate", v)
	} else if v, ok := cfg["learning_rate"]; ok {
		positive("learning_rate", v)
	}
	_, seed := cfg["seed"]
	_, randomSeed := cfg["random_seed"]
	if !seed && !randomSeed {
		out = append(out, Check{Message: "No random seed specified (reproducibility risk)", Severity: SeverityWarning})
	}
	if v, ok := cfg["epochs"]; ok {
		positive("epochs", v)
	}

	if len(out) == 0 {
		out = append(out, pass("Config sanity checks passed"))
	}
	return out
}

// FindDuplicates returns up to limit candidates whose config fingerprint
// equals fp, keeping candidate order. Candidates without a config are
// skipped and do not count toward the limit.
func FindDuplicates(fp string, candidates []store.Run, limit int) []store.Run {
	var out []store.Run
	for _, r := range candidates {
		if len(out) >= limit {
			break
		}
		if len(r.Config) == 0 {
			continue
		}
		if runconfig.Fingerprint(r.Config) == fp {
			out = append(out, r)
		}
	}
	return out
}

// DuplicateCheck judges fingerprint matches by how many fall inside window
// and whether any of those failed.
func DuplicateCheck(matches []store.Run, now time.Time, window time.Duration) Check {
	if len(matches) == 0 {
		return pass("No matching configs in history")
	}
	var recent, failed int
	for _, m := range matches {
		if m.CreatedAt == nil || now.Sub(*m.CreatedAt) >= window {
			continue
		}
		recent++
		if m.State.Failed() {
			failed++
		}
	}
	if recent == 0 {
		return pass("No recent duplicate configs found")
	}
	msg := fmt.Sprintf("Identical config ran %d time(s) in last %s", recent, windowLabel(window))
	if failed > 0 {
		return Check{Message: fmt.Sprintf("%s (%d failed)", msg, failed), Severity: SeverityError}
	}
	return Check{Message: msg, Severity: SeverityWarning}
}

// EarlyCrashCheck warns when more than limit runs failed before reaching
// maxRuntime seconds. Runs with unknown runtime are ignored.
func EarlyCrashCheck(runs []store.Run, limit int, maxRuntime int64) Check {
	n := 0
	for _, r := range runs {
		if r.State.Failed() && r.RuntimeSeconds != nil && *r.RuntimeSeconds < maxRuntime {
			n++
		}
	}
	if n > limit {
		return Check{
			Message:  fmt.Sprintf("%d runs failed within %s (early crash pattern)", n, minutesLabel(maxRuntime)),
			Severity: SeverityWarning,
		}
	}
	return pass("No concerning failure patterns")
}

func windowLabel(d time.Duration) string {
	if d%time.Hour == 0 {
		return fmt.Sprintf("%dh", int(d/time.Hour))
	}
	return d.String()
}

func minutesLabel(sec int64) string {
	if sec%60 == 0 {
		return fmt.Sprintf("%d minutes", sec/60)
	}
	return fmt.Sprintf("%d seconds", sec)
}
