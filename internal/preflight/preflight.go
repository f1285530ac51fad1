// Package preflight validates a training config before launch and looks for
// duplicate or failure-prone history in the local mirror.
package preflight

import (
	"context"
	"time"

	"wandbctl/internal/runconfig"
	"wandbctl/internal/store"
)

// History is the slice of the mirror preflight reads.
type History interface {
	CountRuns(ctx context.Context, f store.Filter) (int, error)
	RecentConfigured(ctx context.Context, f store.Filter, n int) ([]store.Run, error)
	QueryRuns(ctx context.Context, f store.Filter) ([]store.Run, error)
}

type Options struct {
	Scope             store.Filter
	DuplicateWindow   time.Duration
	DuplicateLimit    int
	EarlyCrashLimit   int
	EarlyCrashRuntime int64
	// scanFactor times DuplicateLimit rows are scanned for fingerprint matches.
	scanFactor int
}

func DefaultOptions() Options {
	return Options{
		DuplicateWindow:   24 * time.Hour,
		DuplicateLimit:    5,
		EarlyCrashLimit:   5,
		EarlyCrashRuntime: 300,
	}
}

type Result struct {
	Fingerprint string
	Sanity      []Check
	// History checks are empty when the mirror is empty or unavailable.
	Duplicate  *Check
	EarlyCrash *Check
	Matches    []store.Run
	// HistoryErr is set when the mirror could not be read; it never blocks.
	HistoryErr error
}

func (r Result) Checks() []Check {
	out := append([]Check{}, r.Sanity...)
	if r.Duplicate != nil {
		out = append(out, *r.Duplicate)
	}
	if r.EarlyCrash != nil {
		out = append(out, *r.EarlyCrash)
	}
	return out
}

func (r Result) HasErrors() bool {
	for _, c := range r.Checks() {
		if c.Blocking() {
			return true
		}
	}
	return false
}

// Blocked reports whether the launch should be refused. warnOnly downgrades
// blocking findings without hiding them.
func (r Result) Blocked(warnOnly bool) bool {
	return r.HasErrors() && !warnOnly
}

// Run performs every check against cfg. A nil History skips the history
// checks.
func Run(ctx context.Context, h History, cfg map[string]any, opts Options, now time.Time) Result {
	res := Result{
		Fingerprint: runconfig.Fingerprint(cfg),
		Sanity:      Sanity(cfg),
	}
	if h == nil {
		return res
	}
	d := DefaultOptions()
	if opts.DuplicateWindow <= 0 {
		opts.DuplicateWindow = d.DuplicateWindow
	}
	if opts.DuplicateLimit <= 0 {
		opts.DuplicateLimit = d.DuplicateLimit
	}
	if opts.EarlyCrashLimit <= 0 {
		opts.EarlyCrashLimit = d.EarlyCrashLimit
	}
	if opts.EarlyCrashRuntime <= 0 {
		opts.EarlyCrashRuntime = d.EarlyCrashRuntime
	}
	if opts.scanFactor <= 0 {
		opts.scanFactor = 10
	}

	n, err := h.CountRuns(ctx, opts.Scope)
	if err != nil {
		res.HistoryErr = err
		return res
	}
	if n == 0 {
		return res
	}

	candidates, err := h.RecentConfigured(ctx, opts.Scope, opts.DuplicateLimit*opts.scanFactor)
	if err != nil {
		res.HistoryErr = err
		return res
	}
	res.Matches = FindDuplicates(res.Fingerprint, candidates, opts.DuplicateLimit)
	dup := DuplicateCheck(res.Matches, now, opts.DuplicateWindow)
	res.Duplicate = &dup

	runs, err := h.QueryRuns(ctx, opts.Scope)
	if err != nil {
		res.HistoryErr = err
		return res
	}
	early := EarlyCrashCheck(runs, opts.EarlyCrashLimit, opts.EarlyCrashRuntime)
	res.EarlyCrash = &early
	return res
}
