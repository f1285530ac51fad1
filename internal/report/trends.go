package report

import (
	"fmt"
	"time"

	"wandbctl/internal/store"
)

type Grouping string

const (
	ByDay  Grouping = "day"
	ByWeek Grouping = "week"
)

func ParseGrouping(s string) (Grouping, error) {
	switch Grouping(s) {
	case ByDay, ByWeek:
		return Grouping(s), nil
	}
	return "", fmt.Errorf("invalid group %q (use day or week)", s)
}

type Bucket struct {
	Key            string
	Runs           int64
	RuntimeSeconds int64
}

type TrendReport struct {
	Group   Grouping
	Buckets []Bucket
}

// Trends buckets runs by creation day or ISO week. Every bucket between
// since and now is present, including empty ones. Runs without a creation
// time or outside the range are ignored.
func Trends(runs []store.Run, since, now time.Time, group Grouping) TrendReport {
	keyOf := dayKey
	step := func(t time.Time) time.Time { return t.AddDate(0, 0, 1) }
	start := truncateDay(since.UTC())
	if group == ByWeek {
		keyOf = weekKey
		step = func(t time.Time) time.Time { return t.AddDate(0, 0, 7) }
		start = startOfISOWeek(since.UTC())
	}

	rep := TrendReport{Group: group}
	idx := map[string]int{}
	end := now.UTC()
	for t := start; !t.After(end); t = step(t) {
		k := keyOf(t)
		idx[k] = len(rep.Buckets)
		rep.Buckets = append(rep.Buckets, Bucket{Key: k})
	}
	for _, r := range runs {
		if r.CreatedAt == nil {
			continue
		}
		i, ok := idx[keyOf(r.CreatedAt.UTC())]
		if !ok {
			continue
		}
		rep.Buckets[i].Runs++
		rep.Buckets[i].RuntimeSeconds += r.Runtime()
	}
	return rep
}

func (t TrendReport) RunCounts() []int64 {
	out := make([]int64, len(t.Buckets))
	for i, b := range t.Buckets {
		out[i] = b.Runs
	}
	return out
}

func (t TrendReport) Runtimes() []int64 {
	out := make([]int64, len(t.Buckets))
	for i, b := range t.Buckets {
		out[i] = b.RuntimeSeconds
	}
	return out
}

func (t TrendReport) TotalRuns() int64 { return sum(t.RunCounts()) }

func (t TrendReport) TotalRuntime() int64 { return sum(t.Runtimes()) }

// AverageRuns is the mean run count over non-empty buckets.
func (t TrendReport) AverageRuns() float64 {
	var total, active int64
	for _, b := range t.Buckets {
		if b.Runs > 0 {
			total += b.Runs
			active++
		}
	}
	if active == 0 {
		return 0
	}
	return float64(total) / float64(active)
}

// Peak is the first bucket with the highest run count.
func (t TrendReport) Peak() (Bucket, bool) {
	if len(t.Buckets) == 0 {
		return Bucket{}, false
	}
	best := t.Buckets[0]
	for _, b := range t.Buckets[1:] {
		if b.Runs > best.Runs {
			best = b
		}
	}
	return best, true
}

var sparkChars = []rune(" ▁▂▃▄▅▆▇█")

// Sparkline maps each value to a block character proportional to the
// largest value. All-zero input renders as a flat baseline.
func Sparkline(values []int64) string {
	var max int64
	for _, v := range values {
		if v > max {
			max = v
		}
	}
	out := make([]rune, len(values))
	for i, v := range values {
		if max == 0 {
			out[i] = sparkChars[1]
			continue
		}
		if v < 0 {
			v = 0
		}
		out[i] = sparkChars[int(float64(v)/float64(max)*float64(len(sparkChars)-1))]
	}
	return string(out)
}

func sum(vs []int64) int64 {
	var s int64
	for _, v := range vs {
		s += v
	}
	return s
}

func truncateDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

func startOfISOWeek(t time.Time) time.Time {
	d := truncateDay(t)
	offset := (int(d.Weekday()) + 6) % 7
	return d.AddDate(0, 0, -offset)
}

func dayKey(t time.Time) string { return t.Format("2006-01-02") }

func weekKey(t time.Time) string {
	y, w := t.ISOWeek()
	return fmt.Sprintf("%d-W%02d", y, w)
}
