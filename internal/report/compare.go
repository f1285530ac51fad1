package report

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"wandbctl/internal/output"
	"wandbctl/internal/runconfig"
	"wandbctl/internal/store"
)

const (
	MinCompare = 2
	MaxCompare = 5
)

var ErrCompareCount = errors.New("compare needs between 2 and 5 run ids")

// MatchRuns resolves each id against candidates by exact id or id prefix,
// in the order given. Missing ids are returned separately.
func MatchRuns(candidates []store.Run, ids []string) (found []store.Run, missing []string) {
	for _, id := range ids {
		var hit *store.Run
		for i := range candidates {
			if candidates[i].ID == id {
				hit = &candidates[i]
				break
			}
		}
		if hit == nil {
			for i := range candidates {
				if strings.HasPrefix(candidates[i].ID, id) {
					hit = &candidates[i]
					break
				}
			}
		}
		if hit == nil {
			missing = append(missing, id)
			continue
		}
		found = append(found, *hit)
	}
	return found, missing
}

type Row struct {
	Key    string
	Values []string
	// Differs marks values that differ from the first run's value.
	Differs []bool
}

type Comparison struct {
	Runs    []store.Run
	Info    []Row
	Config  []Row
	Metrics []Row
}

// Compare lays up to five runs side by side: identity fields, every config
// key with differences from the first run flagged, and public summary
// metrics.
func Compare(runs []store.Run) (Comparison, error) {
	if len(runs) < MinCompare || len(runs) > MaxCompare {
		return Comparison{}, ErrCompareCount
	}
	c := Comparison{Runs: runs}
	info := []struct {
		key string
		get func(store.Run) string
	}{
		{"name", store.Run.DisplayName},
		{"state", func(r store.Run) string { return string(r.State) }},
		{"project", func(r store.Run) string { return r.Project }},
	}
	for _, f := range info {
		row := Row{Key: f.key}
		for _, r := range runs {
			row.Values = append(row.Values, orMissing(f.get(r)))
		}
		c.Info = append(c.Info, row)
	}

	for _, key := range unionKeys(runs, func(r store.Run) map[string]any { return r.Config }) {
		row := Row{Key: key}
		var base string
		for i, r := range runs {
			v, ok := r.Config[key]
			canon := ""
			if ok {
				canon = string(runconfig.Canonical(v))
			}
			if i == 0 {
				base = canon
			}
			row.Values = append(row.Values, formatValue(v, ok))
			row.Differs = append(row.Differs, i > 0 && canon != base)
		}
		c.Config = append(c.Config, row)
	}

	for _, key := range unionKeys(runs, func(r store.Run) map[string]any { return PublicSummary(r.Summary) }) {
		row := Row{Key: key}
		for _, r := range runs {
			v, ok := r.Summary[key]
			row.Values = append(row.Values, formatMetric(v, ok))
		}
		c.Metrics = append(c.Metrics, row)
	}
	return c, nil
}

// PublicSummary drops keys starting with an underscore.
func PublicSummary(m map[string]any) map[string]any {
	if len(m) == 0 {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		if !strings.HasPrefix(k, "_") {
			out[k] = v
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func unionKeys(runs []store.Run, get func(store.Run) map[string]any) []string {
	seen := map[string]struct{}{}
	for _, r := range runs {
		for k := range get(r) {
			seen[k] = struct{}{}
		}
	}
	keys := make([]string, 0, len(seen))
	for k := range seen {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func orMissing(s string) string {
	if s == "" {
		return output.Missing
	}
	return s
}

func formatValue(v any, ok bool) string {
	if !ok || v == nil {
		return output.Missing
	}
	switch t := v.(type) {
	case string:
		return t
	case json.Number:
		return t.String()
	case float64:
		return strconv.FormatFloat(t, 'g', -1, 64)
	case map[string]any, []any:
		return string(runconfig.Canonical(t))
	}
	return fmt.Sprint(v)
}

// formatMetric prints fractional numbers with four decimals.
func formatMetric(v any, ok bool) string {
	if !ok || v == nil {
		return output.Missing
	}
	var f float64
	switch t := v.(type) {
	case float64:
		f = t
	case json.Number:
		if !strings.ContainsAny(t.String(), ".eE") {
			return t.String()
		}
		var err error
		if f, err = t.Float64(); err != nil {
			return t.String()
		}
	default:
		return formatValue(v, true)
	}
	if f == math.Trunc(f) && math.Abs(f) < 1e15 {
		return strconv.FormatInt(int64(f), 10)
	}
	return strconv.FormatFloat(f, 'f', 4, 64)
}

// ExportRecord is the JSON shape written by export.
type ExportRecord struct {
	ID             string         `json:"id"`
	Entity         string         `json:"entity"`
	Project        string         `json:"project"`
	Name           string         `json:"name"`
	State          store.State    `json:"state"`
	RuntimeSeconds *int64         `json:"runtime_seconds"`
	GPUCount       *int           `json:"gpu_count"`
	CreatedAt      *time.Time     `json:"created_at,omitempty"`
	Config         map[string]any `json:"config,omitempty"`
	Summary        map[string]any `json:"summary,omitempty"`
}

func Export(runs []store.Run) []ExportRecord {
	out := make([]ExportRecord, 0, len(runs))
	for _, r := range runs {
		out = append(out, ExportRecord{
			ID:             r.ID,
			Entity:         r.Entity,
			Project:        r.Project,
			Name:           r.Name,
			State:          r.State,
			RuntimeSeconds: r.RuntimeSeconds,
			GPUCount:       r.GPUCount,
			CreatedAt:      r.CreatedAt,
			Config:         r.Config,
			Summary:        PublicSummary(r.Summary),
		})
	}
	return out
}

func WriteJSON(w io.Writer, v any, pretty bool) error {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if pretty {
		enc.SetIndent("", "  ")
	}
	if err := enc.Encode(v); err != nil {
		return err
	}
	_, err := w.Write(buf.Bytes())
	return err
}
