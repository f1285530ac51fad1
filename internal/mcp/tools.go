package mcp

import (
	"context"
	"encoding/json"
	"fmt"

	"wandbctl/internal/preflight"
	"wandbctl/internal/report"
	"wandbctl/internal/runconfig"
	"wandbctl/internal/store"
	"wandbctl/internal/zombie"
)

type scopeArgs struct {
	Entity  string `json:"entity"`
	Project string `json:"project"`
}

func (a scopeArgs) filter() store.Filter {
	return store.Filter{Entity: a.Entity, Project: a.Project}
}

func decodeArgs(args json.RawMessage, into any) error {
	if len(args) == 0 || string(args) == "null" {
		return nil
	}
	if err := json.Unmarshal(args, into); err != nil {
		return fmt.Errorf("invalid arguments: %w", err)
	}
	return nil
}

// toolFunc answers one tools/call with decoded JSON arguments.
type toolFunc func(ctx context.Context, args json.RawMessage) (any, error)

func (s *Server) callTool(ctx context.Context, name string, args json.RawMessage) (any, error) {
	if s.mirror == nil {
		return nil, fmt.Errorf("no mirror configured")
	}
	for _, t := range s.tools {
		if t.Name == name {
			return t.call(ctx, args)
		}
	}
	return nil, fmt.Errorf("unknown tool: %s", name)
}

func (s *Server) usage(ctx context.Context, args json.RawMessage) (any, error) {
	var in struct {
		scopeArgs
		Last string `json:"last"`
	}
	if err := decodeArgs(args, &in); err != nil {
		return nil, err
	}
	f := in.filter()
	since, err := report.Since(in.Last, s.now())
	if err != nil {
		return nil, err
	}
	f.Since = since
	u, err := s.mirror.UsageStats(ctx, f)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"total_runs":            u.TotalRuns,
		"finished_runs":         u.FinishedRuns,
		"failed_runs":           u.FailedRuns,
		"running_runs":          u.RunningRuns,
		"crashed_runs":          u.CrashedRuns,
		"total_runtime_seconds": u.TotalRuntimeSeconds,
		"total_gpu_seconds":     u.TotalGPUSeconds,
		"gpu_hours":             u.GPUHours(),
		"project_count":         u.ProjectCount,
		"summary":               report.SummaryLine(u),
	}, nil
}

func (s *Server) zombies(ctx context.Context, args json.RawMessage) (any, error) {
	var in struct {
		scopeArgs
		Threshold int `json:"threshold_minutes"`
	}
	if err := decodeArgs(args, &in); err != nil {
		return nil, err
	}
	threshold := in.Threshold
	if threshold <= 0 {
		threshold = s.threshold
	}
	if threshold <= 0 {
		threshold = zombie.DefaultThresholdMinutes
	}
	f := in.filter()
	u, err := s.mirror.UsageStats(ctx, f)
	if err != nil {
		return nil, err
	}
	f.State = store.StateRunning
	running, err := s.mirror.QueryRuns(ctx, f)
	if err != nil {
		return nil, err
	}
	found := zombie.Detect(running, threshold, zombie.BaselineFrom(u), s.now())
	out := make([]map[string]any, 0, len(found))
	for _, z := range found {
		out = append(out, map[string]any{
			"id":              z.ID,
			"project":         z.Project,
			"name":            z.Name,
			"runtime_seconds": z.RuntimeSeconds,
			"updated_at":      z.UpdatedAt,
			"confidence":      z.Confidence,
			"reasons":         z.Reasons,
		})
	}
	return map[string]any{"threshold_minutes": threshold, "running": len(running), "zombies": out}, nil
}

func (s *Server) duplicates(ctx context.Context, args json.RawMessage) (any, error) {
	var in struct {
		scopeArgs
		MinCount int `json:"min_count"`
	}
	if err := decodeArgs(args, &in); err != nil {
		return nil, err
	}
	if in.MinCount < 2 {
		in.MinCount = 2
	}
	groups, err := s.mirror.DuplicateGroups(ctx, in.filter(), in.MinCount)
	if err != nil {
		return nil, err
	}
	out := make([]map[string]any, 0, len(groups))
	for _, g := range groups {
		out = append(out, map[string]any{
			"config_hash": g.ConfigHash,
			"count":       g.Count,
			"failed":      g.Failed,
			"run_ids":     g.RunIDs,
			"latest":      g.Latest,
		})
	}
	return map[string]any{"groups": out}, nil
}

func (s *Server) preflightCheck(ctx context.Context, args json.RawMessage) (any, error) {
	var in struct {
		scopeArgs
		ConfigYAML string `json:"config_yaml"`
		ConfigJSON string `json:"config_json"`
	}
	if err := decodeArgs(args, &in); err != nil {
		return nil, err
	}
	var cfg map[string]any
	var err error
	switch {
	case in.ConfigYAML != "":
		cfg, err = runconfig.LoadYAML([]byte(in.ConfigYAML))
	case in.ConfigJSON != "":
		cfg, err = runconfig.LoadJSON([]byte(in.ConfigJSON))
	default:
		return nil, fmt.Errorf("missing config_yaml or config_json")
	}
	if err != nil {
		return nil, err
	}
	opts := s.preflight
	opts.Scope = in.filter()
	res := preflight.Run(ctx, s.mirror, cfg, opts, s.now())
	out := map[string]any{
		"fingerprint": res.Fingerprint,
		"checks":      res.Checks(),
		"blocked":     res.Blocked(false),
	}
	if res.HistoryErr != nil {
		out["history_error"] = res.HistoryErr.Error()
	}
	return out, nil
}
