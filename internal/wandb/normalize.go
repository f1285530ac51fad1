package wandb

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"wandbctl/internal/runconfig"
	"wandbctl/internal/store"
)

// runNode is a run as returned by the GraphQL API. config and
// summaryMetrics arrive as JSON-encoded strings.
type runNode struct {
	Name           string  `json:"name"`
	DisplayName    string  `json:"displayName"`
	State          string  `json:"state"`
	CreatedAt      *string `json:"createdAt"`
	HeartbeatAt    *string `json:"heartbeatAt"`
	Config         *string `json:"config"`
	SummaryMetrics *string `json:"summaryMetrics"`
}

func (n runNode) toRun(entity, project string) (store.Run, error) {
	if n.Name == "" {
		return store.Run{}, fmt.Errorf("missing run id")
	}
	created, err := parseTime(n.CreatedAt)
	if err != nil {
		return store.Run{}, fmt.Errorf("createdAt: %w", err)
	}
	updated, err := parseTime(n.HeartbeatAt)
	if err != nil {
		return store.Run{}, fmt.Errorf("heartbeatAt: %w", err)
	}
	rawCfg, err := decodeBlob(n.Config)
	if err != nil {
		return store.Run{}, fmt.Errorf("config: %w", err)
	}
	summary, err := decodeBlob(n.SummaryMetrics)
	if err != nil {
		return store.Run{}, fmt.Errorf("summary: %w", err)
	}
	cfg := unwrapConfig(rawCfg)

	r := store.Run{
		ID:        n.Name,
		Entity:    entity,
		Project:   project,
		Name:      n.DisplayName,
		State:     store.State(n.State),
		CreatedAt: created,
		UpdatedAt: updated,
		Config:    cfg,
		Summary:   summary,
	}
	if r.Name == "" {
		r.Name = r.ID
	}
	if v, ok := runconfig.Number(summary["_runtime"]); ok {
		sec := int64(v)
		r.RuntimeSeconds = &sec
	}
	r.GPUCount = gpuCount(summary, cfg)
	return r, nil
}

func gpuCount(summary, cfg map[string]any) *int {
	if meta, ok := summary["_wandb"].(map[string]any); ok {
		if v, ok := runconfig.Number(meta["gpu_count"]); ok {
			n := int(v)
			return &n
		}
	}
	if v, ok := runconfig.Number(cfg["gpu_count"]); ok {
		n := int(v)
		return &n
	}
	return nil
}

// unwrapConfig strips the {"value": v} envelope around each config entry
// and drops internal keys.
func unwrapConfig(raw map[string]any) map[string]any {
	if len(raw) == 0 {
		return nil
	}
	out := make(map[string]any, len(raw))
	for k, v := range raw {
		if strings.HasPrefix(k, "_") {
			continue
		}
		if m, ok := v.(map[string]any); ok {
			if inner, ok := m["value"]; ok {
				v = inner
			}
		}
		out[k] = v
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func decodeBlob(s *string) (map[string]any, error) {
	if s == nil || strings.TrimSpace(*s) == "" || *s == "null" {
		return nil, nil
	}
	dec := json.NewDecoder(bytes.NewReader([]byte(*s)))
	dec.UseNumber()
	var m map[string]any
	if err := dec.Decode(&m); err != nil {
		return nil, err
	}
	return m, nil
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
}

// parseTime accepts RFC 3339 and naive timestamps; naive ones are UTC.
func parseTime(s *string) (*time.Time, error) {
	if s == nil || *s == "" {
		return nil, nil
	}
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, *s); err == nil {
			t = t.UTC()
			return &t, nil
		}
	}
	return nil, fmt.Errorf("malformed timestamp %q", *s)
}

func marshalString(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
