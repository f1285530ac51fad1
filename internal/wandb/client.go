package wandb

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

var (
	// ErrNoEntity means neither the caller nor the account named an entity.
	ErrNoEntity = errors.New("no entity specified and no default entity found")
	// ErrUnreachable wraps transport, authentication and server-side failures.
	ErrUnreachable = errors.New("tracking service unreachable")
)

// Client is a read-only GraphQL client for the tracking service.
type Client struct {
	BaseURL string
	APIKey  string
	HTTP    *http.Client
	log     *zap.Logger
}

type Option func(*Client)

func WithHTTPClient(h *http.Client) Option { return func(c *Client) { c.HTTP = h } }

func WithLogger(l *zap.Logger) Option { return func(c *Client) { c.log = l } }

func NewClient(baseURL, apiKey string, opts ...Option) *Client {
	c := &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		APIKey:  apiKey,
		HTTP:    &http.Client{Timeout: 60 * time.Second},
		log:     zap.NewNop(),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

type gqlReq struct {
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables,omitempty"`
}

type gqlErr struct {
	Message string `json:"message"`
}

type gqlResp struct {
	Data   json.RawMessage `json:"data"`
	Errors []gqlErr        `json:"errors"`
}

func (c *Client) query(ctx context.Context, q string, vars map[string]any, out any) error {
	b, err := json.Marshal(gqlReq{Query: q, Variables: vars})
	if err != nil {
		return err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/graphql", bytes.NewReader(b))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.APIKey != "" {
		httpReq.SetBasicAuth("api", c.APIKey)
	}

	start := time.Now()
	res, err := c.HTTP.Do(httpReq)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	defer res.Body.Close()
	c.log.Debug("graphql request", zap.Int("status", res.StatusCode), zap.Duration("took", time.Since(start)))

	switch {
	case res.StatusCode == http.StatusUnauthorized || res.StatusCode == http.StatusForbidden:
		return fmt.Errorf("%w: authentication failed (http %d); check WANDB_API_KEY", ErrUnreachable, res.StatusCode)
	case res.StatusCode >= 500:
		return fmt.Errorf("%w: http %d", ErrUnreachable, res.StatusCode)
	case res.StatusCode/100 != 2:
		body, _ := io.ReadAll(io.LimitReader(res.Body, 512))
		return fmt.Errorf("http %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}

	var resp gqlResp
	if err := json.NewDecoder(res.Body).Decode(&resp); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	if len(resp.Errors) > 0 {
		msgs := make([]string, 0, len(resp.Errors))
		for _, e := range resp.Errors {
			msgs = append(msgs, e.Message)
		}
		return fmt.Errorf("graphql: %s", strings.Join(msgs, "; "))
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(resp.Data, out)
}

const viewerQuery = `query Viewer { viewer { entity username } }`

// DefaultEntity returns the entity of the authenticated account, or "" when
// the account has none.
func (c *Client) DefaultEntity(ctx context.Context) (string, error) {
	var data struct {
		Viewer *struct {
			Entity   string `json:"entity"`
			Username string `json:"username"`
		} `json:"viewer"`
	}
	if err := c.query(ctx, viewerQuery, nil, &data); err != nil {
		return "", err
	}
	if data.Viewer == nil {
		return "", nil
	}
	if data.Viewer.Entity != "" {
		return data.Viewer.Entity, nil
	}
	return data.Viewer.Username, nil
}

const projectsQuery = `query Projects($entity: String!, $cursor: String) {
	models(entityName: $entity, first: 100, after: $cursor) {
		edges { node { name } }
		pageInfo { hasNextPage endCursor }
	}
}`

func (c *Client) ListProjects(ctx context.Context, entity string) ([]string, error) {
	entity, err := c.resolveEntity(ctx, entity)
	if err != nil {
		return nil, err
	}
	var names []string
	var cursor *string
	for {
		var data struct {
			Models struct {
				Edges []struct {
					Node struct {
						Name string `json:"name"`
					} `json:"node"`
				} `json:"edges"`
				PageInfo pageInfo `json:"pageInfo"`
			} `json:"models"`
		}
		if err := c.query(ctx, projectsQuery, map[string]any{"entity": entity, "cursor": cursor}, &data); err != nil {
			return nil, fmt.Errorf("list projects: %w", err)
		}
		for _, e := range data.Models.Edges {
			names = append(names, e.Node.Name)
		}
		if !data.Models.PageInfo.HasNextPage || data.Models.PageInfo.EndCursor == "" {
			return names, nil
		}
		next := data.Models.PageInfo.EndCursor
		cursor = &next
	}
}

// Scope names the owning entity and, optionally, one project.
type Scope struct {
	Entity  string
	Project string
}

// ResolveScope fills in the account's default entity when none is given.
func (c *Client) ResolveScope(ctx context.Context, s Scope) (Scope, error) {
	e, err := c.resolveEntity(ctx, s.Entity)
	if err != nil {
		return Scope{}, err
	}
	s.Entity = e
	return s, nil
}

func (c *Client) resolveEntity(ctx context.Context, entity string) (string, error) {
	if entity != "" {
		return entity, nil
	}
	e, err := c.DefaultEntity(ctx)
	if err != nil {
		return "", err
	}
	if e == "" {
		return "", ErrNoEntity
	}
	return e, nil
}
