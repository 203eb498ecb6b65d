package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/clearwell/studykit/internal/health"
	"github.com/clearwell/studykit/internal/task"
)

// DefaultTimeout bounds each backend call when the caller's context
// carries no deadline of its own.
const DefaultTimeout = 30 * time.Second

// Client is the HTTP implementation of Facade, speaking JSON to the
// study platform:
//
//	POST {base}/api/projects/{project}/health-data
//	GET  {base}/api/projects/{project}/tasks
//
// Uploads carry an Idempotency-Key header derived from the data type and
// range so the platform can deduplicate at-least-once deliveries.
type Client struct {
	base    string
	project string
	hc      *http.Client
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient overrides the underlying *http.Client (for tests or
// custom transports).
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.hc = hc }
}

// NewClient creates a backend client for one study project.
func NewClient(baseURL, projectID string, opts ...ClientOption) *Client {
	c := &Client{
		base:    baseURL,
		project: projectID,
		hc:      &http.Client{Timeout: DefaultTimeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// uploadBody is the wire form of one sample batch.
type uploadBody struct {
	DataType string          `json:"data_type"`
	From     time.Time       `json:"from"`
	To       time.Time       `json:"to"`
	Samples  []health.Sample `json:"samples"`
}

// Upload implements Facade.
func (c *Client) Upload(ctx context.Context, dataType string, from, to time.Time, samples []health.Sample) error {
	body, err := json.Marshal(uploadBody{DataType: dataType, From: from, To: to, Samples: samples})
	if err != nil {
		return fmt.Errorf("encode upload: %w", err)
	}

	url := fmt.Sprintf("%s/api/projects/%s/health-data", c.base, c.project)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build upload request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", idempotencyKey(dataType, from, to))

	resp, err := c.hc.Do(req)
	if err != nil {
		return fmt.Errorf("upload %s: %w", dataType, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("upload %s: backend returned %s", dataType, resp.Status)
	}
	return nil
}

// taskDefBody is the wire form of one task definition.
type taskDefBody struct {
	ID            string     `json:"id"`
	Title         string     `json:"title"`
	Description   string     `json:"description"`
	DataTypes     []string   `json:"data_types"`
	StartAt       *time.Time `json:"start_at,omitempty"`
	EverySeconds  int64      `json:"every_seconds"`
	WindowSeconds int64      `json:"window_seconds"`
}

// FetchTasks implements Facade.
func (c *Client) FetchTasks(ctx context.Context) ([]task.Definition, error) {
	url := fmt.Sprintf("%s/api/projects/%s/tasks", c.base, c.project)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build tasks request: %w", err)
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch tasks: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch tasks: backend returned %s", resp.Status)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read tasks response: %w", err)
	}

	var bodies []taskDefBody
	if err := json.Unmarshal(data, &bodies); err != nil {
		return nil, fmt.Errorf("decode tasks response: %w", err)
	}

	defs := make([]task.Definition, 0, len(bodies))
	for _, b := range bodies {
		d := task.Definition{
			ID:          b.ID,
			Title:       b.Title,
			Description: b.Description,
			DataTypes:   b.DataTypes,
			Every:       time.Duration(b.EverySeconds) * time.Second,
			Window:      time.Duration(b.WindowSeconds) * time.Second,
		}
		if b.StartAt != nil {
			d.StartAt = *b.StartAt
		}
		defs = append(defs, d)
	}
	return defs, nil
}

// idempotencyKey identifies an upload by (data type, time range).
func idempotencyKey(dataType string, from, to time.Time) string {
	return fmt.Sprintf("%s:%d:%d", dataType, from.UnixNano(), to.UnixNano())
}
