// Package client is a Go client for the servicegraph HTTP API. It also provides the node id
// scheme and graph-context header shared by instrumented services.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/malbeclabs/servicegraph/pkg/topology"
)

const (
	submitPath      = "/submit/"
	queryPath       = "/query"
	activeNodesPath = "/active-nodes"
	serviceMapPath  = "/service-map"
	histogramPath   = "/histogram"
	healthPath      = "/health"

	defaultTimeout = 30 * time.Second
)

// APIError is returned for any non-2xx response.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("servicegraph: status=%d: %s", e.StatusCode, e.Message)
}

// Window bounds a query. Nil fields take the server defaults of one hour ago and now.
type Window struct {
	Start *time.Time
	End   *time.Time
}

type GraphQuery struct {
	Window
	FromTypes    []topology.NodeType
	ToTypes      []topology.NodeType
	EdgeStatuses []topology.EdgeStatus
}

type ActiveNodesQuery struct {
	Window
	Types []topology.NodeType
}

type ServiceMapQuery struct {
	GraphQuery
	TrafficVolumePercentile *float64
}

type Option func(*Client)

func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.HTTPClient = httpClient
	}
}

type Client struct {
	BaseURL    string
	ProjectID  uint64
	HTTPClient *http.Client
}

func New(baseURL string, projectID uint64, opts ...Option) *Client {
	c := &Client{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		ProjectID:  projectID,
		HTTPClient: &http.Client{Timeout: defaultTimeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Submit sends one batch of node and edge observations.
func (c *Client) Submit(ctx context.Context, nodes []topology.Node, edges []topology.Edge) error {
	body := struct {
		ProjectID uint64          `json:"project_id"`
		Nodes     []topology.Node `json:"nodes"`
		Edges     []topology.Edge `json:"edges"`
	}{c.ProjectID, nodes, edges}
	return c.post(ctx, submitPath, body, nil)
}

func (c *Client) QueryGraph(ctx context.Context, q GraphQuery) (topology.Graph, error) {
	var out topology.Graph
	err := c.post(ctx, queryPath, c.graphBody(q), &out)
	return out, err
}

func (c *Client) QueryActiveNodes(ctx context.Context, q ActiveNodesQuery) (topology.ActiveNodes, error) {
	body := struct {
		windowBody
		Types []topology.NodeType `json:"types,omitempty"`
	}{c.windowBody(q.Window), q.Types}

	var out topology.ActiveNodes
	err := c.post(ctx, activeNodesPath, body, &out)
	return out, err
}

func (c *Client) QueryServiceMap(ctx context.Context, q ServiceMapQuery) (topology.ServiceMap, error) {
	body := struct {
		graphBody
		TrafficVolumePercentile *float64 `json:"traffic_volume_percentile,omitempty"`
	}{c.graphBody(q.GraphQuery), q.TrafficVolumePercentile}

	var out topology.ServiceMap
	err := c.post(ctx, serviceMapPath, body, &out)
	return out, err
}

func (c *Client) QueryHistogram(ctx context.Context, w Window) (topology.Histogram, error) {
	var out topology.Histogram
	err := c.post(ctx, histogramPath, c.windowBody(w), &out)
	return out, err
}

// Health returns the liveness string reported by the server.
func (c *Client) Health(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+healthPath, nil)
	if err != nil {
		return "", err
	}
	resp, err := c.httpClient().Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	if resp.StatusCode != http.StatusOK {
		return "", &APIError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(b))}
	}
	return string(b), nil
}

type windowBody struct {
	ProjectID uint64     `json:"project_id"`
	StartDate *time.Time `json:"start_date,omitempty"`
	EndDate   *time.Time `json:"end_date,omitempty"`
}

type graphBody struct {
	windowBody
	FromTypes    []topology.NodeType   `json:"from_types,omitempty"`
	ToTypes      []topology.NodeType   `json:"to_types,omitempty"`
	EdgeStatuses []topology.EdgeStatus `json:"edge_statuses,omitempty"`
}

func (c *Client) windowBody(w Window) windowBody {
	return windowBody{ProjectID: c.ProjectID, StartDate: w.Start, EndDate: w.End}
}

func (c *Client) graphBody(q GraphQuery) graphBody {
	return graphBody{
		windowBody:   c.windowBody(q.Window),
		FromTypes:    q.FromTypes,
		ToTypes:      q.ToTypes,
		EdgeStatuses: q.EdgeStatuses,
	}
}

func (c *Client) httpClient() *http.Client {
	if c.HTTPClient == nil {
		return http.DefaultClient
	}
	return c.HTTPClient
}

func (c *Client) post(ctx context.Context, path string, in, out any) error {
	b, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("failed to encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+path, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient().Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return decodeAPIError(resp)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", path, err)
	}
	return nil
}

func decodeAPIError(resp *http.Response) error {
	b, _ := io.ReadAll(resp.Body)
	var body struct {
		Error string `json:"error"`
	}
	msg := strings.TrimSpace(string(b))
	if err := json.Unmarshal(b, &body); err == nil && body.Error != "" {
		msg = body.Error
	}
	return &APIError{StatusCode: resp.StatusCode, Message: msg}
}
