// Package remote is the coordinator's REST client to the workflow server:
// fetch/patch workflow documents and POST run requests, the boundary
// against the external systems the coordinator itself does not own.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/lyzr/tabcoord/common/cache"
)

// Client wraps http.Client with the request/response shape the Seeder &
// Persister and Execution Invoker need, the same DoRequest-centered pattern
// clients.HTTPClient uses.
type Client struct {
	http *http.Client

	// cache, if set, short-circuits GetWorkflow for cacheTTL so a burst of
	// subscribers landing on the same workflow within that window doesn't
	// each trigger their own REST round trip.
	cache    cache.Cache
	cacheTTL time.Duration
}

// New creates a remote client with a bounded timeout, matching
// OrchestratorClient's default of 30s.
func New() *Client {
	return &Client{http: &http.Client{Timeout: 30 * time.Second}}
}

// WithCache attaches a read-through cache to GetWorkflow responses.
func (c *Client) WithCache(ch cache.Cache, ttl time.Duration) *Client {
	c.cache = ch
	c.cacheTTL = ttl
	return c
}

// WorkflowResponse is the decoded body of GET <base>/rest/workflows/<id>.
type WorkflowResponse struct {
	Data struct {
		ID          string                   `json:"id"`
		Name        string                   `json:"name"`
		Nodes       []map[string]interface{} `json:"nodes"`
		Connections map[string]interface{}   `json:"connections"`
		Settings    map[string]interface{}   `json:"settings"`
		PinData     map[string]interface{}   `json:"pinData"`
		VersionID   string                   `json:"versionId"`
	} `json:"data"`
}

// GetWorkflow fetches the workflow document from the remote server,
// checking the read-through cache first when one is attached.
func (c *Client) GetWorkflow(ctx context.Context, baseURL, workflowID string) (*WorkflowResponse, error) {
	cacheKey := "workflow:" + baseURL + ":" + workflowID
	if c.cache != nil {
		if raw, ok, err := c.cache.Get(ctx, cacheKey); err == nil && ok {
			var out WorkflowResponse
			if err := json.Unmarshal(raw, &out); err == nil {
				return &out, nil
			}
		}
	}

	url := fmt.Sprintf("%s/rest/workflows/%s", baseURL, workflowID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build workflow request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch workflow: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("fetch workflow: status=%d body=%s", resp.StatusCode, string(body))
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read workflow response: %w", err)
	}

	var out WorkflowResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("decode workflow response: %w", err)
	}

	if c.cache != nil {
		// Best-effort: a cache write failure should not fail the fetch.
		c.cache.Set(ctx, cacheKey, body, c.cacheTTL)
	}
	return &out, nil
}

// SaveWorkflowRequest is the body of PATCH <base>/rest/workflows/<id>.
type SaveWorkflowRequest struct {
	Name        string                   `json:"name"`
	Nodes       []map[string]interface{} `json:"nodes"`
	Connections map[string]interface{}   `json:"connections"`
	Settings    map[string]interface{}   `json:"settings"`
	PinData     map[string]interface{}   `json:"pinData"`
	Autosaved   bool                     `json:"autosaved"`
}

// SaveWorkflow PATCHes the workflow document back to the remote server.
func (c *Client) SaveWorkflow(ctx context.Context, baseURL, workflowID string, body SaveWorkflowRequest) error {
	body.Autosaved = true
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal save workflow body: %w", err)
	}

	url := fmt.Sprintf("%s/rest/workflows/%s", baseURL, workflowID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPatch, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build save workflow request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("save workflow: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("save workflow: status=%d body=%s", resp.StatusCode, string(respBody))
	}
	return nil
}

// RunWorkflowRequest is the body of POST <base>/rest/workflows/<id>/run.
type RunWorkflowRequest struct {
	WorkflowData       WorkflowData `json:"workflowData"`
	TriggerToStartFrom TriggerRef   `json:"triggerToStartFrom"`
}

// WorkflowData is the in-memory workflow mirror shape the run request
// embeds, assembled from nodes-as-map into nodes-as-array/connections form.
type WorkflowData struct {
	ID          string                   `json:"id"`
	Name        string                   `json:"name"`
	Nodes       []map[string]interface{} `json:"nodes"`
	Connections map[string]interface{}   `json:"connections"`
	Settings    map[string]interface{}   `json:"settings"`
	StaticData  map[string]interface{}   `json:"staticData"`
	PinData     map[string]interface{}   `json:"pinData"`
}

// TriggerRef names which node the run should start from.
type TriggerRef struct {
	Name string `json:"name"`
}

// RunWorkflowResponse is the decoded body of the run response.
type RunWorkflowResponse struct {
	Data struct {
		ExecutionID string `json:"executionId"`
	} `json:"data"`
}

// RunWorkflow POSTs the run request with the required push-ref header and
// returns the resulting execution id, or "" on any non-2xx response; this
// client surfaces the error too, so the Execution Invoker itself decides
// whether to log-and-return-null or propagate.
func (c *Client) RunWorkflow(ctx context.Context, baseURL, workflowID, pushRef string, body RunWorkflowRequest) (string, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("marshal run workflow body: %w", err)
	}

	url := fmt.Sprintf("%s/rest/workflows/%s/run", baseURL, workflowID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("build run workflow request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("push-ref", pushRef)

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("run workflow: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("run workflow: status=%d body=%s", resp.StatusCode, string(respBody))
	}

	var out RunWorkflowResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode run workflow response: %w", err)
	}
	return out.Data.ExecutionID, nil
}

// FetchNodeTypes retrieves the node-type catalog, implementing
// dispatch.NodeTypeFetcher.
func (c *Client) FetchNodeTypes(ctx context.Context, baseURL string) (map[string][]byte, error) {
	url := fmt.Sprintf("%s/rest/node-types", baseURL)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build node types request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch node types: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("fetch node types: status=%d body=%s", resp.StatusCode, string(body))
	}

	var raw map[string]json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, fmt.Errorf("decode node types response: %w", err)
	}

	out := make(map[string][]byte, len(raw))
	for k, v := range raw {
		out[k] = []byte(v)
	}
	return out, nil
}
