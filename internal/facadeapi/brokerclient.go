package facadeapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/trading-cli/observability/internal/workflow"
)

// brokerClient is a small bounded-timeout HTTP client the façade uses to
// reach the broker it fronts, per spec.md §4.7's "downstream calls use a
// bounded-timeout client" note.
type brokerClient struct {
	base string
	http *http.Client
}

func newBrokerClient(baseURL string, timeout time.Duration) *brokerClient {
	if baseURL == "" {
		baseURL = "http://127.0.0.1:8787"
	}
	return &brokerClient{
		base: strings.TrimRight(baseURL, "/"),
		http: &http.Client{Timeout: timeout},
	}
}

// brokerWorkflow mirrors the JSON shape of brokerapi's workflowView: a
// flattened workflow.Workflow plus its available_actions.
type brokerWorkflow struct {
	workflow.Workflow
	AvailableActions []workflow.Action `json:"available_actions"`
}

type brokerListResponse struct {
	Workflows     []brokerWorkflow `json:"workflows"`
	NextPageToken string           `json:"nextPageToken,omitempty"`
}

// upstreamError carries a broker-returned non-2xx response through to the
// façade's own error envelope without re-interpreting its status.
type upstreamError struct {
	statusCode int
	message    string
}

func (e *upstreamError) Error() string { return e.message }

func (c *brokerClient) doJSON(ctx context.Context, method, path string, body interface{}, dst interface{}, headers map[string]string) error {
	var rdr io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rdr = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, rdr)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &upstreamError{statusCode: resp.StatusCode, message: upstreamMessage(data, resp.StatusCode)}
	}
	if dst == nil || len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, dst)
}

func upstreamMessage(body []byte, status int) string {
	var env struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if json.Unmarshal(body, &env) == nil && env.Error.Message != "" {
		return env.Error.Message
	}
	return fmt.Sprintf("broker returned status %d", status)
}

func (c *brokerClient) getWorkflow(ctx context.Context, project, location, id string) (*brokerWorkflow, error) {
	var wf brokerWorkflow
	path := fmt.Sprintf("/v1/projects/%s/locations/%s/workflows/%s", project, location, id)
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &wf, nil); err != nil {
		return nil, err
	}
	return &wf, nil
}

func (c *brokerClient) listWorkflows(ctx context.Context, project, location, rawQuery string) (*brokerListResponse, error) {
	path := fmt.Sprintf("/v1/projects/%s/locations/%s/workflows", project, location)
	if rawQuery != "" {
		path += "?" + rawQuery
	}
	var resp brokerListResponse
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &resp, nil); err != nil {
		return nil, err
	}
	return &resp, nil
}

type actionRequest struct {
	Actor     string `json:"actor"`
	Reason    string `json:"reason"`
	RequestID string `json:"requestId"`
}

func (c *brokerClient) runAction(ctx context.Context, project, location, id, action string, req actionRequest) (map[string]interface{}, error) {
	path := fmt.Sprintf("/v1/projects/%s/locations/%s/workflows/%s:%s", project, location, id, action)
	headers := map[string]string{}
	if req.Actor != "" {
		headers["x-observability-actor"] = req.Actor
	}
	var op map[string]interface{}
	if err := c.doJSON(ctx, http.MethodPost, path, req, &op, headers); err != nil {
		return nil, err
	}
	return op, nil
}

func (c *brokerClient) listOperations(ctx context.Context, project, location string) ([]map[string]interface{}, error) {
	path := fmt.Sprintf("/v1/projects/%s/locations/%s/operations", project, location)
	var resp struct {
		Operations []map[string]interface{} `json:"operations"`
	}
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &resp, nil); err != nil {
		return nil, err
	}
	return resp.Operations, nil
}

func (c *brokerClient) healthy(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+"/healthz", nil)
	if err != nil {
		return false
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}
