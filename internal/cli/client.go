package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/me/tasknode/pkg/model"
)

// Client is an HTTP client for the worker API.
type Client struct {
	BaseURL    string
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// NewClient creates a worker API client.
func NewClient(baseURL string, logger *slog.Logger) *Client {
	return &Client{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		HTTPClient: &http.Client{Timeout: 30 * time.Second},
		Logger:     logger,
	}
}

// apiResponse is the parsed envelope.
type apiResponse struct {
	Status    string          `json:"status"`
	RequestID string          `json:"request_id"`
	Data      json.RawMessage `json:"data"`
	Error     *model.APIError `json:"error"`
}

// do performs an HTTP request and returns the parsed envelope. An error
// envelope is returned as its *model.APIError.
func (c *Client) do(ctx context.Context, method, path string, body any) (*apiResponse, error) {
	target := c.BaseURL + path

	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(data)
		c.Logger.Debug("HTTP request body", "body", string(data))
	}

	req, err := http.NewRequestWithContext(ctx, method, target, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	c.Logger.Debug("HTTP request", "method", method, "url", target)

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	c.Logger.Debug("HTTP response", "status", resp.StatusCode, "body", string(respBody))

	var apiResp apiResponse
	if err := json.Unmarshal(respBody, &apiResp); err != nil {
		return nil, fmt.Errorf("parse response (status %d): %w", resp.StatusCode, err)
	}
	if apiResp.Status == "error" && apiResp.Error != nil {
		return &apiResp, apiResp.Error
	}
	return &apiResp, nil
}

// Overview fetches the worker overview.
func (c *Client) Overview(ctx context.Context) (model.WorkerOverview, error) {
	var ov model.WorkerOverview
	resp, err := c.do(ctx, http.MethodGet, "/api/v1/overview", nil)
	if err != nil {
		return ov, err
	}
	if err := json.Unmarshal(resp.Data, &ov); err != nil {
		return ov, fmt.Errorf("parse overview: %w", err)
	}
	return ov, nil
}

// Dispatch sends a task to the worker.
func (c *Client) Dispatch(ctx context.Context, msg model.ComputeTaskMsg) error {
	_, err := c.do(ctx, http.MethodPost, "/api/v1/tasks", msg)
	return err
}

// Resolve reports a data object as available and returns the tasks it readied.
func (c *Client) Resolve(ctx context.Context, id model.TaskID, size uint64) ([]model.TaskID, error) {
	resp, err := c.do(ctx, http.MethodPost, fmt.Sprintf("/api/v1/objects/%d/available", id), map[string]uint64{"size": size})
	if err != nil {
		return nil, err
	}
	var data struct {
		Ready []model.TaskID `json:"ready"`
	}
	if err := json.Unmarshal(resp.Data, &data); err != nil {
		return nil, fmt.Errorf("parse response: %w", err)
	}
	return data.Ready, nil
}

// Cancel retires a task on the worker.
func (c *Client) Cancel(ctx context.Context, id model.TaskID) error {
	_, err := c.do(ctx, http.MethodDelete, fmt.Sprintf("/api/v1/tasks/%d", id), nil)
	return err
}

// RemoveObject drops a data object from the worker's registry.
func (c *Client) RemoveObject(ctx context.Context, id model.TaskID) error {
	_, err := c.do(ctx, http.MethodDelete, fmt.Sprintf("/api/v1/objects/%d", id), nil)
	return err
}

// History lists finished runs, newest first.
func (c *Client) History(ctx context.Context, q model.RunQuery) ([]model.RunRecord, error) {
	params := url.Values{}
	if q.TaskID != 0 {
		params.Set("task_id", q.TaskID.String())
	}
	if q.Limit > 0 {
		params.Set("limit", strconv.Itoa(q.Limit))
	}
	path := "/api/v1/history"
	if len(params) > 0 {
		path += "?" + params.Encode()
	}

	resp, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	var runs []model.RunRecord
	if err := json.Unmarshal(resp.Data, &runs); err != nil {
		return nil, fmt.Errorf("parse history: %w", err)
	}
	return runs, nil
}
