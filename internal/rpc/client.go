package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/CNITV/cms/pkg/types"
)

// Client calls the evaluation server's inbound RPC surface. Used by the
// esctl operator CLI and by tests driving a live Server.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient builds a Client against the evaluation server listening at
// baseURL (e.g. "http://localhost:8080").
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

func (c *Client) call(ctx context.Context, method string, req, resp any) error {
	body, err := json.Marshal(req)
	if err != nil {
		return err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/rpc/"+method, bytes.NewReader(body))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return err
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode >= 300 {
		var errResp errorResponse
		if err := json.NewDecoder(httpResp.Body).Decode(&errResp); err != nil {
			return fmt.Errorf("rpc %s: status %d", method, httpResp.StatusCode)
		}
		return fmt.Errorf("rpc %s: %s", method, errResp.Error)
	}
	if resp == nil {
		return nil
	}
	return json.NewDecoder(httpResp.Body).Decode(resp)
}

// AddJob calls add_job.
func (c *Client) AddJob(ctx context.Context, submissionID types.SubmissionID) error {
	return c.call(ctx, "add_job", AddJobRequest{SubmissionID: string(submissionID)}, &OKResponse{})
}

// UseToken calls use_token.
func (c *Client) UseToken(ctx context.Context, submissionID types.SubmissionID) error {
	return c.call(ctx, "use_token", UseTokenRequest{SubmissionID: string(submissionID)}, &OKResponse{})
}

// CompilationFinished calls compilation_finished.
func (c *Client) CompilationFinished(ctx context.Context, success bool, submissionID types.SubmissionID) error {
	req := CompilationFinishedRequest{Success: success, SubmissionID: string(submissionID)}
	return c.call(ctx, "compilation_finished", req, &OKResponse{})
}

// EvaluationFinished calls evaluation_finished.
func (c *Client) EvaluationFinished(ctx context.Context, success bool, submissionID types.SubmissionID) error {
	req := EvaluationFinishedRequest{Success: success, SubmissionID: string(submissionID)}
	return c.call(ctx, "evaluation_finished", req, &OKResponse{})
}

// SelfDestruct calls self_destruct.
func (c *Client) SelfDestruct(ctx context.Context) error {
	return c.call(ctx, "self_destruct", struct{}{}, &OKResponse{})
}

// GetWorkersStatus calls get_workers_status.
func (c *Client) GetWorkersStatus(ctx context.Context) (map[string]WorkerStatusView, error) {
	var resp GetWorkersStatusResponse
	if err := c.call(ctx, "get_workers_status", struct{}{}, &resp); err != nil {
		return nil, err
	}
	return resp.Workers, nil
}

// AddWorker calls add_worker.
func (c *Client) AddWorker(ctx context.Context, id int, host string, port int) error {
	req := AddWorkerRequest{ID: id, Host: host, Port: port}
	return c.call(ctx, "add_worker", req, nil)
}

// DelWorker calls del_worker.
func (c *Client) DelWorker(ctx context.Context, id int) error {
	return c.call(ctx, "del_worker", DelWorkerRequest{ID: id}, nil)
}

// EnableWorker calls enable_worker.
func (c *Client) EnableWorker(ctx context.Context, id int) error {
	return c.call(ctx, "enable_worker", EnableWorkerRequest{ID: id}, nil)
}
