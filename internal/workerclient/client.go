// Package workerclient is the evaluation server's outbound RPC surface:
// compile, evaluate and shut_down, each fired at a Worker's (host, port)
// over JSON/HTTP. It also provides FakeWorker, a worker-side HTTP surface
// standing in for a real judge sandbox, used by tests and the standalone
// worker binary so the dispatch loop can be exercised end to end.
package workerclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/CNITV/cms/pkg/types"
)

// Client issues compile/evaluate/shut_down RPCs to remote Workers.
type Client struct {
	httpClient *http.Client
}

// NewClient builds a Client whose outbound calls respect ctx's deadline;
// timeout bounds every call as well, whichever expires first.
func NewClient(timeout time.Duration) *Client {
	return &Client{httpClient: &http.Client{Timeout: timeout}}
}

type compileRequest struct {
	SubmissionID string `json:"submission_id"`
}

type evaluateRequest struct {
	SubmissionID string `json:"submission_id"`
}

type shutDownRequest struct {
	Reason string `json:"reason"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (c *Client) post(ctx context.Context, addr types.Address, path string, body any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	url := fmt.Sprintf("http://%s:%d%s", addr.Host, addr.Port, path)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var errResp errorResponse
		if err := json.NewDecoder(resp.Body).Decode(&errResp); err != nil || errResp.Error == "" {
			return fmt.Errorf("worker %s:%d %s: status %d", addr.Host, addr.Port, path, resp.StatusCode)
		}
		return fmt.Errorf("worker %s:%d %s: %s", addr.Host, addr.Port, path, errResp.Error)
	}
	return nil
}

// Compile asks the Worker at addr to compile submissionID. Fire and
// forget: the outcome arrives later as a compilation_finished RPC back to
// the evaluation server.
func (c *Client) Compile(ctx context.Context, addr types.Address, submissionID types.SubmissionID) error {
	return c.post(ctx, addr, "/worker/compile", compileRequest{SubmissionID: string(submissionID)})
}

// Evaluate asks the Worker at addr to evaluate submissionID.
func (c *Client) Evaluate(ctx context.Context, addr types.Address, submissionID types.SubmissionID) error {
	return c.post(ctx, addr, "/worker/evaluate", evaluateRequest{SubmissionID: string(submissionID)})
}

// ShutDown best-effort asks the Worker at addr to stop; callers (the
// timeout supervisor) swallow its error themselves.
func (c *Client) ShutDown(ctx context.Context, addr types.Address, reason string) error {
	return c.post(ctx, addr, "/worker/shut_down", shutDownRequest{Reason: reason})
}
