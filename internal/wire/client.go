package wire

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/excelwang/fustor-sub003/internal/agentpipe"
	"github.com/excelwang/fustor-sub003/internal/event"
	"github.com/excelwang/fustor-sub003/internal/fserrors"
	"github.com/excelwang/fustor-sub003/internal/pacer"
)

// Client implements agentpipe.Sender over HTTP against a Server, retrying
// transient failures (connection errors, 429, 5xx) through a Pacer the way
// rclone's backends retry transient remote errors.
type Client struct {
	baseURL string
	apiKey  string
	viewID  string
	pipeID  string
	http    *http.Client
	pace    *pacer.Pacer
}

var _ agentpipe.Sender = (*Client)(nil)

// ClientOption configures a Client at construction time.
type ClientOption func(*Client)

// WithHTTPClient overrides the default http.Client (e.g. for custom TLS or
// timeouts).
func WithHTTPClient(c *http.Client) ClientOption { return func(cl *Client) { cl.http = c } }

// WithPacer overrides the default retry pacer.
func WithPacer(p *pacer.Pacer) ClientOption { return func(cl *Client) { cl.pace = p } }

// NewClient builds a Client targeting baseURL's Fusion wire server for one
// Agent Pipe's (viewID, pipeID) pair (pipeID is empty outside forest mode).
func NewClient(baseURL, apiKey, viewID, pipeID string, opts ...ClientOption) *Client {
	cl := &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		viewID:  viewID,
		pipeID:  pipeID,
		http:    &http.Client{Timeout: 30 * time.Second},
		pace:    pacer.New(),
	}
	for _, o := range opts {
		o(cl)
	}
	return cl
}

func (c *Client) CreateSession(ctx context.Context, sourceURI string) (agentpipe.SessionInfo, error) {
	req := createSessionRequest{ViewID: c.viewID, PipeID: c.pipeID, SourceURI: sourceURI}
	var resp createSessionResponse
	if err := c.doJSON(ctx, http.MethodPost, "/pipe/session/", req, &resp); err != nil {
		return agentpipe.SessionInfo{}, err
	}
	return agentpipe.SessionInfo{
		SessionID:        resp.SessionID,
		Role:             resp.Role,
		AuditInterval:    time.Duration(resp.AuditIntervalSec) * time.Second,
		SentinelInterval: time.Duration(resp.SentinelIntervalSec) * time.Second,
	}, nil
}

func (c *Client) SendBatch(ctx context.Context, sessionID string, evt event.Event, isEnd bool) (int, int, error) {
	req := ingestRequest{
		Events: []wireEvent{{
			Schema: evt.Schema,
			Table:  evt.Table,
			Type:   string(evt.Type),
			Rows:   evt.Rows,
			Fields: evt.Fields,
			Index:  evt.Index,
		}},
		SourceType: string(evt.Source),
		IsEnd:      isEnd,
	}
	var resp ingestResponse
	path := fmt.Sprintf("/pipe/ingest/%s/events", sessionID)
	if err := c.doJSON(ctx, http.MethodPost, path, req, &resp); err != nil {
		return 0, 0, err
	}
	return resp.Count, resp.Skipped, nil
}

func (c *Client) Heartbeat(ctx context.Context, sessionID string) (agentpipe.HeartbeatInfo, error) {
	var resp heartbeatResponse
	path := fmt.Sprintf("/pipe/heartbeat/%s", sessionID)
	if err := c.doJSON(ctx, http.MethodPost, path, nil, &resp); err != nil {
		return agentpipe.HeartbeatInfo{}, err
	}
	commands := make([]agentpipe.Command, 0, len(resp.Commands))
	for _, cmd := range resp.Commands {
		commands = append(commands, agentpipe.Command{Type: cmd.Type, Payload: cmd.Payload})
	}
	return agentpipe.HeartbeatInfo{
		Status:        resp.Status,
		Role:          resp.Role,
		Commands:      commands,
		SentinelPaths: resp.SentinelPaths,
	}, nil
}

func (c *Client) ReportSentinel(ctx context.Context, sessionID string, results []agentpipe.SentinelCheck) error {
	wireResults := make([]sentinelResultWire, 0, len(results))
	for _, res := range results {
		status := string(sentinelStatus(res.Exists))
		var mtime int64
		if !res.Mtime.IsZero() {
			mtime = res.Mtime.Unix()
		}
		wireResults = append(wireResults, sentinelResultWire{Path: res.Path, Status: status, Mtime: mtime})
	}
	path := fmt.Sprintf("/pipe/sentinel/%s", sessionID)
	return c.doJSON(ctx, http.MethodPost, path, sentinelReportRequest{Results: wireResults}, nil)
}

func (c *Client) CloseSession(ctx context.Context, sessionID string) error {
	path := fmt.Sprintf("/pipe/session/%s", sessionID)
	return c.doJSON(ctx, http.MethodDelete, path, nil, nil)
}

func sentinelStatus(exists bool) string {
	if exists {
		return "exists"
	}
	return "missing"
}

// doJSON sends one request, retrying transient failures (network errors,
// 429, 5xx) through the client's Pacer. A 419 (stale session) is reported
// via fserrors.ErrSessionObsoleted and never retried.
func (c *Client) doJSON(ctx context.Context, method, path string, body, out any) error {
	var bodyBytes []byte
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		bodyBytes = b
	}

	var respBody []byte
	var status int
	err := c.pace.Call(func() (bool, error) {
		var reader io.Reader
		if bodyBytes != nil {
			reader = bytes.NewReader(bodyBytes)
		}
		httpReq, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
		if err != nil {
			return false, err
		}
		if bodyBytes != nil {
			httpReq.Header.Set("Content-Type", "application/json")
		}
		httpReq.Header.Set(APIKeyHeader, c.apiKey)

		resp, err := c.http.Do(httpReq)
		if err != nil {
			return true, err
		}
		defer func() { _ = resp.Body.Close() }()
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return true, err
		}
		status = resp.StatusCode
		respBody = data
		return shouldRetry(resp.StatusCode), statusErr(resp.StatusCode, data)
	})
	if err != nil {
		return err
	}
	if out == nil || len(respBody) == 0 {
		return nil
	}
	return json.Unmarshal(respBody, out)
}

func shouldRetry(status int) bool {
	return status == http.StatusTooManyRequests || status >= 500
}

func statusErr(status int, body []byte) error {
	if status >= 200 && status < 300 {
		return nil
	}
	if status == 419 {
		return fserrors.ErrSessionObsoleted
	}
	var eb errorBody
	if json.Unmarshal(body, &eb) == nil && eb.Error != "" {
		return fmt.Errorf("fustor: %s (status %d)", eb.Error, status)
	}
	return fmt.Errorf("fustor: request failed with status %d", status)
}
