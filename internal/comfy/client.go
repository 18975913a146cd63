// Package comfy talks to the ComfyUI HTTP API: prompt submission, job
// status polling and output downloads.
package comfy

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/amankumarsingh77/comfyui-router/internal/config"
	"github.com/amankumarsingh77/comfyui-router/internal/models"
	"github.com/amankumarsingh77/comfyui-router/pkg/logger"
	"github.com/amankumarsingh77/comfyui-router/pkg/retry"
)

const maxErrorBody = 512

type Client struct {
	baseURL   string
	http      *http.Client
	clientID  string
	status    retry.Policy
	transient retry.Policy
	ready     retry.Policy
	log       logger.Logger
}

func NewClient(cfg config.ComfyConfig, polling config.PollingConfig, log logger.Logger) *Client {
	return &Client{
		baseURL:   strings.TrimRight(cfg.URL, "/"),
		http:      &http.Client{Timeout: cfg.RequestTimeout},
		clientID:  uuid.NewString(),
		status:    polling.Status.Policy(),
		transient: polling.Transient.Policy(),
		ready:     polling.Ready.Policy(),
		log:       log,
	}
}

type promptRequest struct {
	Prompt   map[string]interface{} `json:"prompt"`
	ClientID string                 `json:"client_id"`
}

type promptResponse struct {
	PromptID   string                     `json:"prompt_id"`
	Number     int                        `json:"number"`
	NodeErrors map[string]json.RawMessage `json:"node_errors"`
}

// Submit queues the workflow graph. Submission is not retried: a rejected
// prompt would be rejected again and a duplicated one would run twice.
func (c *Client) Submit(ctx context.Context, payload map[string]interface{}) (*models.JobHandle, error) {
	body, err := json.Marshal(promptRequest{Prompt: payload, ClientID: c.clientID})
	if err != nil {
		return nil, errors.Wrapf(ErrSubmission, "encode prompt: %v", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/prompt", bytes.NewReader(body))
	if err != nil {
		return nil, errors.Wrapf(ErrSubmission, "build request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, errors.Wrapf(ErrSubmission, "post prompt: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrapf(ErrSubmission, "read response: %v", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, errors.Wrapf(ErrSubmission, "status %d: %s", resp.StatusCode, truncate(raw))
	}

	var pr promptResponse
	if err := json.Unmarshal(raw, &pr); err != nil {
		return nil, errors.Wrapf(ErrSubmission, "malformed reply: %v", err)
	}
	if pr.PromptID == "" {
		return nil, errors.Wrapf(ErrSubmission, "reply has no prompt_id: %s", truncate(raw))
	}
	if len(pr.NodeErrors) > 0 {
		return nil, errors.Wrapf(ErrSubmission, "node errors for prompt %s: %s", pr.PromptID, truncate(raw))
	}

	c.log.Infof("submitted prompt %s (queue #%d)", pr.PromptID, pr.Number)
	return models.NewJobHandle(pr.PromptID, time.Now()), nil
}

type historyEntry struct {
	Status struct {
		StatusStr string            `json:"status_str"`
		Completed bool              `json:"completed"`
		Messages  []json.RawMessage `json:"messages"`
	} `json:"status"`
	Outputs map[string]map[string]json.RawMessage `json:"outputs"`
}

type queueState struct {
	Running []json.RawMessage `json:"queue_running"`
	Pending []json.RawMessage `json:"queue_pending"`
}

// Poll makes one status observation and records it on h. Transient
// failures are retried with the transient policy before ErrPoll surfaces.
func (c *Client) Poll(ctx context.Context, h *models.JobHandle) (models.JobStatus, error) {
	if h.Status.Terminal() {
		return h.Status, nil
	}

	var history map[string]historyEntry
	if err := c.getJSON(ctx, "/history/"+url.PathEscape(h.JobID), &history); err != nil {
		return h.Status, errors.Wrapf(ErrPoll, "history %s: %v", h.JobID, err)
	}

	if entry, ok := history[h.JobID]; ok {
		switch {
		case entry.Status.StatusStr == "error":
			h.Error = failureMessage(entry.Status.Messages)
			h.Advance(models.JobStatusFailed)
		case entry.Status.Completed:
			h.Outputs = collectOutputs(entry.Outputs)
			h.Advance(models.JobStatusComplete)
		default:
			h.Advance(models.JobStatusRunning)
		}
		return h.Status, nil
	}

	var queue queueState
	if err := c.getJSON(ctx, "/queue", &queue); err != nil {
		return h.Status, errors.Wrapf(ErrPoll, "queue: %v", err)
	}
	if queued(queue.Running, h.JobID) {
		h.Advance(models.JobStatusRunning)
	} else {
		h.Advance(models.JobStatusPending)
	}
	return h.Status, nil
}

// Wait polls until h is terminal. It returns ErrPollTimeout when the status
// policy runs out first and ErrJobFailed when the server reports failure.
func (c *Client) Wait(ctx context.Context, h *models.JobHandle) (*models.JobHandle, error) {
	last := h.Status
	err := retry.Until(ctx, c.status, func(ctx context.Context, attempt int) (bool, error) {
		st, err := c.Poll(ctx, h)
		if err != nil {
			return false, err
		}
		if st != last {
			c.log.Infof("prompt %s: %s -> %s (poll %d)", h.JobID, last, st, attempt)
			last = st
		}
		return st.Terminal(), nil
	})
	if errors.Is(err, retry.ErrExhausted) {
		return h, errors.Wrapf(ErrPollTimeout, "prompt %s still %s after %d polls", h.JobID, h.Status, c.status.MaxAttempts)
	}
	if err != nil {
		return h, err
	}
	if h.Status == models.JobStatusFailed {
		return h, errors.Wrapf(ErrJobFailed, "prompt %s: %s", h.JobID, h.Error)
	}
	return h, nil
}

// WaitReady blocks until /system_stats answers 200.
func (c *Client) WaitReady(ctx context.Context) error {
	err := retry.Until(ctx, c.ready, func(ctx context.Context, attempt int) (bool, error) {
		var stats map[string]interface{}
		if err := c.get(ctx, "/system_stats", &stats); err != nil {
			c.log.Debugf("comfyui not ready (attempt %d): %v", attempt, err)
			return false, nil
		}
		return true, nil
	})
	if errors.Is(err, retry.ErrExhausted) {
		return errors.Wrapf(ErrNotReady, "%s", c.baseURL)
	}
	return err
}

// Download fetches an output file through /view into dst.
func (c *Client) Download(ctx context.Context, f models.OutputFile, dst string) error {
	q := url.Values{}
	q.Set("filename", f.Filename)
	q.Set("subfolder", f.Subfolder)
	typ := f.Type
	if typ == "" {
		typ = "output"
	}
	q.Set("type", typ)

	return retry.Do(ctx, c.transient, transient, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/view?"+q.Encode(), nil)
		if err != nil {
			return err
		}
		resp, err := c.http.Do(req)
		if err != nil {
			return err
		}
		defer func() { _ = resp.Body.Close() }()
		if resp.StatusCode != http.StatusOK {
			b, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
			return &statusError{Code: resp.StatusCode, Body: string(b)}
		}

		out, err := os.Create(dst)
		if err != nil {
			return err
		}
		if _, err := io.Copy(out, resp.Body); err != nil {
			_ = out.Close()
			_ = os.Remove(dst)
			return err
		}
		return out.Close()
	})
}

func (c *Client) getJSON(ctx context.Context, path string, out interface{}) error {
	return retry.Do(ctx, c.transient, transient, func(ctx context.Context) error {
		return c.get(ctx, path, out)
	})
}

func (c *Client) get(ctx context.Context, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return &statusError{Code: resp.StatusCode, Body: truncate(raw)}
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return &decodeError{err: err}
	}
	return nil
}

func queued(items []json.RawMessage, id string) bool {
	for _, item := range items {
		var fields []json.RawMessage
		if err := json.Unmarshal(item, &fields); err != nil || len(fields) < 2 {
			continue
		}
		var got string
		if err := json.Unmarshal(fields[1], &got); err == nil && got == id {
			return true
		}
	}
	return false
}

// collectOutputs flattens node outputs in node id order. VideoHelperSuite
// reports videos under "gifs".
func collectOutputs(outputs map[string]map[string]json.RawMessage) []models.OutputFile {
	ids := make([]string, 0, len(outputs))
	for id := range outputs {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var files []models.OutputFile
	for _, id := range ids {
		for _, key := range []string{"gifs", "videos", "images"} {
			raw, ok := outputs[id][key]
			if !ok {
				continue
			}
			var list []models.OutputFile
			if err := json.Unmarshal(raw, &list); err != nil {
				continue
			}
			files = append(files, list...)
		}
	}
	return files
}

type executionError struct {
	NodeType         string `json:"node_type"`
	ExceptionMessage string `json:"exception_message"`
}

func failureMessage(messages []json.RawMessage) string {
	for _, m := range messages {
		var pair []json.RawMessage
		if err := json.Unmarshal(m, &pair); err != nil || len(pair) != 2 {
			continue
		}
		var kind string
		if err := json.Unmarshal(pair[0], &kind); err != nil || kind != "execution_error" {
			continue
		}
		var ee executionError
		if err := json.Unmarshal(pair[1], &ee); err == nil && ee.ExceptionMessage != "" {
			if ee.NodeType != "" {
				return ee.NodeType + ": " + strings.TrimSpace(ee.ExceptionMessage)
			}
			return strings.TrimSpace(ee.ExceptionMessage)
		}
	}
	return "execution error"
}

func truncate(b []byte) string {
	s := strings.TrimSpace(string(b))
	if len(s) > maxErrorBody {
		return s[:maxErrorBody] + "..."
	}
	return s
}
