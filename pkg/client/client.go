// Package client is the reference HTTP consumer of the queue's wire
// protocol: a typed Go binding for push/poll/ack/introspection calls.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/relqueue/relqueue/internal/queue"
)

// Client talks to a relqueue API server over HTTP.
type Client struct {
	baseURL string
	client  *http.Client
}

func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 30 * time.Second},
	}
}

// Push pushes a single, payload-less message. If messageID is empty, the
// server generates one and Push returns it.
func (c *Client) Push(ctx context.Context, queueName, messageID string, priority int, offsetSeconds int64) (string, error) {
	body := map[string]any{
		"message_id":     messageID,
		"priority":       priority,
		"offset_seconds": offsetSeconds,
	}
	var resp pushResponse
	if err := c.post(ctx, fmt.Sprintf("/v1/queues/%s/messages", queueName), body, http.StatusCreated, &resp); err != nil {
		return "", err
	}
	return resp.MessageID, nil
}

// PushBatch pushes a batch of payload-bearing messages, each delivered
// immediately. Entries with an empty MessageID are assigned one by the
// server; PushBatch returns the final ID for every entry, in order.
func (c *Client) PushBatch(ctx context.Context, queueName string, messages []queue.PushMessage) ([]string, error) {
	type batchMessage struct {
		MessageID string `json:"message_id"`
		Payload   string `json:"payload"`
		Priority  int    `json:"priority,omitempty"`
	}
	payload := make([]batchMessage, len(messages))
	for i, m := range messages {
		payload[i] = batchMessage{MessageID: m.MessageID, Payload: m.Payload, Priority: m.Priority}
	}
	body := map[string]any{"messages": payload}
	var resp pushBatchResponse
	if err := c.post(ctx, fmt.Sprintf("/v1/queues/%s/messages/batch", queueName), body, http.StatusCreated, &resp); err != nil {
		return nil, err
	}
	return resp.MessageIDs, nil
}

// PushIfNotExists pushes only if the (queue, messageID) pair is absent.
func (c *Client) PushIfNotExists(ctx context.Context, queueName, messageID string, priority int, offsetSeconds int64) (bool, error) {
	body := map[string]any{
		"priority":       priority,
		"offset_seconds": offsetSeconds,
	}
	var resp okResponse
	if err := c.post(ctx, fmt.Sprintf("/v1/queues/%s/messages/%s/if-absent", queueName, messageID), body, http.StatusOK, &resp); err != nil {
		return false, err
	}
	return resp.OK, nil
}

// Poll leases up to count messages, waiting up to timeoutMs for the batch to
// fill.
func (c *Client) Poll(ctx context.Context, queueName string, count int, timeoutMs int64) ([]queue.Message, error) {
	body := map[string]any{"count": count, "timeout_ms": timeoutMs}
	var messages []queue.Message
	if err := c.post(ctx, fmt.Sprintf("/v1/queues/%s/poll", queueName), body, http.StatusOK, &messages); err != nil {
		return nil, err
	}
	return messages, nil
}

// Ack acknowledges a leased message, removing it permanently.
func (c *Client) Ack(ctx context.Context, queueName, messageID string) (bool, error) {
	var resp okResponse
	if err := c.post(ctx, fmt.Sprintf("/v1/queues/%s/messages/%s/ack", queueName, messageID), nil, http.StatusOK, &resp); err != nil {
		return false, err
	}
	return resp.OK, nil
}

// Exists reports whether messageID is present in queueName.
func (c *Client) Exists(ctx context.Context, queueName, messageID string) (bool, error) {
	var resp okResponse
	if err := c.get(ctx, fmt.Sprintf("/v1/queues/%s/messages/%s", queueName, messageID), &resp); err != nil {
		return false, err
	}
	return resp.OK, nil
}

// Remove unconditionally deletes a message.
func (c *Client) Remove(ctx context.Context, queueName, messageID string) error {
	return c.delete(ctx, fmt.Sprintf("/v1/queues/%s/messages/%s", queueName, messageID))
}

// Flush deletes every message in a queue.
func (c *Client) Flush(ctx context.Context, queueName string) error {
	return c.delete(ctx, fmt.Sprintf("/v1/queues/%s/messages", queueName))
}

// SetUnackTimeout updates the unack window for a leased message.
func (c *Client) SetUnackTimeout(ctx context.Context, queueName, messageID string, unackMillis int64) (bool, error) {
	body := map[string]any{"unack_millis": unackMillis}
	var resp okResponse
	if err := c.post(ctx, fmt.Sprintf("/v1/queues/%s/messages/%s/unack-timeout", queueName, messageID), body, http.StatusOK, &resp); err != nil {
		return false, err
	}
	return resp.OK, nil
}

// SetOffsetTime reschedules a message's delivery time.
func (c *Client) SetOffsetTime(ctx context.Context, queueName, messageID string, offsetSeconds int64) (bool, error) {
	body := map[string]any{"offset_seconds": offsetSeconds}
	var resp okResponse
	if err := c.post(ctx, fmt.Sprintf("/v1/queues/%s/messages/%s/offset", queueName, messageID), body, http.StatusOK, &resp); err != nil {
		return false, err
	}
	return resp.OK, nil
}

// GetSize returns the total row count (leased and unleased) for a queue.
func (c *Client) GetSize(ctx context.Context, queueName string) (int64, error) {
	var resp countResponse
	if err := c.get(ctx, fmt.Sprintf("/v1/queues/%s/size", queueName), &resp); err != nil {
		return 0, err
	}
	return resp.Count, nil
}

// QueuesDetail maps queue name to visible message count.
func (c *Client) QueuesDetail(ctx context.Context) (map[string]int64, error) {
	var resp map[string]int64
	if err := c.get(ctx, "/v1/queues", &resp); err != nil {
		return nil, err
	}
	return resp, nil
}

type okResponse struct {
	OK bool `json:"ok"`
}

type countResponse struct {
	Count int64 `json:"count"`
}

type pushResponse struct {
	OK        bool   `json:"ok"`
	MessageID string `json:"message_id"`
}

type pushBatchResponse struct {
	OK         bool     `json:"ok"`
	MessageIDs []string `json:"message_ids"`
}

func (c *Client) post(ctx context.Context, path string, body any, wantStatus int, out any) error {
	var reqBody io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reqBody = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, reqBody)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, wantStatus, out)
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	return c.do(req, http.StatusOK, out)
}

func (c *Client) delete(ctx context.Context, path string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	return c.do(req, http.StatusOK, nil)
}

func (c *Client) do(req *http.Request, wantStatus int, out any) error {
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != wantStatus {
		bodyBytes, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("%s %s: %s - %s", req.Method, req.URL.Path, resp.Status, string(bodyBytes))
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
