package api_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relqueue/relqueue/internal/api"
	"github.com/relqueue/relqueue/internal/queue"
	"github.com/relqueue/relqueue/internal/queue/store/storetest"
)

func newTestServer(t *testing.T) (*httptest.Server, *queue.Engine) {
	t.Helper()
	fake := storetest.New()
	engine := queue.NewEngine(fake)
	httpSrv := api.NewServer(":0", engine)
	ts := httptest.NewServer(httpSrv.Handler)
	t.Cleanup(ts.Close)
	return ts, engine
}

func doJSON(t *testing.T, method, url string, body any) *http.Response {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func TestHealthz(t *testing.T) {
	ts, _ := newTestServer(t)
	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestPushPollAck(t *testing.T) {
	ts, _ := newTestServer(t)

	resp := doJSON(t, http.MethodPost, ts.URL+"/v1/queues/orders/messages/batch", map[string]any{
		"messages": []map[string]any{{"message_id": "m1", "payload": "hello"}},
	})
	defer resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp2 := doJSON(t, http.MethodPost, ts.URL+"/v1/queues/orders/poll", map[string]any{"count": 1, "timeout_ms": 1000})
	defer resp2.Body.Close()
	require.Equal(t, http.StatusOK, resp2.StatusCode)
	var messages []queue.Message
	require.NoError(t, json.NewDecoder(resp2.Body).Decode(&messages))
	require.Len(t, messages, 1)
	assert.Equal(t, "m1", messages[0].ID)
	assert.Equal(t, "hello", messages[0].Payload)

	resp3 := doJSON(t, http.MethodPost, ts.URL+"/v1/queues/orders/messages/m1/ack", nil)
	defer resp3.Body.Close()
	require.Equal(t, http.StatusOK, resp3.StatusCode)

	var ackResult struct{ OK bool }
	require.NoError(t, json.NewDecoder(resp3.Body).Decode(&ackResult))
	assert.True(t, ackResult.OK)
}

func TestPushGeneratesMessageIDWhenOmitted(t *testing.T) {
	ts, _ := newTestServer(t)
	resp := doJSON(t, http.MethodPost, ts.URL+"/v1/queues/orders/messages", map[string]any{})
	defer resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var result struct {
		OK        bool
		MessageID string `json:"message_id"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&result))
	assert.True(t, result.OK)
	assert.NotEmpty(t, result.MessageID)

	exists, err := ts.Client().Get(ts.URL + "/v1/queues/orders/messages/" + result.MessageID)
	require.NoError(t, err)
	defer exists.Body.Close()
	assert.Equal(t, http.StatusOK, exists.StatusCode)
}

func TestPushIfNotExistsOnlySucceedsOnce(t *testing.T) {
	ts, _ := newTestServer(t)

	resp1 := doJSON(t, http.MethodPost, ts.URL+"/v1/queues/q/messages/x/if-absent", map[string]any{})
	defer resp1.Body.Close()
	var r1 struct{ OK bool }
	require.NoError(t, json.NewDecoder(resp1.Body).Decode(&r1))
	assert.True(t, r1.OK)

	resp2 := doJSON(t, http.MethodPost, ts.URL+"/v1/queues/q/messages/x/if-absent", map[string]any{})
	defer resp2.Body.Close()
	var r2 struct{ OK bool }
	require.NoError(t, json.NewDecoder(resp2.Body).Decode(&r2))
	assert.False(t, r2.OK)
}

func TestGetSizeAndFlush(t *testing.T) {
	ts, _ := newTestServer(t)

	resp := doJSON(t, http.MethodPost, ts.URL+"/v1/queues/q/messages/a/if-absent", map[string]any{})
	resp.Body.Close()

	resp2, err := http.Get(ts.URL + "/v1/queues/q/size")
	require.NoError(t, err)
	defer resp2.Body.Close()
	var sizeResult struct{ Count int64 }
	require.NoError(t, json.NewDecoder(resp2.Body).Decode(&sizeResult))
	assert.Equal(t, int64(1), sizeResult.Count)

	req, _ := http.NewRequest(http.MethodDelete, ts.URL+"/v1/queues/q/messages", nil)
	resp3, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp3.Body.Close()
	assert.Equal(t, http.StatusOK, resp3.StatusCode)

	resp4, err := http.Get(ts.URL + "/v1/queues/q/size")
	require.NoError(t, err)
	defer resp4.Body.Close()
	var sizeResult2 struct{ Count int64 }
	require.NoError(t, json.NewDecoder(resp4.Body).Decode(&sizeResult2))
	assert.Equal(t, int64(0), sizeResult2.Count)
}
