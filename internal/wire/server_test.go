package wire

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/excelwang/fustor-sub003/internal/arbitrate"
	"github.com/excelwang/fustor-sub003/internal/event"
	"github.com/excelwang/fustor-sub003/internal/fsschema"
	"github.com/excelwang/fustor-sub003/internal/fusionpipe"
	"github.com/excelwang/fustor-sub003/internal/session"
	"github.com/excelwang/fustor-sub003/internal/view"
)

const testAPIKey = "test-key"

func newTestServer(t *testing.T) (*httptest.Server, *view.View) {
	t.Helper()
	views := view.NewRegistry()
	v := view.New(view.Config{ID: "v1", APIKey: testAPIKey, MaxNodes: 1000, Arbitrate: arbitrate.DefaultOptions()})
	views.Register(v)

	handlers := event.NewRegistry()
	fsschema.Register(handlers, views)

	sessions := session.NewManager(session.NewElection())
	isolation := fusionpipe.NewIsolation(3, time.Minute)
	receiver := fusionpipe.NewReceiver(sessions, views, handlers, isolation)
	fallback := fusionpipe.NewFallbackRegistry()
	auth := NewAuthorizer(views, nil)

	srv := NewServer(Config{SoftTimeout: time.Minute}, sessions, views, receiver, fallback, auth)
	return httptest.NewServer(srv.Router()), v
}

func TestClientSessionAndIngestRoundTrip(t *testing.T) {
	ts, v := newTestServer(t)
	defer ts.Close()

	client := NewClient(ts.URL, testAPIKey, "v1", "")
	info, err := client.CreateSession(context.Background(), "agent://host/root")
	require.NoError(t, err)
	require.Equal(t, "leader", info.Role)
	require.NotEmpty(t, info.SessionID)

	evt := event.Event{
		Schema: fsschema.SchemaName,
		Table:  "fs",
		Type:   event.TypeInsert,
		Rows:   []event.Row{{"path": "/a.txt", "is_directory": false, "size": float64(5)}},
		Index:  1,
		Source: event.SourceSnapshot,
	}
	processed, skipped, err := client.SendBatch(context.Background(), info.SessionID, evt, true)
	require.NoError(t, err)
	assert.Equal(t, 1, processed)
	assert.Equal(t, 0, skipped)
	assert.True(t, v.Ready())

	hb, err := client.Heartbeat(context.Background(), info.SessionID)
	require.NoError(t, err)
	assert.Equal(t, "ok", hb.Status)

	require.NoError(t, client.CloseSession(context.Background(), info.SessionID))
}

func TestClientRejectsWrongAPIKey(t *testing.T) {
	ts, _ := newTestServer(t)
	defer ts.Close()

	client := NewClient(ts.URL, "wrong-key", "v1", "")
	_, err := client.CreateSession(context.Background(), "agent://host/root")
	require.Error(t, err)
}

func TestReadAPIsGatedUntilReady(t *testing.T) {
	ts, _ := newTestServer(t)
	defer ts.Close()

	client := NewClient(ts.URL, testAPIKey, "v1", "")
	info, err := client.CreateSession(context.Background(), "agent://host/root")
	require.NoError(t, err)

	req, err := httpGetTree(ts.URL, testAPIKey)
	require.NoError(t, err)
	assert.Equal(t, 503, req)

	evt := event.Event{Schema: fsschema.SchemaName, Table: "fs", Type: event.TypeInsert,
		Rows: []event.Row{{"path": "/a.txt", "is_directory": false, "size": float64(1)}}, Index: 1, Source: event.SourceSnapshot}
	_, _, err = client.SendBatch(context.Background(), info.SessionID, evt, true)
	require.NoError(t, err)

	status, err := httpGetTree(ts.URL, testAPIKey)
	require.NoError(t, err)
	assert.Equal(t, 200, status)
}

func httpGetTree(baseURL, apiKey string) (int, error) {
	req, err := http.NewRequest(http.MethodGet, baseURL+"/views/v1/tree", nil)
	if err != nil {
		return 0, err
	}
	req.Header.Set(APIKeyHeader, apiKey)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return 0, err
	}
	defer func() { _ = resp.Body.Close() }()
	return resp.StatusCode, nil
}
