package syncapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, url string) *Client {
	t.Helper()
	c, err := New(Config{
		BaseURL:    url,
		SiteName:   "site-a",
		Password:   "pass",
		SiteUUID:   "uuid-1",
		AppName:    "sitesync",
		AppVersion: "1.2.3",
		Timeout:    2 * time.Second,
	})
	require.NoError(t, err)
	return c
}

func TestHashPassword(t *testing.T) {
	// sha256("pass")
	assert.Equal(t, "d74ff0ee8da3b9806b18c877dbf29bbde50b5bd8e4dad7a3a725000feb82e8f1", HashPassword("pass"))
}

func TestClient_HeadersAndAuth(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/sync/v5/queued_records", r.URL.Path)
		assert.Equal(t, "25", r.URL.Query().Get("limit"))
		assert.Equal(t, "uuid-1", r.Header.Get(HeaderSiteUUID))
		assert.Equal(t, "1.2.3", r.Header.Get(HeaderAppVersion))
		assert.Equal(t, "sitesync", r.Header.Get(HeaderAppName))
		assert.Equal(t, "5", r.Header.Get(HeaderVersion))

		user, pass, ok := r.BasicAuth()
		assert.True(t, ok)
		assert.Equal(t, "site-a", user)
		assert.Equal(t, HashPassword("pass"), pass)

		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"queueLength": 1, "data": [{"ID": "7", "tableName": "unit", "recordId": "u1", "action": "INSERT", "data": {"ID": "u1"}}]}`)
	}))
	defer srv.Close()

	page, err := newTestClient(t, srv.URL).QueuedRecords(context.Background(), 25)
	require.NoError(t, err)
	assert.Equal(t, 1, page.QueueLength)
	require.Len(t, page.Data, 1)
	assert.Equal(t, "7", page.Data[0].SyncOutID)
	assert.Equal(t, ActionInsert, page.Data[0].Action)
	assert.JSONEq(t, `{"ID": "u1"}`, string(page.Data[0].Data))
}

func TestClient_AcknowledgeAndPush(t *testing.T) {
	var acked []string
	var pushed PushRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		switch r.URL.Path {
		case "/sync/v5/acknowledged_records":
			var req AcknowledgeRequest
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			acked = req.SyncIDs
			w.WriteHeader(http.StatusNoContent)
		case "/sync/v5/queued_records":
			assert.Equal(t, http.MethodPost, r.Method)
			require.NoError(t, json.NewDecoder(r.Body).Decode(&pushed))
			_, _ = io.WriteString(w, `{"integrationStarted": true}`)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	require.NoError(t, c.Acknowledge(context.Background(), []string{"1", "2"}))
	assert.Equal(t, []string{"1", "2"}, acked)

	resp, err := c.PushRecords(context.Background(), []Record{
		{TableName: "location", RecordID: "l1", Action: ActionUpdate, Data: json.RawMessage(`{"ID":"l1"}`)},
	}, 3)
	require.NoError(t, err)
	assert.True(t, resp.IntegrationStarted)
	assert.Equal(t, 3, pushed.QueueLength)
	require.Len(t, pushed.Data, 1)
	assert.Equal(t, "l1", pushed.Data[0].RecordID)
}

func TestClient_FailureClassification(t *testing.T) {
	tests := []struct {
		name         string
		status       int
		body         string
		wantClass    Class
		retryable    bool
		needOperator bool
	}{
		{name: "server error", status: 503, body: "down", wantClass: ClassRemote, retryable: true},
		{name: "too many requests", status: 429, wantClass: ClassRemote, retryable: true},
		{name: "unauthorized", status: 401, body: `{"code":"auth","message":"bad credentials"}`, wantClass: ClassRemote, needOperator: true},
		{name: "bad request", status: 400, wantClass: ClassRemote},
		{name: "malformed body", status: 200, body: `{"queueLength": `, wantClass: ClassParse, needOperator: true},
		{name: "empty body", status: 200, wantClass: ClassParse, needOperator: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = io.WriteString(w, tt.body)
			}))
			defer srv.Close()

			_, err := newTestClient(t, srv.URL).QueuedRecords(context.Background(), 10)
			require.Error(t, err)
			assert.Equal(t, tt.wantClass, Classify(err))
			assert.Equal(t, tt.retryable, IsRetryable(err))
			assert.Equal(t, tt.needOperator, RequiresOperator(err))
		})
	}
}

func TestClient_RemoteErrorBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		_, _ = io.WriteString(w, `{"code":"site_disabled","message":"site is disabled"}`)
	}))
	defer srv.Close()

	_, err := newTestClient(t, srv.URL).SiteInfo(context.Background())
	var remoteErr *RemoteError
	require.True(t, errors.As(err, &remoteErr))
	assert.Equal(t, http.StatusForbidden, remoteErr.Status)
	assert.Equal(t, "site_disabled", remoteErr.Code)
	assert.Contains(t, remoteErr.Error(), "site is disabled")
}

func TestClient_ConnectionError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	_, err := newTestClient(t, url).SiteInfo(context.Background())
	require.Error(t, err)
	assert.Equal(t, ClassConnection, Classify(err))
	assert.True(t, IsRetryable(err))
}

func TestNew_Validation(t *testing.T) {
	_, err := New(Config{SiteName: "a"})
	assert.Error(t, err)
	_, err = New(Config{BaseURL: "ftp://x", SiteName: "a"})
	assert.Error(t, err)
	_, err = New(Config{BaseURL: "http://x"})
	assert.Error(t, err)
}

func TestRetry(t *testing.T) {
	policy := RetryPolicy{InitialInterval: time.Millisecond, MaxInterval: 5 * time.Millisecond, MaxElapsed: time.Second}

	t.Run("retries transient failures", func(t *testing.T) {
		var calls int32
		err := Retry(context.Background(), policy, func() error {
			if atomic.AddInt32(&calls, 1) < 3 {
				return &RemoteError{Op: "x", Status: 503}
			}
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, int32(3), calls)
	})

	t.Run("stops on parse errors", func(t *testing.T) {
		var calls int32
		err := Retry(context.Background(), policy, func() error {
			atomic.AddInt32(&calls, 1)
			return &ParseError{Op: "x", Err: errors.New("bad")}
		})
		assert.Equal(t, ClassParse, Classify(err))
		assert.Equal(t, int32(1), calls)
	})

	t.Run("stops on operator errors", func(t *testing.T) {
		var calls int32
		err := Retry(context.Background(), policy, func() error {
			atomic.AddInt32(&calls, 1)
			return &RemoteError{Op: "x", Status: 401}
		})
		assert.True(t, RequiresOperator(err))
		assert.Equal(t, int32(1), calls)
	})
}
