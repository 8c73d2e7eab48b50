package centralstub

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sitesync/sitesync/internal/syncapi"
)

func newTestPair(t *testing.T) (*Server, *syncapi.Client) {
	t.Helper()
	stub := New(Config{SiteName: "clinic", PasswordHash: syncapi.HashPassword("secret"), SiteUUID: "site-1", SiteID: 7})
	srv := httptest.NewServer(stub.Handler())
	t.Cleanup(srv.Close)

	client, err := syncapi.New(syncapi.Config{
		BaseURL:  srv.URL,
		SiteName: "clinic",
		Password: "secret",
		SiteUUID: "site-1",
	})
	require.NoError(t, err)
	return stub, client
}

func TestServer_QueueAndAcknowledge(t *testing.T) {
	ctx := context.Background()
	stub, client := newTestPair(t)

	ids := stub.Enqueue(
		syncapi.Record{TableName: "unit", RecordID: "u1", Action: syncapi.ActionInsert, Data: json.RawMessage(`{}`)},
		syncapi.Record{TableName: "unit", RecordID: "u2", Action: syncapi.ActionInsert, Data: json.RawMessage(`{}`)},
		syncapi.Record{TableName: "unit", RecordID: "u3", Action: syncapi.ActionInsert, Data: json.RawMessage(`{}`)},
	)
	assert.Equal(t, []string{"1", "2", "3"}, ids)

	page, err := client.QueuedRecords(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, 3, page.QueueLength)
	require.Len(t, page.Data, 2)
	assert.Equal(t, "1", page.Data[0].SyncOutID)

	// Unacknowledged records are served again.
	again, err := client.QueuedRecords(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, page.Data, again.Data)

	require.NoError(t, client.Acknowledge(ctx, []string{"1", "2"}))
	assert.Equal(t, 1, stub.Queued())
	assert.Equal(t, 2, stub.Acknowledged())

	page, err = client.QueuedRecords(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, 1, page.QueueLength)
	assert.Equal(t, "u3", page.Data[0].RecordID)
}

func TestServer_Push(t *testing.T) {
	ctx := context.Background()
	stub, client := newTestPair(t)

	resp, err := client.PushRecords(ctx, []syncapi.Record{
		{TableName: "location", RecordID: "l1", Action: syncapi.ActionUpdate, Data: json.RawMessage(`{"ID":"l1"}`)},
	}, 0)
	require.NoError(t, err)
	assert.True(t, resp.IntegrationStarted)

	pushed := stub.Pushed()
	require.Len(t, pushed, 1)
	assert.Equal(t, "l1", pushed[0].RecordID)

	_, err = client.PushRecords(ctx, []syncapi.Record{{TableName: "location"}}, 0)
	var remote *syncapi.RemoteError
	require.True(t, errors.As(err, &remote))
	assert.Equal(t, http.StatusBadRequest, remote.Status)
	assert.Equal(t, "invalid_record", remote.Code)
}

func TestServer_RejectsBadCredentials(t *testing.T) {
	stub := New(Config{SiteName: "clinic", PasswordHash: syncapi.HashPassword("secret")})
	srv := httptest.NewServer(stub.Handler())
	defer srv.Close()

	client, err := syncapi.New(syncapi.Config{BaseURL: srv.URL, SiteName: "clinic", Password: "wrong"})
	require.NoError(t, err)

	_, err = client.SiteInfo(context.Background())
	assert.Equal(t, syncapi.ClassRemote, syncapi.Classify(err))
	assert.True(t, syncapi.RequiresOperator(err))
	assert.False(t, syncapi.IsRetryable(err))
}

func TestServer_SiteMismatch(t *testing.T) {
	stub := New(Config{SiteName: "clinic", PasswordHash: syncapi.HashPassword("secret"), SiteUUID: "site-1"})
	srv := httptest.NewServer(stub.Handler())
	defer srv.Close()

	client, err := syncapi.New(syncapi.Config{BaseURL: srv.URL, SiteName: "clinic", Password: "secret", SiteUUID: "other"})
	require.NoError(t, err)

	_, err = client.SiteInfo(context.Background())
	var remote *syncapi.RemoteError
	require.True(t, errors.As(err, &remote))
	assert.Equal(t, http.StatusForbidden, remote.Status)
	assert.Equal(t, "site_mismatch", remote.Code)
}

func TestServer_FailNext(t *testing.T) {
	ctx := context.Background()
	stub, client := newTestPair(t)
	stub.FailNext(EndpointSiteInfo, http.StatusServiceUnavailable)

	_, err := client.SiteInfo(ctx)
	assert.True(t, syncapi.IsRetryable(err))

	info, err := client.SiteInfo(ctx)
	require.NoError(t, err)
	assert.Equal(t, 7, info.SiteID)
	assert.Equal(t, "site-1", info.ID)
	assert.Equal(t, 2, stub.Requests(EndpointSiteInfo))
}

func TestServer_Run(t *testing.T) {
	stub := New(Config{SiteName: "clinic"})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- stub.Run(ctx, "127.0.0.1:0") }()
	cancel()
	assert.NoError(t, <-done)
}
