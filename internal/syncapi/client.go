// Package syncapi is the transport client for the legacy central server's
// sync protocol (v5).
//
// The client is stateless apart from its http.Client, which is reused across
// calls. Every failure is returned as exactly one of ConnectionError,
// RemoteError or ParseError; Classify and IsRetryable turn that into the
// retry-vs-halt decision used by the puller and pusher.
package syncapi

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// Header names sent with every request.
const (
	HeaderSiteUUID   = "msupply-site-uuid"
	HeaderAppVersion = "app-version"
	HeaderAppName    = "app-name"
	HeaderVersion    = "version"
)

// DefaultProtocolVersion is the legacy sync protocol version.
const DefaultProtocolVersion = 5

const maxErrorBody = 64 * 1024

// Config holds configuration for the client.
type Config struct {
	// BaseURL of the central server, e.g. https://central.example.org
	BaseURL string

	// SiteName is the Basic auth user name.
	SiteName string

	// Password is the plain site password. It is hashed once in New and
	// never sent as is.
	Password string

	// PasswordHash may be set instead of Password when only the hash is
	// stored.
	PasswordHash string

	SiteUUID        string
	AppName         string
	AppVersion      string
	ProtocolVersion int

	// Timeout applies per request when HTTPClient is nil.
	Timeout time.Duration

	HTTPClient *http.Client
	Logger     *logrus.Logger
}

// Client talks to the central server.
type Client struct {
	base     *url.URL
	user     string
	hash     string
	headers  http.Header
	http     *http.Client
	log      *logrus.Entry
	protocol int
}

// HashPassword returns the lowercase hex SHA-256 of a site password, the
// credential form the central server expects.
func HashPassword(password string) string {
	sum := sha256.Sum256([]byte(password))
	return hex.EncodeToString(sum[:])
}

// New creates a client.
func New(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("base URL is required")
	}
	base, err := url.Parse(strings.TrimSuffix(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid base URL: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("invalid base URL scheme %q", base.Scheme)
	}
	if cfg.SiteName == "" {
		return nil, errors.New("site name is required")
	}

	hash := cfg.PasswordHash
	if hash == "" {
		hash = HashPassword(cfg.Password)
	}
	if cfg.ProtocolVersion == 0 {
		cfg.ProtocolVersion = DefaultProtocolVersion
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout == 0 {
			timeout = 60 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}

	headers := http.Header{}
	headers.Set(HeaderSiteUUID, cfg.SiteUUID)
	headers.Set(HeaderAppVersion, cfg.AppVersion)
	headers.Set(HeaderAppName, cfg.AppName)
	headers.Set(HeaderVersion, strconv.Itoa(cfg.ProtocolVersion))
	headers.Set("Accept", "application/json")

	return &Client{
		base:     base,
		user:     cfg.SiteName,
		hash:     hash,
		headers:  headers,
		http:     httpClient,
		log:      cfg.Logger.WithField("component", "syncapi"),
		protocol: cfg.ProtocolVersion,
	}, nil
}

func (c *Client) path(endpoint string) string {
	return fmt.Sprintf("/sync/v%d/%s", c.protocol, endpoint)
}

// QueuedRecords fetches the next page of records queued for this site.
func (c *Client) QueuedRecords(ctx context.Context, limit int) (*QueuedRecords, error) {
	q := url.Values{}
	q.Set("limit", strconv.Itoa(limit))

	var page QueuedRecords
	if err := c.do(ctx, "get queued records", http.MethodGet, c.path("queued_records"), q, nil, &page, false); err != nil {
		return nil, err
	}
	return &page, nil
}

// Acknowledge removes received records from the central queue.
func (c *Client) Acknowledge(ctx context.Context, syncIDs []string) error {
	if len(syncIDs) == 0 {
		return nil
	}
	body := AcknowledgeRequest{SyncIDs: syncIDs}
	return c.do(ctx, "acknowledge records", http.MethodPost, c.path("acknowledged_records"), nil, body, nil, true)
}

// PushRecords posts outbound records. queueLength is the number of records
// still waiting to be pushed after this batch.
func (c *Client) PushRecords(ctx context.Context, records []Record, queueLength int) (*PushResponse, error) {
	body := PushRequest{QueueLength: queueLength, Data: records}
	var resp PushResponse
	if err := c.do(ctx, "push records", http.MethodPost, c.path("queued_records"), nil, body, &resp, true); err != nil {
		return nil, err
	}
	return &resp, nil
}

// SiteInfo returns the identity of the authenticated site.
func (c *Client) SiteInfo(ctx context.Context) (*SiteInfo, error) {
	var info SiteInfo
	if err := c.do(ctx, "get site info", http.MethodGet, c.path("site_info"), nil, nil, &info, false); err != nil {
		return nil, err
	}
	return &info, nil
}

// do performs one request. When emptyOK is set an empty response body is
// accepted and out is left untouched.
func (c *Client) do(ctx context.Context, op, method, path string, query url.Values, body, out any, emptyOK bool) error {
	u := *c.base
	u.Path = c.base.Path + path
	if query != nil {
		u.RawQuery = query.Encode()
	}

	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("%s: failed to encode request: %w", op, err)
		}
		reader = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), reader)
	if err != nil {
		return fmt.Errorf("%s: failed to build request: %w", op, err)
	}
	for k, v := range c.headers {
		req.Header[k] = v
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.SetBasicAuth(c.user, c.hash)

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &ConnectionError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &ConnectionError{Op: op, Err: fmt.Errorf("reading body: %w", err)}
	}

	c.log.WithFields(logrus.Fields{
		"method":   method,
		"path":     path,
		"status":   resp.StatusCode,
		"duration": time.Since(start),
	}).Debug("sync api request")

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return newRemoteError(op, resp.StatusCode, respBody)
	}

	if out == nil {
		return nil
	}
	if len(bytes.TrimSpace(respBody)) == 0 {
		if emptyOK {
			return nil
		}
		return &ParseError{Op: op, Err: errors.New("empty body")}
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return &ParseError{Op: op, Body: truncate(respBody), Err: err}
	}
	return nil
}

func newRemoteError(op string, status int, body []byte) *RemoteError {
	e := &RemoteError{Op: op, Status: status, Body: truncate(body)}
	var le legacyError
	if json.Unmarshal(body, &le) == nil {
		e.Code = le.Code
		e.Message = le.Message
	}
	return e
}

func truncate(b []byte) string {
	if len(b) > maxErrorBody {
		b = b[:maxErrorBody]
	}
	return string(b)
}
