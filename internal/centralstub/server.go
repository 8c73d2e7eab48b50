// Package centralstub is an in-memory stand-in for the central sync server.
//
// It speaks the v5 legacy protocol the syncapi client uses: a per-site
// outbound queue with acknowledgement, a push endpoint that captures what a
// site sends, and site_info. Tests drive it directly; `sitesync stub` serves
// it for local end-to-end runs.
package centralstub

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/sitesync/sitesync/internal/syncapi"
)

// Endpoints that failures can be injected into.
const (
	EndpointQueued      = "queued_records"
	EndpointAcknowledge = "acknowledged_records"
	EndpointPush        = "push"
	EndpointSiteInfo    = "site_info"
)

// Config holds configuration for the stub.
type Config struct {
	SiteName string
	// PasswordHash is the credential sites must present.
	PasswordHash string
	SiteUUID     string
	SiteID       int
	Logger       *logrus.Logger
}

// Server is the stub central server. It is safe for concurrent use.
type Server struct {
	cfg Config
	log *logrus.Entry

	mu       sync.Mutex
	nextID   int
	queue    []syncapi.Record
	pushed   []syncapi.Record
	acked    int
	failures map[string][]int
	requests map[string]int
}

// New creates a stub with an empty queue.
func New(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}
	return &Server{
		cfg:      cfg,
		log:      cfg.Logger.WithField("component", "centralstub"),
		failures: make(map[string][]int),
		requests: make(map[string]int),
	}
}

// Enqueue appends records to the site's inbound queue, assigning sync ids
// in order, and returns the ids.
func (s *Server) Enqueue(records ...syncapi.Record) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := make([]string, len(records))
	for i, r := range records {
		s.nextID++
		r.SyncOutID = strconv.Itoa(s.nextID)
		s.queue = append(s.queue, r)
		ids[i] = r.SyncOutID
	}
	return ids
}

// Queued returns the number of unacknowledged records.
func (s *Server) Queued() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// Acknowledged returns the number of records acknowledged so far.
func (s *Server) Acknowledged() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.acked
}

// Pushed returns a copy of every record pushed by the site.
func (s *Server) Pushed() []syncapi.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]syncapi.Record(nil), s.pushed...)
}

// Requests returns how many requests reached an endpoint, including
// injected failures.
func (s *Server) Requests(endpoint string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requests[endpoint]
}

// FailNext makes the next requests to endpoint fail with the given
// statuses, one status per request.
func (s *Server) FailNext(endpoint string, statuses ...int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[endpoint] = append(s.failures[endpoint], statuses...)
}

// Handler returns the HTTP handler serving the v5 protocol.
func (s *Server) Handler() http.Handler {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), s.logRequests())

	v5 := r.Group("/sync/v5", gin.BasicAuth(gin.Accounts{s.cfg.SiteName: s.cfg.PasswordHash}), s.requireHeaders())
	v5.GET("/queued_records", s.inject(EndpointQueued), s.getQueued)
	v5.POST("/acknowledged_records", s.inject(EndpointAcknowledge), s.acknowledge)
	v5.POST("/queued_records", s.inject(EndpointPush), s.push)
	v5.GET("/site_info", s.inject(EndpointSiteInfo), s.siteInfo)
	return r
}

// Run serves the stub on addr until ctx is cancelled.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.WithField("addr", addr).Info("central stub listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("failed to shut down stub: %w", err)
		}
		if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

func (s *Server) logRequests() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.log.WithFields(logrus.Fields{
			"method":   c.Request.Method,
			"path":     c.Request.URL.Path,
			"status":   c.Writer.Status(),
			"duration": time.Since(start),
		}).Debug("stub request")
	}
}

func (s *Server) requireHeaders() gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.GetHeader(syncapi.HeaderVersion) != strconv.Itoa(syncapi.DefaultProtocolVersion) {
			abort(c, http.StatusBadRequest, "invalid_version", "unsupported sync version")
			return
		}
		if s.cfg.SiteUUID != "" && c.GetHeader(syncapi.HeaderSiteUUID) != s.cfg.SiteUUID {
			abort(c, http.StatusForbidden, "site_mismatch", "site uuid does not match credentials")
			return
		}
		c.Next()
	}
}

// inject fails the request with the next queued status for endpoint.
func (s *Server) inject(endpoint string) gin.HandlerFunc {
	return func(c *gin.Context) {
		s.mu.Lock()
		s.requests[endpoint]++
		var status int
		if pending := s.failures[endpoint]; len(pending) > 0 {
			status = pending[0]
			s.failures[endpoint] = pending[1:]
		}
		s.mu.Unlock()

		if status != 0 {
			abort(c, status, "injected", fmt.Sprintf("injected failure on %s", endpoint))
			return
		}
		c.Next()
	}
}

func abort(c *gin.Context, status int, code, msg string) {
	c.AbortWithStatusJSON(status, gin.H{"code": code, "message": msg})
}

func (s *Server) getQueued(c *gin.Context) {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "500"))
	if err != nil || limit <= 0 {
		abort(c, http.StatusBadRequest, "invalid_limit", "limit must be a positive integer")
		return
	}

	s.mu.Lock()
	page := s.queue
	if len(page) > limit {
		page = page[:limit]
	}
	resp := syncapi.QueuedRecords{
		QueueLength: len(s.queue),
		Data:        append([]syncapi.Record{}, page...),
	}
	s.mu.Unlock()

	c.JSON(http.StatusOK, resp)
}

func (s *Server) acknowledge(c *gin.Context) {
	var req syncapi.AcknowledgeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abort(c, http.StatusBadRequest, "invalid_body", err.Error())
		return
	}

	ack := make(map[string]struct{}, len(req.SyncIDs))
	for _, id := range req.SyncIDs {
		ack[id] = struct{}{}
	}

	s.mu.Lock()
	kept := s.queue[:0]
	for _, r := range s.queue {
		if _, ok := ack[r.SyncOutID]; ok {
			s.acked++
			continue
		}
		kept = append(kept, r)
	}
	s.queue = kept
	s.mu.Unlock()

	c.Status(http.StatusOK)
}

func (s *Server) push(c *gin.Context) {
	var req syncapi.PushRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abort(c, http.StatusBadRequest, "invalid_body", err.Error())
		return
	}
	for _, r := range req.Data {
		if r.TableName == "" || r.RecordID == "" {
			abort(c, http.StatusBadRequest, "invalid_record", "tableName and recordId are required")
			return
		}
	}

	s.mu.Lock()
	s.pushed = append(s.pushed, req.Data...)
	s.mu.Unlock()

	c.JSON(http.StatusOK, syncapi.PushResponse{IntegrationStarted: req.QueueLength == 0})
}

func (s *Server) siteInfo(c *gin.Context) {
	c.JSON(http.StatusOK, syncapi.SiteInfo{
		ID:     s.cfg.SiteUUID,
		SiteID: s.cfg.SiteID,
		Name:   s.cfg.SiteName,
		Code:   s.cfg.SiteName,
	})
}
