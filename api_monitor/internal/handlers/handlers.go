// Package handlers implements the lookout HTTP surface.
package handlers

import (
	"context"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"shadmission/pkg/api/monitor"
	"shadmission/pkg/logging"
	"shadmission/pkg/middleware"
	"shadmission/pkg/version"
)

// QueryService answers historical snapshot requests
type QueryService interface {
	GetLast(ctx context.Context, seconds int) (monitor.LastResponse, error)
	GetRange(ctx context.Context, from, to int64) (monitor.RangeResponse, error)
}

// LiveStream upgrades a request into a live snapshot feed
type LiveStream interface {
	ServeWS(w http.ResponseWriter, r *http.Request)
}

type Handlers struct {
	query   QueryService
	live    LiveStream
	logger  logging.Logger
	nowFunc func() time.Time
}

func New(query QueryService, live LiveStream, logger logging.Logger) *Handlers {
	return &Handlers{
		query:   query,
		live:    live,
		logger:  logger,
		nowFunc: time.Now,
	}
}

// Register mounts the routes. The live feed answers on the root path as
// well as /ws since existing dashboards connect to the bare host.
func (h *Handlers) Register(r gin.IRoutes) {
	r.GET("/", h.Index)
	r.GET("/ws", h.Live)
	r.GET("/snapshots", h.Snapshots)
	r.GET("/health", h.Health)
}

// Snapshots serves GET /snapshots. from and to select a range when both
// parse; otherwise seconds selects a trailing window, defaulting to 60.
func (h *Handlers) Snapshots(c *gin.Context) {
	ctx := c.Request.Context()
	from, fromOK := parseLeadingInt(c.Query("from"))
	to, toOK := parseLeadingInt(c.Query("to"))

	if fromOK && toOK {
		resp, err := h.query.GetRange(ctx, from, to)
		if err != nil {
			h.storeFailure(c, err, logging.Fields{"from": from, "to": to})
			return
		}
		c.JSON(http.StatusOK, resp)
		return
	}

	resp, err := h.query.GetLast(ctx, secondsParam(c.Query("seconds")))
	if err != nil {
		h.storeFailure(c, err, logging.Fields{"seconds": resp.Seconds})
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (h *Handlers) storeFailure(c *gin.Context, err error, fields logging.Fields) {
	middleware.GetContextLogger(c, h.logger).WithFields(fields).WithError(err).Error("Snapshot query failed")
	c.JSON(http.StatusInternalServerError, monitor.ErrorResponse{
		Snapshots: []monitor.Snapshot{},
		Error:     "snapshot store unavailable",
	})
}

// Health serves the liveness probe. It does not touch the store or the
// Transmission daemon; /health/checks reports on those.
func (h *Handlers) Health(c *gin.Context) {
	c.JSON(http.StatusOK, monitor.HealthResponse{Status: "ok", Timestamp: h.nowFunc().UnixMilli()})
}

// Live serves the WebSocket feed
func (h *Handlers) Live(c *gin.Context) {
	h.live.ServeWS(c.Writer, c.Request)
}

// Index upgrades WebSocket requests and describes the service otherwise
func (h *Handlers) Index(c *gin.Context) {
	if websocket.IsWebSocketUpgrade(c.Request) {
		h.Live(c)
		return
	}
	info := version.GetInfo()
	c.JSON(http.StatusOK, gin.H{
		"service":   "lookout",
		"version":   info.Version,
		"commit":    info.GitCommit,
		"endpoints": []string{"/snapshots", "/health", "/health/checks", "/metrics", "/ws"},
	})
}

// secondsParam keeps the long-standing query contract: a missing,
// non-numeric or zero value means the default window. Negative and oversized
// values are left for the query service to clamp.
func secondsParam(raw string) int {
	n, ok := parseLeadingInt(raw)
	if !ok || n == 0 {
		return monitor.DefaultQuerySeconds
	}
	if n > math.MaxInt32 {
		return math.MaxInt32
	}
	if n < math.MinInt32 {
		return math.MinInt32
	}
	return int(n)
}

// parseLeadingInt reads an optionally signed decimal prefix after leading
// whitespace, ignoring anything that follows ("90s" reads as 90). Values
// beyond int64 saturate.
func parseLeadingInt(raw string) (int64, bool) {
	s := strings.TrimLeft(raw, " \t\n\r")
	neg := false
	if s != "" && (s[0] == '+' || s[0] == '-') {
		neg = s[0] == '-'
		s = s[1:]
	}

	var n int64
	digits := 0
	for ; digits < len(s); digits++ {
		ch := s[digits]
		if ch < '0' || ch > '9' {
			break
		}
		d := int64(ch - '0')
		if n > (math.MaxInt64-d)/10 {
			n = math.MaxInt64
			continue
		}
		n = n*10 + d
	}
	if digits == 0 {
		return 0, false
	}
	if neg {
		n = -n
	}
	return n, true
}
