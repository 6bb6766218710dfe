// Package admin serves the operator HTTP surface: health, prometheus
// metrics, region inspection and per-stream session status.
package admin

import (
	"errors"
	"io/fs"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/danmuck/tensorpool/internal/observability"
	"github.com/danmuck/tensorpool/internal/protocol"
	"github.com/danmuck/tensorpool/internal/shm"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

const Version = "0.1.0"

// Status is the last reported state of one producer or consumer session.
type Status struct {
	Name      string    `json:"name"`
	Role      string    `json:"role"`
	StreamID  uint32    `json:"stream_id"`
	LeaseID   uint64    `json:"lease_id"`
	Epoch     uint64    `json:"epoch"`
	Phase     string    `json:"phase"`
	Seq       uint64    `json:"seq"`
	DropsGap  uint64    `json:"drops_gap"`
	DropsLate uint64    `json:"drops_late"`
	UpdatedAt time.Time `json:"updated_at"`
}

type Config struct {
	ID                 string
	Addr               string
	CorsOrigins        []string
	HugepagesSupported bool
}

type Server struct {
	cfg      Config
	appeared time.Time
	logger   zerolog.Logger
	router   *gin.Engine

	mu       sync.RWMutex
	statuses map[string]Status
}

// New builds the router. Sessions running in other goroutines publish
// their state through Report.
func New(cfg Config) *Server {
	if cfg.ID == "" {
		cfg.ID = "tpool-admin"
	}
	observability.RegisterMetrics()
	gin.SetMode(gin.ReleaseMode)
	logger := observability.InitLogger(cfg.ID)

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(observability.AdminRequests(logger, cfg.ID))
	r.Use(cors.New(cors.Config{
		AllowOrigins: normalizeOrigins(cfg.CorsOrigins),
		AllowMethods: []string{"GET"},
		AllowHeaders: []string{"Origin", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))
	_ = r.SetTrustedProxies([]string{"127.0.0.1", "::1"})

	s := &Server{
		cfg:      cfg,
		appeared: time.Now(),
		logger:   logger,
		router:   r,
		statuses: make(map[string]Status),
	}
	s.registerRoutes()
	return s
}

func (s *Server) Router() *gin.Engine { return s.router }

// Report replaces the status published under st.Name.
func (s *Server) Report(st Status) {
	if st.UpdatedAt.IsZero() {
		st.UpdatedAt = time.Now()
	}
	s.mu.Lock()
	s.statuses[st.Name] = st
	s.mu.Unlock()
}

// Forget drops a status, e.g. once its session has closed.
func (s *Server) Forget(name string) {
	s.mu.Lock()
	delete(s.statuses, name)
	s.mu.Unlock()
}

func (s *Server) Statuses() []Status {
	s.mu.RLock()
	out := make([]Status, 0, len(s.statuses))
	for _, st := range s.statuses {
		out = append(out, st)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (s *Server) registerRoutes() {
	s.router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"uptime":  time.Since(s.appeared).String(),
			"service": s.cfg.ID,
			"version": Version,
		})
	})

	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	s.router.GET("/regions", func(c *gin.Context) {
		uri := c.Query("uri")
		info, err := shm.Inspect(uri, s.cfg.HugepagesSupported)
		if err != nil {
			c.JSON(statusFor(err), gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, info)
	})

	s.router.GET("/streams", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"streams": s.Statuses()})
	})
}

// statusFor maps the error taxonomy onto HTTP.
func statusFor(err error) int {
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return http.StatusNotFound
	case errors.Is(err, protocol.ErrArg), errors.Is(err, protocol.ErrProtocol):
		return http.StatusBadRequest
	case errors.Is(err, protocol.ErrUnsupported):
		return http.StatusNotImplemented
	}
	return http.StatusInternalServerError
}

// Serve blocks serving on cfg.Addr.
func (s *Server) Serve() error {
	s.logger.Info().Str("addr", s.cfg.Addr).Msg("admin server listening")
	return s.router.Run(s.cfg.Addr)
}

func normalizeOrigins(origins []string) []string {
	if len(origins) == 0 {
		return []string{"http://localhost:3000"}
	}
	return origins
}
