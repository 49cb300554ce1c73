package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"golang.org/x/net/netutil"

	"github.com/danmuck/edgekv/internal/observability"
)

// AdminConfig configures the HTTP side door.
type AdminConfig struct {
	Node        string
	Addr        string
	CorsOrigins []string
	// MaxConns caps concurrent admin connections; zero means 64.
	MaxConns int
	// QueryTimeout bounds how long a request waits on the loop.
	QueryTimeout time.Duration
	// Extra contributes additional /stats sections, read off the loop.
	Extra func() map[string]any
}

// AdminRouter builds the admin engine: health checks, prometheus metrics and
// loop snapshots.
func (s *Server) AdminRouter(cfg AdminConfig) *gin.Engine {
	observability.RegisterMetrics()
	if cfg.QueryTimeout <= 0 {
		cfg.QueryTimeout = 2 * time.Second
	}
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(observability.RequestLogger(log.Logger))
	r.Use(observability.RequestMetricsMiddleware(cfg.Node))
	r.Use(cors.New(cors.Config{
		AllowOrigins: normalizeOrigins(cfg.CorsOrigins),
		AllowMethods: []string{"GET"},
		AllowHeaders: []string{"Origin", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))
	_ = r.SetTrustedProxies([]string{"127.0.0.1", "::1"})

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status": "ok",
			"node":   cfg.Node,
			"uptime": time.Since(s.started).Truncate(time.Second).String(),
		})
	})
	r.GET("/ready", func(c *gin.Context) {
		if !s.Running() {
			c.JSON(http.StatusServiceUnavailable, gin.H{"ready": false})
			return
		}
		c.JSON(http.StatusOK, gin.H{"ready": true, "node": cfg.Node})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	r.GET("/stats", func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), cfg.QueryTimeout)
		defer cancel()
		st, err := s.Stats(ctx)
		if err != nil {
			queryFailed(c, err)
			return
		}
		body := gin.H{"server": st}
		if cfg.Extra != nil {
			for k, v := range cfg.Extra() {
				body[k] = v
			}
		}
		c.JSON(http.StatusOK, body)
	})
	r.GET("/connections", func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), cfg.QueryTimeout)
		defer cancel()
		conns, err := s.Connections(ctx)
		if err != nil {
			queryFailed(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"count": len(conns), "connections": conns})
	})
	return r
}

func queryFailed(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	if errors.Is(err, ErrNotRunning) || errors.Is(err, context.DeadlineExceeded) {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

// ServeAdmin runs the admin engine on cfg.Addr until ctx is done.
func (s *Server) ServeAdmin(ctx context.Context, cfg AdminConfig) error {
	ln, err := net.Listen("tcp", strings.TrimSpace(cfg.Addr))
	if err != nil {
		return err
	}
	maxConns := cfg.MaxConns
	if maxConns <= 0 {
		maxConns = 64
	}
	ln = netutil.LimitListener(ln, maxConns)
	srv := &http.Server{
		Handler:           s.AdminRouter(cfg),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	log.Info().Msgf("server.Server.ServeAdmin addr=%q max_conns=%d", ln.Addr().String(), maxConns)
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func normalizeOrigins(origins []string) []string {
	out := make([]string, 0, len(origins))
	for _, o := range origins {
		if o = strings.TrimSpace(o); o != "" {
			out = append(out, o)
		}
	}
	if len(out) == 0 {
		return []string{"http://localhost:3000"}
	}
	return out
}
