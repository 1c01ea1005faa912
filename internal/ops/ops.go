// Package ops runs the operational HTTP sidecar: Prometheus scraping
// and a scheduler status probe. It serves on its own goroutine and
// port so scraping never contends with the single-threaded request
// core.
package ops

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/zerobsv/weather-server/internal/sched"
)

// Router builds the gin engine for the sidecar.
func Router(promReg *prometheus.Registry, stats func() sched.Stats) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(promReg, promhttp.HandlerOpts{})))
	r.GET("/statusz", func(c *gin.Context) {
		s := stats()
		c.JSON(http.StatusOK, gin.H{
			"tasks_active": s.TasksActive,
			"ticks_total":  s.TicksTotal,
		})
	})

	return r
}

// Server wraps the sidecar's http.Server for graceful shutdown.
type Server struct {
	log *slog.Logger
	srv *http.Server
}

// Serve starts the sidecar on addr in its own goroutine. Startup
// failure is logged, not fatal: the weather service itself keeps
// running unscraped.
func Serve(log *slog.Logger, addr string, router *gin.Engine) *Server {
	srv := &http.Server{
		Addr:    addr,
		Handler: router,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("ops listener failed", "addr", addr, "err", err)
		}
	}()
	return &Server{log: log, srv: srv}
}

// Stop drains the sidecar with a bounded grace period.
func (s *Server) Stop() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.srv.Shutdown(ctx); err != nil {
		s.log.Warn("ops listener shutdown", "err", err)
	}
}
