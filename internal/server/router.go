package server

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/loykin/guarderd/internal/metrics"
	"github.com/loykin/guarderd/internal/supervisor"
)

// Source is what the observer reports on; *supervisor.Supervisor satisfies it.
type Source interface {
	Snapshot() supervisor.Snapshot
}

// Router provides read-only HTTP handlers for a running supervisor.
// Endpoints:
//
//	GET {basePath}/status   snapshot of state and the current child
//	GET {basePath}/healthz  200 while the child is running, 503 otherwise
//	GET {basePath}/metrics  Prometheus exposition
//
// basePath may be empty or start with '/'; no trailing slash.
type Router struct {
	src      Source
	basePath string
	gatherer prometheus.Gatherer
}

// NewRouter constructs a Router serving metrics from the default gatherer.
func NewRouter(src Source, basePath string) *Router {
	return &Router{src: src, basePath: sanitizeBase(basePath), gatherer: prometheus.DefaultGatherer}
}

// WithGatherer switches /metrics to g.
func (r *Router) WithGatherer(g prometheus.Gatherer) *Router {
	r.gatherer = g
	return r
}

// Handler returns an http.Handler powered by gin that can be mounted in any server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	group := g.Group(r.basePath)
	group.GET("/status", r.handleStatus)
	group.GET("/healthz", r.handleHealth)
	group.GET("/metrics", gin.WrapH(metrics.HandlerFor(r.gatherer)))
	return g
}

// NewServer listens on addr and serves the router in the background.
// Listen errors are returned synchronously; stop it with Shutdown.
func NewServer(addr, basePath string, src Source) (*http.Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", addr, err)
	}
	server := &http.Server{
		Addr:              ln.Addr().String(),
		Handler:           NewRouter(src, basePath).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	go func() {
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			_ = ln.Close()
		}
	}()
	return server, nil
}

type statusResp struct {
	supervisor.Snapshot
	Healthy bool `json:"healthy"`
}

type healthResp struct {
	Status string `json:"status"`
	State  string `json:"state"`
}

func (r *Router) handleStatus(c *gin.Context) {
	snap := r.src.Snapshot()
	writeJSON(c, http.StatusOK, statusResp{Snapshot: snap, Healthy: snap.State == supervisor.StateRunning})
}

func (r *Router) handleHealth(c *gin.Context) {
	snap := r.src.Snapshot()
	if snap.State != supervisor.StateRunning {
		writeJSON(c, http.StatusServiceUnavailable, healthResp{Status: "unavailable", State: snap.State.String()})
		return
	}
	writeJSON(c, http.StatusOK, healthResp{Status: "ok", State: snap.State.String()})
}
