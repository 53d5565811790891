// Package diag is an optional, read-only HTTP side channel for
// inspecting a running node — never part of the Maelstrom protocol
// itself, off unless --debug-addr is set. Dependencies are injected at
// construction, routes are mounted in Register, and Server.Run wires
// gin.New in ReleaseMode with a graceful shutdown.
package diag

import (
	"context"
	"net/http"
	"time"

	"maelstrom-node/internal/gcounter"
	"maelstrom-node/internal/peers"
	"maelstrom-node/internal/valuestore"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Handler holds the read-only view of node state this package exposes.
// It never mutates anything — every field is read through accessors
// that are already safe for concurrent use.
type Handler struct {
	log      *zap.Logger
	nodeID   func() string
	peers    *peers.Registry
	store    *valuestore.Store
	gcounter *gcounter.Module // nil when the node's workload isn't "counter"
}

func NewHandler(log *zap.Logger, nodeID func() string, reg *peers.Registry, store *valuestore.Store, g *gcounter.Module) *Handler {
	return &Handler{log: log, nodeID: nodeID, peers: reg, store: store, gcounter: g}
}

// requestID stamps every response with a correlation id, so a log line
// can be matched back to the HTTP call that produced it.
func requestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := uuid.NewString()
		c.Writer.Header().Set("X-Request-Id", id)
		c.Set("request_id", id)
		c.Next()
	}
}

// Register mounts every diagnostics route on r.
func (h *Handler) Register(r *gin.Engine) {
	r.Use(requestID())
	r.GET("/healthz", h.healthz)
	r.GET("/peers", h.peersList)
	r.GET("/values", h.values)
	r.GET("/counter", h.counter)
}

func (h *Handler) healthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"node_id": h.nodeID(),
		"status":  "ok",
	})
}

func (h *Handler) peersList(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"peers": h.peers.All()})
}

func (h *Handler) values(c *gin.Context) {
	vals := h.store.Values()
	if vals == nil {
		vals = []uint64{}
	}
	c.JSON(http.StatusOK, gin.H{"values": vals})
}

func (h *Handler) counter(c *gin.Context) {
	if h.gcounter == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "this node is not running the counter workload"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"local": h.gcounter.LocalValue(),
		"sum":   h.gcounter.Sum(),
	})
}

// Server is a diagnostics HTTP server task, suitable for handing to the
// scheduler as one of its extra tasks.
type Server struct {
	log  *zap.Logger
	addr string
	h    *Handler
}

func NewServer(log *zap.Logger, addr string, h *Handler) *Server {
	return &Server{log: log, addr: addr, h: h}
}

// Run serves diagnostics until ctx is cancelled, then shuts down with a
// bounded grace period of 5 seconds.
func (s *Server) Run(ctx context.Context) error {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	s.h.Register(router)

	srv := &http.Server{Addr: s.addr, Handler: router}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			s.log.Warn("diagnostics server shutdown error", zap.Error(err))
		}
		return nil
	}
}
