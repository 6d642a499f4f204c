// Package control is the HTTP surface described in spec.md §6 (component
// C5): an outside operator starts, inspects, lists, and cancels downloads,
// and inspects connected clients, all as JSON over gin.
package control

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/anacrolix/log"

	"github.com/dannyzb/chunkrelay/internal/registry"
	"github.com/dannyzb/chunkrelay/internal/transfer"
	"github.com/dannyzb/chunkrelay/internal/version"
)

// Server wraps a gin.Engine wired to the transfer manager and client
// registry. It implements http.Handler so main can mount it on its own
// listener independent of the peer WebSocket port.
type Server struct {
	engine *gin.Engine
}

func New(manager *transfer.Manager, reg *registry.Registry, corsOrigin string, logger log.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(requestLogger(logger))
	r.Use(cors(corsOrigin))

	h := &handlers{manager: manager, registry: reg}

	r.GET("/healthz", h.healthz)
	r.POST("/downloads", h.startDownload)
	r.GET("/downloads", h.listDownloads)
	r.GET("/downloads/:requestId", h.getDownload)
	r.DELETE("/downloads/:requestId", h.cancelDownload)
	r.GET("/clients", h.listClients)
	r.GET("/clients/:id", h.getClient)

	return &Server{engine: r}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.engine.ServeHTTP(w, r)
}

// cors applies a single configurable allowed origin, per spec.md §7's
// CORS_ORIGIN setting; there is no credentialed cross-origin use case here
// so a single Access-Control-Allow-Origin value is sufficient.
func cors(origin string) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", origin)
		c.Header("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type")
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

func requestLogger(logger log.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.WithDefaultLevel(log.Debug).Printf(
			"control: %s %s -> %d (%s)", c.Request.Method, c.Request.URL.Path, c.Writer.Status(), time.Since(start))
	}
}

func (h *handlers) healthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "version": version.Version})
}
