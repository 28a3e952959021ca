package httpapi

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"collabsync/backend/internal/auth"
	"collabsync/backend/internal/cache"
	"collabsync/backend/internal/metrics"
	"collabsync/backend/internal/protocol"
)

// SocketHandler is the websocket entry point; remoteID keys the connection
// rate limit.
type SocketHandler interface {
	ServeHTTP(w http.ResponseWriter, r *http.Request, remoteID string)
	ConnectionCount() int
}

type Deps struct {
	Sockets SocketHandler
	Metrics *metrics.Collector
	// Presence is nil when redis is not configured.
	Presence       cache.PresenceCache
	AllowedOrigins []string
	Log            *slog.Logger
}

func NewRouter(d Deps) *gin.Engine {
	log := d.Log
	if log == nil {
		log = slog.Default()
	}
	log = log.With(slog.String("component", "http"))

	r := gin.New()
	r.Use(requestLogger(log), gin.Recovery())
	r.Use(cors.New(corsConfig(d.AllowedOrigins)))

	h := &handlers{deps: d, log: log}
	g := r.Group("/collab")
	g.GET("/ws", h.socket)
	g.GET("/healthz", h.health)
	g.GET("/metrics", h.metrics)
	g.GET("/documents/:documentId/presence", h.presence)
	return r
}

func corsConfig(allowed []string) cors.Config {
	cfg := cors.Config{
		AllowMethods:     []string{"GET", "HEAD", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization", auth.TokenHeader},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: false,
		MaxAge:           12 * time.Hour,
	}
	if len(allowed) == 0 {
		cfg.AllowAllOrigins = true
	} else {
		cfg.AllowOrigins = allowed
	}
	return cfg
}

func requestLogger(log *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		// the websocket route logs its own lifecycle
		if c.FullPath() == "/collab/ws" && c.Writer.Status() == http.StatusSwitchingProtocols {
			return
		}
		level := slog.LevelInfo
		if c.Writer.Status() >= http.StatusInternalServerError {
			level = slog.LevelWarn
		}
		log.LogAttrs(c.Request.Context(), level, "request",
			slog.String("method", c.Request.Method),
			slog.String("path", c.Request.URL.Path),
			slog.Int("status", c.Writer.Status()),
			slog.Duration("latency", time.Since(start)),
			slog.String("clientIP", c.ClientIP()),
		)
	}
}

type handlers struct {
	deps Deps
	log  *slog.Logger
}

func (h *handlers) socket(c *gin.Context) {
	h.deps.Sockets.ServeHTTP(c.Writer, c.Request, c.ClientIP())
}

func (h *handlers) health(c *gin.Context) {
	snap := h.deps.Metrics.Snapshot()
	status := http.StatusOK
	if !snap.Healthy() {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, gin.H{
		"ok":                snap.Healthy(),
		"activeConnections": h.deps.Sockets.ConnectionCount(),
		"activeRooms":       snap.Rooms,
		"slowOperations":    snap.SlowOperations,
		"recentErrors":      snap.RecentErrors,
	})
}

func (h *handlers) metrics(c *gin.Context) {
	c.JSON(http.StatusOK, h.deps.Metrics.Snapshot())
}

func (h *handlers) presence(c *gin.Context) {
	docID := c.Param("documentId")
	if !protocol.ValidDocumentID(docID) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid document id"})
		return
	}
	if h.deps.Presence == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "presence unavailable"})
		return
	}
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()
	members, err := h.deps.Presence.GetAliveMembersWithNames(ctx, docID)
	if err != nil {
		h.log.Warn("presence lookup failed", slog.String("docID", docID), slog.Any("err", err))
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "presence unavailable"})
		return
	}
	if members == nil {
		members = []cache.PresenceMember{}
	}
	c.JSON(http.StatusOK, gin.H{"documentId": docID, "members": members})
}
