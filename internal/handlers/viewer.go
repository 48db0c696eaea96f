// Package handlers exposes the HTTP surface of the Web viewer plugin.
package handlers

import (
	"net/http"
	"strconv"

	"dicomview/internal/events"
	"dicomview/internal/logging"
	"dicomview/internal/metrics"
	"dicomview/internal/orthanc"
	"dicomview/internal/scheduler"
	"dicomview/internal/viewer"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Handler serves the viewer routes out of the cache scheduler.
type Handler struct {
	scheduler *scheduler.Scheduler
	client    *orthanc.Client
	hub       *events.Hub
}

// NewHandler wires the HTTP surface to its collaborators.
func NewHandler(sched *scheduler.Scheduler, client *orthanc.Client, hub *events.Hub) *Handler {
	return &Handler{scheduler: sched, client: client, hub: hub}
}

// RegisterRoutes installs every route of the plugin on the router.
func (h *Handler) RegisterRoutes(router *gin.Engine) {
	router.GET("/health", h.Health)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	wv := router.Group("/web-viewer")
	{
		wv.GET("/series/:id", h.ServeSeries)
		wv.GET("/instances/:key", h.ServeInstance)
		wv.GET("/is-stable-series/:id", h.IsStableSeries)
		wv.GET("/events", h.hub.HandleWebSocket)
	}
}

// Health answers the liveness probe.
func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// serveCache answers one request out of a cache bundle: on a hit the
// cached payload is returned, on a miss the factory runs on this
// goroutine, and an unproducible key yields 404.
func (h *Handler) serveCache(c *gin.Context, bundle int, key string) {
	cached, err := h.scheduler.IsCached(bundle, key)
	if err == nil {
		metrics.Get().RecordCacheAccess(strconv.Itoa(bundle), cached)
	}

	content, ok, err := h.scheduler.Access(bundle, key)
	if err != nil {
		logging.Component("http").Error("Cannot serve cached content",
			zap.Int("bundle", bundle), zap.String("key", key), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "cache failure"})
		return
	}
	if !ok {
		c.Status(http.StatusNotFound)
		return
	}

	c.Data(http.StatusOK, "application/json", content)
}

// ServeSeries returns the ordered-instance descriptor of one series.
func (h *Handler) ServeSeries(c *gin.Context) {
	h.serveCache(c, viewer.BundleSeriesInformation, c.Param("id"))
}

// ServeInstance returns one decoded pixel payload, keyed
// "<compression>-<instanceId>_<frame>".
func (h *Handler) ServeInstance(c *gin.Context) {
	h.serveCache(c, viewer.BundleDecodedImage, c.Param("key"))
}

// IsStableSeries reports whether a series is stable or complete, so the
// client knows when to stop refreshing.
func (h *Handler) IsStableSeries(c *gin.Context) {
	var series struct {
		IsStable bool   `json:"IsStable"`
		Status   string `json:"Status"`
	}

	ok, err := h.client.GetJSON("/series/"+c.Param("id"), &series)
	if err != nil {
		logging.Component("http").Error("Cannot query series stability", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "store failure"})
		return
	}
	if !ok {
		c.Status(http.StatusNotFound)
		return
	}

	stable := series.IsStable || series.Status == "Complete"
	c.JSON(http.StatusOK, stable)
}
