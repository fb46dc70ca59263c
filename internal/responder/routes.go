package responder

import (
	"net/http"

	"github.com/danmuck/vibrolink/internal/node"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func (r *Responder) buildRouter() *gin.Engine {
	router := node.NewRouter(r.Kind(), r.cfg.CORSOrigins)
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "node": r.cfg.Name})
	})
	router.GET("/ready", func(c *gin.Context) {
		st := r.mgr.Snapshot()
		code := http.StatusOK
		if !st.Activated() {
			code = http.StatusServiceUnavailable
		}
		c.JSON(code, gin.H{"activated": st.Activated(), "reachable": st.Reachable})
	})
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	router.GET("/status", func(c *gin.Context) {
		c.JSON(http.StatusOK, r.Status())
	})
	router.POST("/session/reconnect", func(c *gin.Context) {
		r.Reconnect()
		c.JSON(http.StatusAccepted, gin.H{"status": "reconnect scheduled"})
	})
	return router
}
