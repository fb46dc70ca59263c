package controller

import (
	"net/http"
	"strings"

	"github.com/danmuck/vibrolink/internal/node"
	"github.com/danmuck/vibrolink/internal/protocol"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type commandRequest struct {
	Action string `json:"action"`
}

func (c *Controller) buildRouter() *gin.Engine {
	router := node.NewRouter(c.Kind(), c.cfg.CORSOrigins)
	router.GET("/health", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, gin.H{"status": "ok", "node": c.cfg.Name})
	})
	router.GET("/ready", func(ctx *gin.Context) {
		st := c.mgr.Snapshot()
		code := http.StatusOK
		if !st.Activated() {
			code = http.StatusServiceUnavailable
		}
		ctx.JSON(code, gin.H{"activated": st.Activated(), "reachable": st.Reachable})
	})
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	router.GET("/status", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, c.Status())
	})
	router.POST("/commands/vibrate", func(ctx *gin.Context) {
		action := protocol.ActionVibrate
		var req commandRequest
		if ctx.Request.ContentLength > 0 {
			if err := ctx.ShouldBindJSON(&req); err != nil {
				ctx.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
				return
			}
			if a := strings.TrimSpace(req.Action); a != "" {
				action = a
			}
		}
		attempt := c.SendAction(action)
		code := http.StatusAccepted
		if attempt.Outcome == OutcomeNotReady || attempt.Outcome == OutcomeRejected {
			code = http.StatusServiceUnavailable
		}
		body := gin.H{"attempt": attempt}
		if attempt.Err != nil {
			body["error"] = attempt.Err.Error()
		}
		ctx.JSON(code, body)
	})
	router.POST("/session/reconnect", func(ctx *gin.Context) {
		c.Reconnect()
		ctx.JSON(http.StatusAccepted, gin.H{"status": "reconnect scheduled"})
	})
	return router
}
