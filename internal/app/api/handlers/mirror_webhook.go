package handlers

import (
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/korelin/subpay/internal/app/service/mirror"
)

// MirrorWebhook receives Telegram updates for one bot identity. All routing
// decisions, including the secret-token check, live in the manager.
func MirrorWebhook(mgr *mirror.Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		botID, err := strconv.ParseInt(c.Param("id"), 10, 64)
		if err != nil {
			c.Status(http.StatusNotFound)
			return
		}
		body, err := io.ReadAll(c.Request.Body)
		if err != nil {
			body = nil
		}
		status := mgr.Route(c.Request.Context(), botID, c.GetHeader(mirror.SecretTokenHeader), body)
		c.Status(status)
	}
}

func RegisterMirrorWebhookRoutes(r gin.IRouter, mgr *mirror.Manager) {
	r.POST("/webhook/mirror/:id", MirrorWebhook(mgr))
}
