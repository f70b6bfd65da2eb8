package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"gorm.io/datatypes"

	"github.com/korelin/subpay/internal/app/service/orchestrator"
	"github.com/korelin/subpay/internal/models"
	"github.com/korelin/subpay/pkg/logctx"
	"github.com/korelin/subpay/pkg/response"
	"github.com/korelin/subpay/pkg/types"
)

// WebhookAuditor records webhook deliveries. Implemented by webhooklog.Service.
type WebhookAuditor interface {
	Save(ctx context.Context, row *models.WebhookLog)
}

// PaymentWebhook is the intake endpoint for provider callbacks. The body is
// snapshotted for the audit log before the adapter consumes it; providers see
// only the outcome code, never the rejection reason.
func PaymentWebhook(orch *orchestrator.Service, logs WebhookAuditor, base *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		gw := types.GatewayType(c.Param("gateway"))
		log := logctx.FromGin(c, base).With("gateway", gw)
		log.Infow("webhook_received")

		body, err := io.ReadAll(c.Request.Body)
		if err != nil {
			log.Warnw("webhook body read failed", "err", err)
			c.Status(http.StatusNotFound)
			return
		}
		c.Request.Body = io.NopCloser(bytes.NewReader(body))

		outcome := orch.HandleWebhook(c.Request.Context(), gw, c.Request)
		switch outcome {
		case orchestrator.OutcomeOK:
			logs.Save(c.Request.Context(), &models.WebhookLog{
				Gateway: gw,
				Status:  models.WebhookLogStatusHandled,
				Body:    auditBody(body),
			})
			log.Infow("webhook_handled")
			c.JSON(http.StatusOK, response.OKT[any](nil))
		case orchestrator.OutcomeUnauthorized:
			logs.Save(c.Request.Context(), &models.WebhookLog{
				Gateway: gw,
				Status:  models.WebhookLogStatusRejected,
				Body:    auditBody(body),
			})
			c.Status(http.StatusUnauthorized)
		default:
			// Malformed payloads and unknown references are what probe
			// traffic looks like; incident review needs them on record.
			logs.Save(c.Request.Context(), &models.WebhookLog{
				Gateway: gw,
				Status:  models.WebhookLogStatusRejected,
				Body:    auditBody(body),
			})
			c.Status(http.StatusNotFound)
		}
	}
}

// auditBody coerces the raw callback into something the jsonb column
// accepts; YooMoney posts form-encoded bodies.
func auditBody(body []byte) datatypes.JSON {
	if json.Valid(body) && len(body) > 0 {
		return datatypes.JSON(body)
	}
	wrapped, _ := json.Marshal(map[string]string{"raw": string(body)})
	return datatypes.JSON(wrapped)
}

func RegisterPaymentWebhookRoutes(r gin.IRouter, orch *orchestrator.Service, logs WebhookAuditor, base *zap.SugaredLogger) {
	r.POST("/payments/:gateway", PaymentWebhook(orch, logs, base))
}
