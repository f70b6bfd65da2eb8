package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/korelin/subpay/internal/app/service/gateway"
	"github.com/korelin/subpay/internal/app/service/orchestrator"
	"github.com/korelin/subpay/internal/models"
)

func TestRegisterRoutes(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	g := r.Group("/api/v1")
	RegisterHealthRoutes(r)
	RegisterPaymentWebhookRoutes(g, nil, nil, nil)
	RegisterMirrorWebhookRoutes(g, nil)

	routes := r.Routes()
	contains := func(target string) bool {
		for _, rt := range routes {
			if rt.Method+" "+rt.Path == target {
				return true
			}
		}
		return false
	}

	require.True(t, contains("GET /healthz"))
	require.True(t, contains("POST /api/v1/payments/:gateway"))
	require.True(t, contains("POST /api/v1/webhook/mirror/:id"))
}

func TestHealthz(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	RegisterHealthRoutes(r)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), `"status":"ok"`)
}

func TestMirrorWebhookRejectsNonNumericID(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	RegisterMirrorWebhookRoutes(r.Group("/api/v1"), nil)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/v1/webhook/mirror/not-a-number", nil))

	require.Equal(t, http.StatusNotFound, w.Code)
}

type fakeAuditor struct{ rows []*models.WebhookLog }

func (f *fakeAuditor) Save(_ context.Context, row *models.WebhookLog) {
	f.rows = append(f.rows, row)
}

func TestPaymentWebhookAuditsUnknownGateway(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	audit := &fakeAuditor{}
	orch := orchestrator.New(nil, gateway.NewRegistry(), nil, nil, nil, nil, nil, nil, nil, zap.NewNop().Sugar())
	RegisterPaymentWebhookRoutes(r.Group("/api/v1"), orch, audit, zap.NewNop().Sugar())

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/payments/nope", strings.NewReader(`{"k":"v"}`))
	r.ServeHTTP(w, req)

	// Probe traffic gets a bare 404, but the delivery still lands in the
	// audit log for incident review.
	require.Equal(t, http.StatusNotFound, w.Code)
	require.Len(t, audit.rows, 1)
	require.Equal(t, models.WebhookLogStatusRejected, audit.rows[0].Status)
	require.JSONEq(t, `{"k":"v"}`, string(audit.rows[0].Body))
}

func TestAuditBodyCoercesToJSON(t *testing.T) {
	form := auditBody([]byte("amount=500.00&label=pay-abc"))
	require.True(t, json.Valid(form))
	require.Contains(t, string(form), "amount=500.00")

	plain := auditBody([]byte(`{"order_id":"pay-abc"}`))
	require.Equal(t, `{"order_id":"pay-abc"}`, string(plain))
}
