package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/grants-approval-api/internal/models"
	"github.com/noah-isme/grants-approval-api/internal/service"
	appErrors "github.com/noah-isme/grants-approval-api/pkg/errors"
	"github.com/noah-isme/grants-approval-api/pkg/logger"
)

type staticValidator map[string]*models.JWTClaims

func (v staticValidator) ValidateToken(token string) (*models.JWTClaims, error) {
	if claims, ok := v[token]; ok {
		return claims, nil
	}
	return nil, appErrors.Clone(appErrors.ErrUnauthorized, "invalid token")
}

func newRouter(handlers ...gin.HandlerFunc) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	chain := append(handlers, func(c *gin.Context) {
		claims := ClaimsFromContext(c)
		c.JSON(http.StatusOK, gin.H{"user": claims.UserID, "actor": c.GetString(logger.UserIDKey)})
	})
	r.GET("/protected", chain...)
	return r
}

func TestJWTRejectsMissingAndInvalidTokens(t *testing.T) {
	r := newRouter(JWT(staticValidator{}))

	cases := map[string]string{
		"missing":   "",
		"malformed": "Token abc",
		"unknown":   "Bearer abc",
	}
	for name, header := range cases {
		t.Run(name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/protected", nil)
			if header != "" {
				req.Header.Set("Authorization", header)
			}
			w := httptest.NewRecorder()
			r.ServeHTTP(w, req)
			assert.Equal(t, http.StatusUnauthorized, w.Code)
		})
	}
}

func TestJWTAndRoles(t *testing.T) {
	validator := staticValidator{
		"admin":    {UserID: "u-admin", Role: models.RoleAdmin},
		"staff":    {UserID: "u-staff", Role: models.RoleStaff},
		"superman": {UserID: "u-root", Role: models.RoleSuperAdmin},
	}
	r := newRouter(JWT(validator), RequireRoles(models.RoleAdmin))

	for token, want := range map[string]int{"admin": http.StatusOK, "staff": http.StatusForbidden, "superman": http.StatusOK} {
		req := httptest.NewRequest(http.MethodGet, "/protected", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		require.Equalf(t, want, w.Code, "token %s", token)
		if want == http.StatusOK {
			assert.Contains(t, w.Body.String(), `"actor":"`+validator[token].UserID+`"`)
		}
	}
}

func TestRequireRolesWithoutClaims(t *testing.T) {
	r := newRouter(RequireRoles(models.RoleAdmin))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/protected", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestMetricsMiddlewareObservesRoute(t *testing.T) {
	gin.SetMode(gin.TestMode)
	metrics := service.NewMetricsService()
	r := gin.New()
	r.Use(Metrics(metrics))
	r.GET("/approvals/:kind/:id", func(c *gin.Context) {
		time.Sleep(time.Millisecond)
		c.Status(http.StatusNoContent)
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/approvals/proposal/p-1", nil))
	require.Equal(t, http.StatusNoContent, w.Code)

	count, err := testutil.GatherAndCount(metrics.Registry(), "http_requests_total")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestMetricsMiddlewareBoundsPathLabels(t *testing.T) {
	gin.SetMode(gin.TestMode)
	metrics := service.NewMetricsService()
	r := gin.New()
	r.Use(Metrics(metrics, "/metrics"))
	r.GET("/metrics", func(c *gin.Context) { c.Status(http.StatusOK) })
	r.GET("/approvals/:kind/:id", func(c *gin.Context) { c.Status(http.StatusOK) })

	for _, path := range []string{"/metrics", "/wp-login.php", "/.env", "/approvals/melp/m-1", "/approvals/melp/m-2"} {
		r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, path, nil))
	}

	count, err := testutil.GatherAndCount(metrics.Registry(), "http_requests_total")
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	families, err := metrics.Registry().Gather()
	require.NoError(t, err)
	var unmatched, routed float64
	for _, mf := range families {
		if mf.GetName() != "http_requests_total" {
			continue
		}
		for _, m := range mf.GetMetric() {
			for _, label := range m.GetLabel() {
				if label.GetName() != "path" {
					continue
				}
				switch label.GetValue() {
				case UnmatchedRoute:
					unmatched = m.GetCounter().GetValue()
				case "/approvals/:kind/:id":
					routed = m.GetCounter().GetValue()
				default:
					t.Fatalf("unexpected path label %q", label.GetValue())
				}
			}
		}
	}
	assert.Equal(t, float64(2), unmatched)
	assert.Equal(t, float64(2), routed)
}
