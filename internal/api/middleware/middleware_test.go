package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/M3-K0/marketplace-monitor/internal/api/auth"
)

func newGuardedRouter(secret string) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	g := r.Group("/", AuthMiddleware(secret), WriteGuard())
	g.GET("/ping", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"subject": c.GetString(ContextSubject)})
	})
	g.POST("/ping", func(c *gin.Context) {
		c.Status(http.StatusNoContent)
	})
	return r
}

func TestAuthMiddleware(t *testing.T) {
	r := newGuardedRouter("secret")
	admin, _ := auth.IssueToken("secret", "cli", auth.ScopeAdmin, time.Hour, time.Now())
	viewer, _ := auth.IssueToken("secret", "dash", auth.ScopeViewer, time.Hour, time.Now())

	cases := []struct {
		name   string
		method string
		header string
		want   int
	}{
		{"missing header", http.MethodGet, "", http.StatusUnauthorized},
		{"bad scheme", http.MethodGet, "Basic abc", http.StatusUnauthorized},
		{"bad token", http.MethodGet, "Bearer nope", http.StatusUnauthorized},
		{"admin read", http.MethodGet, "Bearer " + admin, http.StatusOK},
		{"admin write", http.MethodPost, "Bearer " + admin, http.StatusNoContent},
		{"viewer read", http.MethodGet, "Bearer " + viewer, http.StatusOK},
		{"viewer write", http.MethodPost, "Bearer " + viewer, http.StatusForbidden},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(tc.method, "/ping", nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			w := httptest.NewRecorder()
			r.ServeHTTP(w, req)
			if w.Code != tc.want {
				t.Fatalf("expected %d, got %d body=%s", tc.want, w.Code, w.Body.String())
			}
		})
	}
}
