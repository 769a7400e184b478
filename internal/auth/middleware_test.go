package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newRouter(secret string) *gin.Engine {
	r := gin.New()
	r.GET("/ops", RequireSecret(secret), func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"operator": IsOperator(c)})
	})
	return r
}

func TestRequireSecret(t *testing.T) {
	tests := []struct {
		name   string
		secret string
		header map[string]string
		status int
	}{
		{"disabled without secret", "", map[string]string{"Authorization": "Bearer anything"}, http.StatusNotFound},
		{"missing header", "s3cret", nil, http.StatusUnauthorized},
		{"wrong secret", "s3cret", map[string]string{"Authorization": "Bearer nope"}, http.StatusUnauthorized},
		{"not a bearer token", "s3cret", map[string]string{"Authorization": "s3cret"}, http.StatusUnauthorized},
		{"bearer", "s3cret", map[string]string{"Authorization": "Bearer s3cret"}, http.StatusOK},
		{"lowercase scheme", "s3cret", map[string]string{"Authorization": "bearer s3cret"}, http.StatusOK},
		{"admin header", "s3cret", map[string]string{"X-Admin-Secret": "s3cret"}, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/ops", nil)
			for k, v := range tt.header {
				req.Header.Set(k, v)
			}
			w := httptest.NewRecorder()
			newRouter(tt.secret).ServeHTTP(w, req)

			assert.Equal(t, tt.status, w.Code)
			if tt.status == http.StatusOK {
				assert.JSONEq(t, `{"operator":true}`, w.Body.String())
			} else {
				assert.Contains(t, w.Body.String(), `"error"`)
			}
		})
	}
}

func TestIsOperator_FalseWithoutMiddleware(t *testing.T) {
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	assert.False(t, IsOperator(c))
}
