package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateToken(t *testing.T) {
	a, err := GenerateToken()
	require.NoError(t, err)
	b, err := GenerateToken()
	require.NoError(t, err)
	assert.Len(t, a, 64)
	assert.NotEqual(t, a, b)
}

func TestValidateToken(t *testing.T) {
	assert.True(t, ValidateToken("secret", "secret"))
	assert.False(t, ValidateToken("secret", "Secret"))
	assert.False(t, ValidateToken("secret", ""))
	assert.False(t, ValidateToken("", ""))
}

func TestMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/private", Middleware("secret"), func(c *gin.Context) { c.Status(http.StatusNoContent) })
	r.GET("/open", Middleware(""), func(c *gin.Context) { c.Status(http.StatusNoContent) })

	cases := []struct {
		name   string
		path   string
		header string
		want   int
	}{
		{"no token", "/private", "", http.StatusUnauthorized},
		{"bearer", "/private", "Bearer secret", http.StatusNoContent},
		{"wrong bearer", "/private", "Bearer nope", http.StatusUnauthorized},
		{"basic scheme", "/private", "Basic secret", http.StatusUnauthorized},
		{"query", "/private?token=secret", "", http.StatusNoContent},
		{"disabled", "/open", "", http.StatusNoContent},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tc.path, nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			rec := httptest.NewRecorder()
			r.ServeHTTP(rec, req)
			assert.Equal(t, tc.want, rec.Code)
		})
	}
}
