package security

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/pensieve-mcp/pensieve/internal/model"
	"github.com/stretchr/testify/require"
)

type fakeAuthenticator map[string]*model.User

func (f fakeAuthenticator) Authenticate(_ context.Context, token string) (*model.User, error) {
	if u, ok := f[token]; ok {
		return u, nil
	}
	return nil, errors.New("unknown token")
}

func newAuthRouter() *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	auth := fakeAuthenticator{"good": {ID: "u1", Email: "ada@example.com"}}
	r.GET("/me", AuthMiddleware(auth, nil), func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"id": GetUserID(c), "email": GetUser(c).Email})
	})
	return r
}

func TestAuthMiddleware(t *testing.T) {
	r := newAuthRouter()

	cases := map[string]int{
		"":              http.StatusUnauthorized,
		"Bearer":        http.StatusUnauthorized,
		"Basic abc":     http.StatusUnauthorized,
		"Bearer bad":    http.StatusUnauthorized,
		"Bearer good":   http.StatusOK,
		"bearer   good": http.StatusOK,
	}
	var unauthorizedBody string
	for header, want := range cases {
		req := httptest.NewRequest(http.MethodGet, "/me", nil)
		if header != "" {
			req.Header.Set("Authorization", header)
		}
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		require.Equal(t, want, w.Code, "header %q", header)
		if want == http.StatusUnauthorized {
			if unauthorizedBody == "" {
				unauthorizedBody = w.Body.String()
			}
			require.Equal(t, unauthorizedBody, w.Body.String(), "401 bodies must not differ")
		} else {
			require.Contains(t, w.Body.String(), "ada@example.com")
		}
	}
}

func TestParseMetricsLabels(t *testing.T) {
	t.Setenv("POD", "pensieve-0")
	labels, err := ParseMetricsLabels("service=pensieve,pod=${POD}")
	require.NoError(t, err)
	require.Equal(t, "pensieve-0", labels["pod"])

	_, err = ParseMetricsLabels("bad-key=x")
	require.Error(t, err)
}
