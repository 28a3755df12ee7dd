// Package auth mounts account registration, login and the current-user endpoint.
package auth

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/pensieve-mcp/pensieve/internal/plugin/route/httperr"
	registryroute "github.com/pensieve-mcp/pensieve/internal/registry/route"
	"github.com/pensieve-mcp/pensieve/internal/security"
	"github.com/pensieve-mcp/pensieve/internal/service"
)

func init() {
	registryroute.Register(registryroute.Plugin{
		Order:  10,
		Loader: mountRoutes,
	})
}

type credentials struct {
	Email    string `json:"email" binding:"required"`
	Password string `json:"password" binding:"required"`
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
}

func mountRoutes(r *gin.Engine, svc registryroute.Services) error {
	register := func(c *gin.Context) { handleRegister(c, svc.Auth) }
	login := func(c *gin.Context) { handleLogin(c, svc.Auth) }

	r.POST("/auth/register", register)
	r.POST("/auth/login", login)

	api := r.Group("/api")
	api.POST("/register", register)
	api.POST("/login", login)
	api.GET("/me", svc.RequireUser, me)
	return nil
}

func handleRegister(c *gin.Context, auth *service.Auth) {
	var req credentials
	if err := c.ShouldBindJSON(&req); err != nil {
		httperr.Binding(c, err)
		return
	}
	token, err := auth.Register(c.Request.Context(), req.Email, req.Password)
	if err != nil {
		httperr.Handle(c, err)
		return
	}
	c.JSON(http.StatusOK, tokenResponse{AccessToken: token, TokenType: "bearer"})
}

func handleLogin(c *gin.Context, auth *service.Auth) {
	var req credentials
	if err := c.ShouldBindJSON(&req); err != nil {
		httperr.Binding(c, err)
		return
	}
	token, err := auth.Login(c.Request.Context(), req.Email, req.Password)
	if err != nil {
		httperr.Handle(c, err)
		return
	}
	c.JSON(http.StatusOK, tokenResponse{AccessToken: token, TokenType: "bearer"})
}

func me(c *gin.Context) {
	user := security.GetUser(c)
	c.JSON(http.StatusOK, gin.H{
		"id":         user.ID,
		"email":      user.Email,
		"created_at": user.CreatedAt,
	})
}
