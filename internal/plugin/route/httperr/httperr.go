// Package httperr maps service errors onto HTTP responses.
package httperr

import (
	"errors"
	"net/http"

	"github.com/charmbracelet/log"
	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	registrystore "github.com/pensieve-mcp/pensieve/internal/registry/store"
	"github.com/pensieve-mcp/pensieve/internal/security"
	"github.com/pensieve-mcp/pensieve/internal/service"
)

// Handle writes the response for err. Storage failures are logged and reported
// as a generic server error.
func Handle(c *gin.Context, err error) {
	var notFound *registrystore.NotFoundError
	var validation *registrystore.ValidationError
	var unavailable *registrystore.UnavailableError

	switch {
	case errors.As(err, &notFound):
		c.JSON(http.StatusNotFound, gin.H{"code": "not_found", "error": notFoundMessage(notFound)})
	case service.IsDuplicateIdentity(err):
		c.JSON(http.StatusBadRequest, gin.H{"code": "duplicate_identity", "error": err.Error()})
	case service.IsUnauthorized(err):
		if errors.Is(err, service.ErrInvalidCredentials) {
			c.JSON(http.StatusUnauthorized, gin.H{"code": "unauthorized", "error": "Incorrect email or password"})
			return
		}
		c.Header("WWW-Authenticate", "Bearer")
		c.JSON(http.StatusUnauthorized, gin.H{"code": "unauthorized", "error": security.UnauthorizedMessage})
	case errors.As(err, &validation):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"code": "validation_error", "error": validation.Message, "field": validation.Field})
	default:
		if errors.As(err, &unavailable) {
			log.Error("Storage unavailable", "op", unavailable.Op, "path", c.Request.URL.Path, "err", unavailable.Err)
		} else {
			log.Error("Request failed", "path", c.Request.URL.Path, "err", err)
		}
		c.JSON(http.StatusInternalServerError, gin.H{"code": "internal", "error": "internal server error"})
	}
}

// Binding reports a request body that gin could not bind as a 422, or a 413
// when the body exceeded the size limit.
func Binding(c *gin.Context, err error) {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"code": "too_large", "error": "request body too large"})
		return
	}
	field := "body"
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		field = verrs[0].Field()
	}
	c.JSON(http.StatusUnprocessableEntity, gin.H{"code": "validation_error", "error": err.Error(), "field": field})
}

func notFoundMessage(err *registrystore.NotFoundError) string {
	switch err.Resource {
	case "conversation":
		return "Conversation not found"
	case "user":
		return "User not found"
	}
	return err.Error()
}
