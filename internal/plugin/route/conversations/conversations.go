package conversations

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/pensieve-mcp/pensieve/internal/model"
	"github.com/pensieve-mcp/pensieve/internal/plugin/route/httperr"
	registryroute "github.com/pensieve-mcp/pensieve/internal/registry/route"
	registrystore "github.com/pensieve-mcp/pensieve/internal/registry/store"
	"github.com/pensieve-mcp/pensieve/internal/security"
	"github.com/pensieve-mcp/pensieve/internal/service"
)

func init() {
	registryroute.Register(registryroute.Plugin{
		Order:  100,
		Loader: mountRoutes,
	})
}

func mountRoutes(r *gin.Engine, svc registryroute.Services) error {
	convs := svc.Conversations

	g := r.Group("/conversations", svc.RequireUser)
	g.POST("", func(c *gin.Context) { createConversation(c, convs) })
	g.GET("", func(c *gin.Context) { listConversations(c, convs) })
	g.GET("/search", func(c *gin.Context) { searchConversations(c, convs) })
	g.GET("/:id", func(c *gin.Context) { getConversation(c, convs) })
	g.PUT("/:id", func(c *gin.Context) { replaceMessages(c, convs) })
	g.POST("/:id/messages", func(c *gin.Context) { appendMessages(c, convs) })
	g.DELETE("/:id", func(c *gin.Context) { deleteConversation(c, convs) })

	// Dashboard API
	api := r.Group("/api/conversations", svc.RequireUser)
	api.GET("", func(c *gin.Context) { listFullConversations(c, convs) })
	api.GET("/:id", func(c *gin.Context) { getConversation(c, convs) })
	api.DELETE("/:id", func(c *gin.Context) { deleteConversation(c, convs) })
	return nil
}

type createRequest struct {
	Messages []model.Message `json:"messages" binding:"required"`
	Metadata map[string]any  `json:"metadata"`
}

type replaceRequest struct {
	Messages []model.Message `json:"messages" binding:"required"`
}

func createConversation(c *gin.Context, convs *service.Conversations) {
	var req createRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httperr.Binding(c, err)
		return
	}
	conv, err := convs.Create(c.Request.Context(), security.GetUserID(c), req.Messages, req.Metadata)
	if err != nil {
		httperr.Handle(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": conv.ID, "message": "Conversation created successfully"})
}

func listConversations(c *gin.Context, convs *service.Conversations) {
	limit, ok := queryInt(c, "limit", service.DefaultListLimit)
	if !ok {
		return
	}
	offset, ok := queryInt(c, "offset", 0)
	if !ok {
		return
	}
	summaries, err := convs.List(c.Request.Context(), security.GetUserID(c), limit, offset)
	if err != nil {
		httperr.Handle(c, err)
		return
	}
	c.JSON(http.StatusOK, summaries)
}

// listFullConversations serves the dashboard, which renders messages inline.
func listFullConversations(c *gin.Context, convs *service.Conversations) {
	limit, ok := queryInt(c, "limit", 20)
	if !ok {
		return
	}
	skip, ok := queryInt(c, "skip", 0)
	if !ok {
		return
	}
	ctx := c.Request.Context()
	owner := security.GetUserID(c)
	summaries, err := convs.List(ctx, owner, limit, skip)
	if err != nil {
		httperr.Handle(c, err)
		return
	}
	out := make([]*model.Conversation, 0, len(summaries))
	for _, s := range summaries {
		conv, err := convs.Get(ctx, owner, s.ID)
		if err != nil {
			// Deleted between the list and the read.
			var nf *registrystore.NotFoundError
			if errors.As(err, &nf) {
				continue
			}
			httperr.Handle(c, err)
			return
		}
		out = append(out, conv)
	}
	c.JSON(http.StatusOK, out)
}

func searchConversations(c *gin.Context, convs *service.Conversations) {
	query, present := c.GetQuery("query")
	if !present {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"code": "validation_error", "error": "query is required", "field": "query"})
		return
	}
	limit, ok := queryInt(c, "limit", service.DefaultSearchLimit)
	if !ok {
		return
	}
	matches, err := convs.Search(c.Request.Context(), security.GetUserID(c), query, limit)
	if err != nil {
		httperr.Handle(c, err)
		return
	}
	c.JSON(http.StatusOK, matches)
}

func getConversation(c *gin.Context, convs *service.Conversations) {
	conv, err := convs.Get(c.Request.Context(), security.GetUserID(c), c.Param("id"))
	if err != nil {
		httperr.Handle(c, err)
		return
	}
	c.JSON(http.StatusOK, conv)
}

func replaceMessages(c *gin.Context, convs *service.Conversations) {
	var req replaceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httperr.Binding(c, err)
		return
	}
	if err := convs.Replace(c.Request.Context(), security.GetUserID(c), c.Param("id"), req.Messages); err != nil {
		httperr.Handle(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Conversation updated successfully"})
}

func appendMessages(c *gin.Context, convs *service.Conversations) {
	var messages []model.Message
	if err := c.ShouldBindJSON(&messages); err != nil {
		httperr.Binding(c, err)
		return
	}
	n, err := convs.Append(c.Request.Context(), security.GetUserID(c), c.Param("id"), messages)
	if err != nil {
		httperr.Handle(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": fmt.Sprintf("Added %d messages to conversation", n)})
}

func deleteConversation(c *gin.Context, convs *service.Conversations) {
	if err := convs.Delete(c.Request.Context(), security.GetUserID(c), c.Param("id")); err != nil {
		httperr.Handle(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Conversation deleted successfully"})
}

// queryInt parses an integer query parameter. A malformed value is answered
// with a 422 and ok=false.
func queryInt(c *gin.Context, key string, def int) (int, bool) {
	v := c.Query(key)
	if v == "" {
		return def, true
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"code": "validation_error", "error": "must be an integer", "field": key})
		return 0, false
	}
	return i, true
}
