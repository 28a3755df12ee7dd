// Package tools exposes the conversation API as MCP tools.
package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/pensieve-mcp/pensieve/internal/model"
	registrystore "github.com/pensieve-mcp/pensieve/internal/registry/store"
	"github.com/pensieve-mcp/pensieve/internal/service"
)

// GuidanceMessage answers data tools called by a proxy session without a token.
const GuidanceMessage = "Log in or set an API token first. Use the login or set_api_token tool."

// Options configure NewServer.
type Options struct {
	Name    string
	Version string
}

// NewServer builds the MCP server. Proxy backends also get the login, register
// and set_api_token tools.
func NewServer(backend Backend, opts Options) *server.MCPServer {
	if opts.Name == "" {
		opts.Name = "pensieve-mcp"
	}
	if opts.Version == "" {
		opts.Version = "1.0.0"
	}
	serverOpts := []server.ServerOption{server.WithToolCapabilities(false)}
	if p, ok := backend.(*Proxy); ok {
		hooks := &server.Hooks{}
		hooks.AddOnUnregisterSession(func(_ context.Context, session server.ClientSession) {
			p.Sessions.Forget(session.SessionID())
		})
		serverOpts = append(serverOpts, server.WithHooks(hooks))
	}
	s := server.NewMCPServer(opts.Name, opts.Version, serverOpts...)
	s.AddTools(newToolset(backend).serverTools()...)
	return s
}

type toolset struct {
	backend Backend
	proxy   *Proxy
}

func newToolset(backend Backend) *toolset {
	t := &toolset{backend: backend}
	t.proxy, _ = backend.(*Proxy)
	return t
}

func messagesSchema() map[string]any {
	roles := make([]string, len(model.Roles))
	for i, r := range model.Roles {
		roles[i] = string(r)
	}
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"role":    map[string]any{"type": "string", "enum": roles},
			"content": map[string]any{"type": "string"},
		},
		"required": []string{"role", "content"},
	}
}

func (t *toolset) serverTools() []server.ServerTool {
	saveOpts := []mcp.ToolOption{
		mcp.WithDescription("Save a conversation"),
		mcp.WithArray("messages", mcp.Required(), mcp.Description("Messages to save"), mcp.Items(messagesSchema())),
		mcp.WithObject("metadata", mcp.Description("Extra metadata such as a title or tags")),
	}
	if t.proxy == nil {
		saveOpts = append(saveOpts, mcp.WithString("conversation_id",
			mcp.Description("Id to save under. An existing conversation with this id is overwritten. A new id is generated when omitted.")))
	}

	out := []server.ServerTool{
		{Tool: mcp.NewTool("save_conversation", saveOpts...), Handler: t.data(t.save)},
		{
			Tool: mcp.NewTool("load_conversation",
				mcp.WithDescription("Load a saved conversation"),
				mcp.WithString("conversation_id", mcp.Required(), mcp.Description("Conversation id")),
			),
			Handler: t.data(t.load),
		},
		{
			Tool: mcp.NewTool("list_conversations",
				mcp.WithDescription("List saved conversations, newest first"),
				mcp.WithNumber("limit", mcp.DefaultNumber(service.DefaultListLimit), mcp.Description("Number of conversations (default 50)")),
				mcp.WithNumber("offset", mcp.DefaultNumber(0), mcp.Description("Start position (default 0)")),
			),
			Handler: t.data(t.list),
		},
		{
			Tool: mcp.NewTool("search_conversations",
				mcp.WithDescription("Search conversation contents and metadata"),
				mcp.WithString("query", mcp.Required(), mcp.Description("Text to search for")),
				mcp.WithNumber("limit", mcp.DefaultNumber(service.DefaultSearchLimit), mcp.Description("Maximum results (default 20)")),
			),
			Handler: t.data(t.search),
		},
		{
			Tool: mcp.NewTool("append_to_conversation",
				mcp.WithDescription("Append messages to an existing conversation"),
				mcp.WithString("conversation_id", mcp.Required(), mcp.Description("Conversation id")),
				mcp.WithArray("messages", mcp.Required(), mcp.Description("Messages to append"), mcp.Items(messagesSchema())),
			),
			Handler: t.data(t.appendMessages),
		},
	}
	if t.proxy == nil {
		return out
	}
	return append(out,
		server.ServerTool{
			Tool: mcp.NewTool("set_api_token",
				mcp.WithDescription("Set the API token received after logging in"),
				mcp.WithString("token", mcp.Required(), mcp.Description("API access token")),
			),
			Handler: guard(t.setToken),
		},
		server.ServerTool{
			Tool: mcp.NewTool("login",
				mcp.WithDescription("Log in with email and password"),
				mcp.WithString("email", mcp.Required(), mcp.Description("Email address")),
				mcp.WithString("password", mcp.Required(), mcp.Description("Password")),
			),
			Handler: guard(t.login),
		},
		server.ServerTool{
			Tool: mcp.NewTool("register",
				mcp.WithDescription("Create a new account"),
				mcp.WithString("email", mcp.Required(), mcp.Description("Email address")),
				mcp.WithString("password", mcp.Required(), mcp.Description("Password")),
			),
			Handler: guard(t.register),
		},
	)
}

type dataHandler func(ctx context.Context, api service.API, req mcp.CallToolRequest) (string, error)

// data resolves the caller's API and turns every failure into a text result.
func (t *toolset) data(h dataHandler) server.ToolHandlerFunc {
	return guard(func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		api, err := t.backend.Resolve(ctx)
		if errors.Is(err, ErrNoToken) {
			return mcp.NewToolResultError(GuidanceMessage), nil
		}
		if err != nil {
			return errorResult(err), nil
		}
		text, err := h(ctx, api, req)
		if err != nil {
			return errorResult(err), nil
		}
		return mcp.NewToolResultText(text), nil
	})
}

// guard converts a panic in h into an error result.
func guard(h server.ToolHandlerFunc) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (res *mcp.CallToolResult, err error) {
		defer func() {
			if r := recover(); r != nil {
				log.Error("Tool panicked", "tool", req.Params.Name, "panic", r, "stack", string(debug.Stack()))
				res, err = mcp.NewToolResultError(fmt.Sprintf("Error: %v", r)), nil
			}
		}()
		return h(ctx, req)
	}
}

func errorResult(err error) *mcp.CallToolResult {
	var nf *registrystore.NotFoundError
	var verr *registrystore.ValidationError
	switch {
	case errors.As(err, &nf):
		return mcp.NewToolResultError("Conversation not found: " + nf.ID)
	case errors.As(err, &verr):
		return mcp.NewToolResultError(fmt.Sprintf("Invalid %s: %s", verr.Field, verr.Message))
	case service.IsUnauthorized(err):
		return mcp.NewToolResultError("Not authorized: " + err.Error() + ". " + GuidanceMessage)
	}
	log.Warn("Tool call failed", "err", err)
	return mcp.NewToolResultError("Error: " + err.Error())
}

func (t *toolset) save(ctx context.Context, api service.API, req mcp.CallToolRequest) (string, error) {
	messages, err := messagesArg(req, "messages")
	if err != nil {
		return "", err
	}
	metadata, err := metadataArg(req)
	if err != nil {
		return "", err
	}
	conv, err := api.Save(ctx, strings.TrimSpace(req.GetString("conversation_id", "")), messages, metadata)
	if err != nil {
		return "", err
	}
	return "Conversation saved. ID: " + conv.ID, nil
}

func (t *toolset) load(ctx context.Context, api service.API, req mcp.CallToolRequest) (string, error) {
	id, err := requiredString(req, "conversation_id")
	if err != nil {
		return "", err
	}
	conv, err := api.Load(ctx, id)
	if err != nil {
		return "", err
	}
	return toJSON(conv)
}

func (t *toolset) list(ctx context.Context, api service.API, req mcp.CallToolRequest) (string, error) {
	summaries, err := api.List(ctx, req.GetInt("limit", service.DefaultListLimit), req.GetInt("offset", 0))
	if err != nil {
		return "", err
	}
	if summaries == nil {
		summaries = []model.ConversationSummary{}
	}
	return toJSON(summaries)
}

func (t *toolset) search(ctx context.Context, api service.API, req mcp.CallToolRequest) (string, error) {
	query, err := requiredString(req, "query")
	if err != nil {
		return "", err
	}
	matches, err := api.Search(ctx, query, req.GetInt("limit", service.DefaultSearchLimit))
	if err != nil {
		return "", err
	}
	if matches == nil {
		matches = []model.SearchMatch{}
	}
	return toJSON(matches)
}

func (t *toolset) appendMessages(ctx context.Context, api service.API, req mcp.CallToolRequest) (string, error) {
	id, err := requiredString(req, "conversation_id")
	if err != nil {
		return "", err
	}
	messages, err := messagesArg(req, "messages")
	if err != nil {
		return "", err
	}
	n, err := api.Append(ctx, id, messages)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("Added %d messages to conversation %s", n, id), nil
}

func (t *toolset) setToken(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	token, err := requiredString(req, "token")
	if err != nil {
		return errorResult(err), nil
	}
	t.proxy.Sessions.Set(sessionID(ctx), token)
	return mcp.NewToolResultText("API token set. You can now save and load conversations."), nil
}

func (t *toolset) login(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return t.authenticate(ctx, req, "Login", t.proxy.Client.Login)
}

func (t *toolset) register(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return t.authenticate(ctx, req, "Registration", t.proxy.Client.Register)
}

func (t *toolset) authenticate(ctx context.Context, req mcp.CallToolRequest, what string, call func(ctx context.Context, email, password string) (string, error)) (*mcp.CallToolResult, error) {
	email, err := requiredString(req, "email")
	if err != nil {
		return errorResult(err), nil
	}
	password, err := requiredString(req, "password")
	if err != nil {
		return errorResult(err), nil
	}
	token, err := call(ctx, email, password)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("%s failed: %v", what, err)), nil
	}
	t.proxy.Sessions.Set(sessionID(ctx), token)
	return mcp.NewToolResultText(what + " successful. The token was stored for this session."), nil
}

func requiredString(req mcp.CallToolRequest, key string) (string, error) {
	v := strings.TrimSpace(req.GetString(key, ""))
	if v == "" {
		return "", &registrystore.ValidationError{Field: key, Message: "is required"}
	}
	return v, nil
}

func messagesArg(req mcp.CallToolRequest, key string) ([]model.Message, error) {
	raw, ok := req.GetArguments()[key]
	if !ok || raw == nil {
		return nil, &registrystore.ValidationError{Field: key, Message: "is required"}
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return nil, &registrystore.ValidationError{Field: key, Message: err.Error()}
	}
	var messages []model.Message
	if err := json.Unmarshal(data, &messages); err != nil {
		return nil, &registrystore.ValidationError{Field: key, Message: "must be a list of {role, content} objects"}
	}
	return messages, nil
}

func metadataArg(req mcp.CallToolRequest) (map[string]any, error) {
	raw, ok := req.GetArguments()["metadata"]
	if !ok || raw == nil {
		return nil, nil
	}
	meta, ok := raw.(map[string]any)
	if !ok {
		return nil, &registrystore.ValidationError{Field: "metadata", Message: "must be an object"}
	}
	return meta, nil
}

func toJSON(v any) (string, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return "", err
	}
	return strings.TrimRight(buf.String(), "\n"), nil
}
