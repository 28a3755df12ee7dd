// Package client talks to a running pensieve HTTP server. A Session carries a
// bearer token and implements service.API, so the tool surface can run against
// a remote server exactly as it runs against a local store.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/hashicorp/go-cleanhttp"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/pensieve-mcp/pensieve/internal/model"
	registrystore "github.com/pensieve-mcp/pensieve/internal/registry/store"
	"github.com/pensieve-mcp/pensieve/internal/service"
)

// Client is safe for concurrent use by many sessions.
type Client struct {
	baseURL string
	// reads retries transient failures. Writes go out once so an append is never duplicated.
	reads  *retryablehttp.Client
	writes *http.Client
}

// New creates a Client for the server at baseURL.
func New(baseURL string, timeout time.Duration) (*Client, error) {
	u, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid api url %q", baseURL)
	}

	reads := retryablehttp.NewClient()
	reads.RetryMax = 2
	reads.RetryWaitMin = 100 * time.Millisecond
	reads.RetryWaitMax = time.Second
	reads.Logger = nil
	reads.HTTPClient.Timeout = timeout
	reads.ErrorHandler = retryablehttp.PassthroughErrorHandler

	writes := cleanhttp.DefaultPooledClient()
	writes.Timeout = timeout

	return &Client{
		baseURL: strings.TrimRight(u.String(), "/"),
		reads:   reads,
		writes:  writes,
	}, nil
}

// StatusError is a non-2xx answer that does not map onto a store error.
type StatusError struct {
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("server returned %d: %s", e.Status, e.Body)
}

type errorBody struct {
	Code  string `json:"code"`
	Error string `json:"error"`
	Field string `json:"field"`
	// Detail is what FastAPI-era servers send.
	Detail any `json:"detail"`
}

func (b errorBody) message() string {
	if b.Error != "" {
		return b.Error
	}
	if s, ok := b.Detail.(string); ok {
		return s
	}
	return ""
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
}

// Register creates an account and returns its access token.
func (c *Client) Register(ctx context.Context, email, password string) (string, error) {
	return c.credentials(ctx, "/auth/register", email, password)
}

// Login returns an access token for existing credentials.
func (c *Client) Login(ctx context.Context, email, password string) (string, error) {
	return c.credentials(ctx, "/auth/login", email, password)
}

func (c *Client) credentials(ctx context.Context, path, email, password string) (string, error) {
	var out tokenResponse
	body := map[string]string{"email": email, "password": password}
	if err := c.do(ctx, "", http.MethodPost, path, nil, body, &out); err != nil {
		return "", err
	}
	if out.AccessToken == "" {
		return "", fmt.Errorf("%s: response carried no access token", path)
	}
	return out.AccessToken, nil
}

// Session binds the client to a bearer token.
func (c *Client) Session(token string) *Session {
	return &Session{client: c, token: token}
}

func (c *Client) do(ctx context.Context, token, method, path string, query url.Values, in, out any) error {
	target := c.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}
	var payload []byte
	if in != nil {
		var err error
		if payload, err = json.Marshal(in); err != nil {
			return err
		}
	}

	var resp *http.Response
	var err error
	if method == http.MethodGet {
		var req *retryablehttp.Request
		req, err = retryablehttp.NewRequestWithContext(ctx, method, target, nil)
		if err != nil {
			return err
		}
		setHeaders(req.Header, token, false)
		resp, err = c.reads.Do(req)
	} else {
		var req *http.Request
		req, err = http.NewRequestWithContext(ctx, method, target, bytes.NewReader(payload))
		if err != nil {
			return err
		}
		setHeaders(req.Header, token, payload != nil)
		resp, err = c.writes.Do(req)
	}
	if err != nil {
		return &registrystore.UnavailableError{Op: method + " " + path, Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
	if err != nil {
		return &registrystore.UnavailableError{Op: method + " " + path, Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		log.Debug("API request failed", "method", method, "path", path, "status", resp.StatusCode)
		return decodeError(resp.StatusCode, path, data)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}

func setHeaders(h http.Header, token string, hasBody bool) {
	h.Set("Accept", "application/json")
	if hasBody {
		h.Set("Content-Type", "application/json")
	}
	if token != "" {
		h.Set("Authorization", "Bearer "+token)
	}
}

// decodeError maps server answers back onto the errors the local service returns.
func decodeError(status int, path string, data []byte) error {
	var body errorBody
	_ = json.Unmarshal(data, &body)
	msg := body.message()
	if msg == "" {
		msg = strings.TrimSpace(string(data))
	}
	switch status {
	case http.StatusNotFound:
		return &registrystore.NotFoundError{Resource: "conversation", ID: lastSegment(path)}
	case http.StatusUnauthorized:
		if msg == "Incorrect email or password" {
			return service.ErrInvalidCredentials
		}
		return service.ErrInvalidToken
	case http.StatusBadRequest:
		if body.Code == "duplicate_identity" || msg == "Email already registered" {
			return &service.DuplicateIdentityError{ConflictError: registrystore.ConflictError{Message: msg}}
		}
	case http.StatusUnprocessableEntity:
		return &registrystore.ValidationError{Field: body.Field, Message: msg}
	}
	return &StatusError{Status: status, Body: msg}
}

func lastSegment(path string) string {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	for i := len(parts) - 1; i >= 0; i-- {
		if parts[i] != "messages" && parts[i] != "" {
			return parts[i]
		}
	}
	return ""
}

// Session is the service.API of one authenticated user on a remote server.
type Session struct {
	client *Client
	token  string
}

var _ service.API = (*Session)(nil)

type createResponse struct {
	ID string `json:"id"`
}

// Save creates a conversation. The HTTP API assigns ids itself, so a
// client-chosen id is rejected.
func (s *Session) Save(ctx context.Context, id string, messages []model.Message, metadata map[string]any) (*model.Conversation, error) {
	if id != "" {
		return nil, &registrystore.ValidationError{Field: "conversation_id", Message: "cannot be chosen when talking to a remote server"}
	}
	if messages == nil {
		messages = []model.Message{}
	}
	if metadata == nil {
		metadata = map[string]any{}
	}
	var created createResponse
	body := map[string]any{"messages": messages, "metadata": metadata}
	if err := s.client.do(ctx, s.token, http.MethodPost, "/conversations", nil, body, &created); err != nil {
		return nil, err
	}
	return s.Load(ctx, created.ID)
}

func (s *Session) Load(ctx context.Context, id string) (*model.Conversation, error) {
	var conv model.Conversation
	if err := s.client.do(ctx, s.token, http.MethodGet, "/conversations/"+url.PathEscape(id), nil, nil, &conv); err != nil {
		return nil, err
	}
	return &conv, nil
}

func (s *Session) List(ctx context.Context, limit, offset int) ([]model.ConversationSummary, error) {
	q := url.Values{}
	if limit != 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if offset != 0 {
		q.Set("offset", strconv.Itoa(offset))
	}
	var out []model.ConversationSummary
	if err := s.client.do(ctx, s.token, http.MethodGet, "/conversations", q, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Session) Search(ctx context.Context, query string, limit int) ([]model.SearchMatch, error) {
	q := url.Values{"query": []string{query}}
	if limit != 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var out []model.SearchMatch
	if err := s.client.do(ctx, s.token, http.MethodGet, "/conversations/search", q, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Session) Append(ctx context.Context, id string, messages []model.Message) (int, error) {
	if messages == nil {
		messages = []model.Message{}
	}
	path := "/conversations/" + url.PathEscape(id) + "/messages"
	if err := s.client.do(ctx, s.token, http.MethodPost, path, nil, messages, nil); err != nil {
		return 0, err
	}
	return len(messages), nil
}

func (s *Session) Replace(ctx context.Context, id string, messages []model.Message) error {
	if messages == nil {
		messages = []model.Message{}
	}
	body := map[string]any{"messages": messages}
	return s.client.do(ctx, s.token, http.MethodPut, "/conversations/"+url.PathEscape(id), nil, body, nil)
}

func (s *Session) Delete(ctx context.Context, id string) error {
	return s.client.do(ctx, s.token, http.MethodDelete, "/conversations/"+url.PathEscape(id), nil, nil, nil)
}
