package tools

import (
	"context"
	"sync"

	"github.com/mark3labs/mcp-go/server"
)

// Sessions holds the bearer token each MCP client session logged in with.
type Sessions struct {
	mu     sync.RWMutex
	tokens map[string]string
}

func NewSessions() *Sessions {
	return &Sessions{tokens: map[string]string{}}
}

func (s *Sessions) Get(id string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tokens[id]
}

func (s *Sessions) Set(id, token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens[id] = token
}

func (s *Sessions) Forget(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tokens, id)
}

func (s *Sessions) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.tokens)
}

// sessionID names the MCP client session that issued the current call. Calls
// made outside a session share the empty id.
func sessionID(ctx context.Context) string {
	if cs := server.ClientSessionFromContext(ctx); cs != nil {
		return cs.SessionID()
	}
	return ""
}
