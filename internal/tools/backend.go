package tools

import (
	"context"
	"errors"

	"github.com/pensieve-mcp/pensieve/internal/client"
	"github.com/pensieve-mcp/pensieve/internal/service"
)

// ErrNoToken is returned by a proxy backend for a session that has not authenticated.
var ErrNoToken = errors.New("no api token for this session")

// Backend resolves the conversation API a tool call runs against.
type Backend interface {
	Resolve(ctx context.Context) (service.API, error)
}

// Local serves every call from one owner's view of a local store.
type Local struct {
	API service.API
}

func (l *Local) Resolve(context.Context) (service.API, error) {
	return l.API, nil
}

// Proxy forwards calls to a remote server with the calling session's token.
type Proxy struct {
	Client   *client.Client
	Sessions *Sessions
	// DefaultToken is used by sessions that have not set their own.
	DefaultToken string
}

func (p *Proxy) Resolve(ctx context.Context) (service.API, error) {
	token := p.Sessions.Get(sessionID(ctx))
	if token == "" {
		token = p.DefaultToken
	}
	if token == "" {
		return nil, ErrNoToken
	}
	return p.Client.Session(token), nil
}
