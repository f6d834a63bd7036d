// Package auth gates dispatch routes. Four modes: none, token (static header
// compare), jwt (HS256 bearer assertion), delegate (the worker vets the
// request over the channel).
package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/joeydtaylor/steeze-tunnel/pkg/manifest"
	"github.com/joeydtaylor/steeze-tunnel/pkg/protocol"
	"github.com/joeydtaylor/steeze-tunnel/pkg/worker"
)

// ErrDenied marks an authentication refusal; the dispatch layer maps it to
// 401. Anything else coming out of Authenticate is an infrastructure failure.
var ErrDenied = errors.New("invalid or missing token")

// Delegate is the worker-side authenticator. *worker.Channel implements it.
type Delegate interface {
	Authenticate(ctx context.Context, rc protocol.RequestContext) error
}

type Middleware struct {
	mode     manifest.AuthMode
	header   string
	token    []byte
	issuer   string
	audience string
	leeway   time.Duration
	delegate Delegate
	log      *zap.Logger
}

func New(cfg manifest.Auth, delegate Delegate, log *zap.Logger) (*Middleware, error) {
	if cfg.Mode == manifest.AuthDelegate && delegate == nil {
		return nil, errors.New("auth mode delegate requires a worker channel")
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Middleware{
		mode:     cfg.Mode,
		header:   cfg.Header,
		token:    []byte(cfg.Token),
		issuer:   cfg.Issuer,
		audience: cfg.Audience,
		leeway:   time.Duration(cfg.LeewayMS) * time.Millisecond,
		delegate: delegate,
		log:      log,
	}, nil
}

// Authenticate vets one request. ErrDenied means refuse with 401; any other
// error is a channel-level failure and keeps its own taxonomy mapping.
func (m *Middleware) Authenticate(r *http.Request) error {
	switch m.mode {
	case manifest.AuthNone:
		return nil
	case manifest.AuthToken:
		return m.checkToken(r)
	case manifest.AuthJWT:
		return m.checkAssertion(r)
	case manifest.AuthDelegate:
		return m.checkDelegated(r)
	default:
		return ErrDenied
	}
}

func (m *Middleware) checkToken(r *http.Request) error {
	got := strings.TrimSpace(r.Header.Get(m.header))
	if got == "" {
		return ErrDenied
	}
	if subtle.ConstantTimeCompare([]byte(got), m.token) != 1 {
		return ErrDenied
	}
	return nil
}

func (m *Middleware) checkDelegated(r *http.Request) error {
	err := m.delegate.Authenticate(r.Context(), RequestContextFrom(r))
	if err == nil {
		return nil
	}
	var re *worker.RemoteError
	if errors.As(err, &re) {
		// Negative worker verdict, not a transport failure.
		m.log.Info("worker rejected credentials", zap.String("path", r.URL.Path), zap.String("reason", re.Detail.Message))
		return ErrDenied
	}
	return err
}

// RequestContextFrom flattens the request shape the worker needs to make an
// auth decision. Header names are lowercased; multi-valued headers and query
// params keep their first value.
func RequestContextFrom(r *http.Request) protocol.RequestContext {
	headers := make(map[string]string, len(r.Header))
	for k, vs := range r.Header {
		if len(vs) > 0 {
			headers[strings.ToLower(k)] = vs[0]
		}
	}
	query := map[string]string{}
	for k, vs := range r.URL.Query() {
		if len(vs) > 0 {
			query[k] = vs[0]
		}
	}
	return protocol.RequestContext{
		Method:  r.Method,
		Path:    r.URL.Path,
		Headers: headers,
		Query:   query,
	}
}
