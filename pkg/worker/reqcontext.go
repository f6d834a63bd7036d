package worker

import (
	"context"

	"github.com/joeydtaylor/steeze-tunnel/pkg/protocol"
)

type reqContextKey struct{}

// WithRequestContext attaches the HTTP request shape to ctx. ExecuteTask and
// EmitEvent copy it onto the outgoing envelope, so workers that authenticate
// their own requests see the same context on dispatch frames as on the auth
// frame.
func WithRequestContext(ctx context.Context, rc protocol.RequestContext) context.Context {
	return context.WithValue(ctx, reqContextKey{}, &rc)
}

func requestContextValue(ctx context.Context) *protocol.RequestContext {
	rc, _ := ctx.Value(reqContextKey{}).(*protocol.RequestContext)
	return rc
}
