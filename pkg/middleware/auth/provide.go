package auth

import (
	"go.uber.org/zap"

	"github.com/joeydtaylor/steeze-tunnel/pkg/manifest"
	"github.com/joeydtaylor/steeze-tunnel/pkg/worker"
)

// ProvideAuthentication wires the middleware from the manifest. The channel
// may be nil when no worker is configured; delegate mode rejects that at
// construction.
func ProvideAuthentication(cfg manifest.Config, ch *worker.Channel, log *zap.Logger) (*Middleware, error) {
	var d Delegate
	if ch != nil {
		d = ch
	}
	return New(cfg.Auth, d, log)
}
