// bundlefx/bundlefx.go
package bundlefx

import (
	"go.uber.org/fx"

	"github.com/joeydtaylor/steeze-tunnel/pkg/middleware/auth"
	"github.com/joeydtaylor/steeze-tunnel/pkg/middleware/logger"
	"github.com/joeydtaylor/steeze-tunnel/pkg/middleware/metrics"
)

// Module provided to fx
var Module = fx.Options(
	auth.Module,
	logger.Module,
	metrics.Module,
)
