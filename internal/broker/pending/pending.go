// Package pending tracks one-shot callbacks keyed by request id: deploy
// requests and path validations awaiting an agent's result frame. The
// registries are bounded so callbacks leaked by a dying agent expire
// instead of accumulating.
package pending

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/botmaster/botmaster/internal/common/expiry"
	"github.com/botmaster/botmaster/internal/common/logger"
	"github.com/botmaster/botmaster/pkg/wire"
)

const (
	maxPending = 500
	pendingTTL = 10 * time.Minute
)

// DeployCallback consumes a deploy-result frame.
type DeployCallback func(ctx context.Context, result *wire.DeployResult)

// PathValidateCallback consumes a path-validate-result frame.
type PathValidateCallback func(ctx context.Context, result *wire.PathValidateResult)

// Registry holds the in-flight request callbacks.
type Registry struct {
	deploys   *expiry.Map[DeployCallback]
	validates *expiry.Map[PathValidateCallback]
	logger    *logger.Logger
}

// NewRegistry creates an empty callback registry.
func NewRegistry(log *logger.Logger) *Registry {
	if log == nil {
		log = logger.Default()
	}
	return &Registry{
		deploys:   expiry.New[DeployCallback](maxPending, pendingTTL),
		validates: expiry.New[PathValidateCallback](maxPending, pendingTTL),
		logger:    log.WithFields(zap.String("component", "pending_requests")),
	}
}

// Run sweeps expired callbacks until the context is cancelled.
func (r *Registry) Run(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.deploys.Sweep()
			r.validates.Sweep()
		}
	}
}

// RegisterDeploy arms a one-shot callback for the deploy request id.
func (r *Registry) RegisterDeploy(requestID string, cb DeployCallback) {
	r.deploys.Set(requestID, cb)
}

// ResolveDeploy fires and removes the callback for the request id. Unknown
// ids are logged at warn and dropped — the request may have expired or
// belonged to a previous broker run.
func (r *Registry) ResolveDeploy(ctx context.Context, result *wire.DeployResult) {
	cb, ok := r.deploys.Get(result.RequestID)
	if !ok {
		r.logger.Warn("Deploy result for unknown request",
			zap.String("request_id", result.RequestID))
		return
	}
	r.deploys.Delete(result.RequestID)
	cb(ctx, result)
}

// RegisterPathValidate arms a one-shot callback for the validation id.
func (r *Registry) RegisterPathValidate(requestID string, cb PathValidateCallback) {
	r.validates.Set(requestID, cb)
}

// ResolvePathValidate fires and removes the callback for the request id.
func (r *Registry) ResolvePathValidate(ctx context.Context, result *wire.PathValidateResult) {
	cb, ok := r.validates.Get(result.RequestID)
	if !ok {
		r.logger.Warn("Path validation result for unknown request",
			zap.String("request_id", result.RequestID))
		return
	}
	r.validates.Delete(result.RequestID)
	cb(ctx, result)
}
