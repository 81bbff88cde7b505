package treasury

import "go.uber.org/zap"

// newLogger builds the structured logger threaded through every service.
// Development environments get a human-readable console encoder;
// anything else gets JSON.
func newLogger(environment string) (*zap.Logger, error) {
	if environment == "development" {
		cfg := zap.NewDevelopmentConfig()
		return cfg.Build()
	}
	cfg := zap.NewProductionConfig()
	return cfg.Build()
}

// logDenied records a denied mutation to both the structured logger and
// the activity log.
func (e *Engine) logDenied(principal *Principal, action, targetKind, targetID string, cause *Error) {
	principalID := ""
	if principal != nil {
		principalID = principal.ID
	}
	e.log.Warn("mutation denied",
	zap.String("action", action),
	zap.String("principal_id", principalID),
	zap.String("target_kind", targetKind),
	zap.String("target_id", targetID),
	zap.String("kind", string(cause.Kind)),
	zap.String("reason", cause.Message),
	)
	_ = e.audit.record(principalID, action+".denied", targetKind, targetID, map[string]any{
		"kind": string(cause.Kind),
		"reason": cause.Message,
	})
}

// logAccepted records a successful mutation.
func (e *Engine) logAccepted(principal *Principal, action, targetKind, targetID string, details map[string]any) {
	principalID := ""
	if principal != nil {
		principalID = principal.ID
	}
	e.log.Info("mutation accepted",
	zap.String("action", action),
	zap.String("principal_id", principalID),
	zap.String("target_kind", targetKind),
	zap.String("target_id", targetID),
	)
	_ = e.audit.record(principalID, action, targetKind, targetID, details)
}
