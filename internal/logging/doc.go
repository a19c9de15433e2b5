// Package logging provides structured logging with OpenTelemetry integration.
//
// Logger wraps Zap with:
//   - a Trace level (-2, below Debug)
//   - stdout and OpenTelemetry outputs
//   - correlation fields taken from the context (trace_id, request.id,
//     operation, experience.id)
//   - redaction of sensitive field names and credential-shaped values
//   - sampling below error level
//
// Create a logger from the "logging" config section:
//
//	cfg := logging.NewDefaultConfig()
//	if err := daemonCfg.Section("logging", cfg); err != nil {
//	    return err
//	}
//	logger, err := logging.NewLogger(cfg, otelProvider)
//	if err != nil {
//	    return err
//	}
//	defer logger.Sync()
//
// Log with context:
//
//	ctx = logging.WithRequestID(ctx, c.Response().Header().Get(echo.HeaderXRequestID))
//	ctx = logging.WithOperation(ctx, "query")
//	logger.Info(ctx, "query served", zap.Int("returned", n))
//
// Experience text can be arbitrarily long and may hold credentials. Log it
// with Logger.Excerpt, never as a plain string field.
//
// Packages below the daemon take a *zap.Logger; pass Logger.Underlying.
package logging
