package app

import (
	"context"

	"github.com/alem-hub/progress-engine/config"
	"github.com/alem-hub/progress-engine/pkg/logger"
	"github.com/alem-hub/progress-engine/pkg/tracing"
)

// NewLogger builds the process logger from the observability settings.
func NewLogger(cfg *config.Config, component string) (*logger.Logger, error) {
	log, err := logger.New(logger.Config{
		Level:     logger.ParseLevel(cfg.Observability.LogLevel),
		Format:    cfg.Observability.LogFormat,
		AddCaller: !cfg.IsProduction(),
	})
	if err != nil {
		return nil, err
	}
	return log.With(
		logger.String("service", cfg.App.Name),
		logger.String("env", string(cfg.App.Environment)),
		logger.Component(component),
	), nil
}

// InitTracing installs the tracer provider and returns its shutdown.
func InitTracing(ctx context.Context, cfg *config.Config, log *logger.Logger) (func(context.Context) error, error) {
	o := cfg.Observability
	return tracing.Init(ctx, tracing.Config{
		Enabled:     o.TracingEnabled,
		ServiceName: cfg.App.Name,
		Environment: string(cfg.App.Environment),
		Version:     cfg.App.Version,
		Exporter:    o.TracingExporter,
		Endpoint:    o.TracingEndpoint,
		SampleRatio: o.TracingSampleRatio,
	}, log)
}
