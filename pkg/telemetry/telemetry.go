package telemetry

import (
	"context"

	"github.com/rs/zerolog"
)

// Telemetry bundles the observability components a deployment needs.
type Telemetry struct {
	Logger  zerolog.Logger
	Tracer  *Tracer
	Metrics *Metrics
	Events  *EventBus
}

// New creates all telemetry components from one configuration.
func New(cfg Config) (*Telemetry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger, err := NewLogger(cfg.Logging)
	if err != nil {
		return nil, err
	}
	tracer, err := NewTracer(cfg.Tracing, cfg.ServiceName, cfg.ServiceVersion, cfg.Environment)
	if err != nil {
		return nil, err
	}
	metrics, err := NewMetrics(cfg.Metrics)
	if err != nil {
		return nil, err
	}

	return &Telemetry{
		Logger:  logger,
		Tracer:  tracer,
		Metrics: metrics,
		Events:  NewEventBus(cfg.Events),
	}, nil
}

// Shutdown flushes and stops the components that hold resources.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	t.Events.Close()
	return t.Tracer.Shutdown(ctx)
}
