package config

// ObservabilityConfig holds observability configuration.
type ObservabilityConfig struct {
	OTelEnabled bool   `env:"TASKQUEUE_OTEL_ENABLED" default:"true"`
	ServiceName string `env:"TASKQUEUE_OTEL_SERVICE_NAME" default:"taskqueued"`
}
