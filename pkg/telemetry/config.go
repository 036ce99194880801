// Package telemetry wires OpenTelemetry tracing for heapstream.
//
// Tracing is configured from the standard OTEL_* environment variables and
// stays a no-op unless OTEL_ENABLED=true:
//
//	OTEL_ENABLED                    enable tracing (default false)
//	OTEL_SERVICE_NAME               service name (default heapstream)
//	OTEL_SERVICE_VERSION            service version (default dev)
//	OTEL_EXPORTER_OTLP_ENDPOINT     collector endpoint
//	OTEL_EXPORTER_OTLP_PROTOCOL     grpc or http/protobuf (default grpc)
//	OTEL_EXPORTER_OTLP_HEADERS      key=value pairs sent with every export
//	OTEL_EXPORTER_OTLP_INSECURE     disable TLS
//	OTEL_TRACES_SAMPLER             sampler name (default always_on)
//	OTEL_TRACES_SAMPLER_ARG         sampler ratio
//	OTEL_RESOURCE_ATTRIBUTES        extra resource attributes
package telemetry

import (
	"os"
	"strings"
)

// Config holds OpenTelemetry configuration.
type Config struct {
	Enabled        bool
	ServiceName    string
	ServiceVersion string
	Endpoint       string
	Protocol       string
	Headers        map[string]string
	Insecure       bool
	Sampler        string
	SamplerArg     string
	ResourceAttrs  map[string]string
}

// LoadFromEnv loads configuration from environment variables.
func LoadFromEnv() *Config {
	return &Config{
		Enabled:        envBool("OTEL_ENABLED"),
		ServiceName:    envOr("OTEL_SERVICE_NAME", "heapstream"),
		ServiceVersion: envOr("OTEL_SERVICE_VERSION", "dev"),
		Endpoint:       os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		Protocol:       envOr("OTEL_EXPORTER_OTLP_PROTOCOL", "grpc"),
		Headers:        parseKeyValuePairs(os.Getenv("OTEL_EXPORTER_OTLP_HEADERS")),
		Insecure:       envBool("OTEL_EXPORTER_OTLP_INSECURE"),
		Sampler:        os.Getenv("OTEL_TRACES_SAMPLER"),
		SamplerArg:     os.Getenv("OTEL_TRACES_SAMPLER_ARG"),
		ResourceAttrs:  parseKeyValuePairs(os.Getenv("OTEL_RESOURCE_ATTRIBUTES")),
	}
}

func envOr(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func envBool(key string) bool {
	return strings.EqualFold(os.Getenv(key), "true")
}

// parseKeyValuePairs parses "k1=v1,k2=v2". Values may contain '='.
func parseKeyValuePairs(s string) map[string]string {
	result := make(map[string]string)
	for _, pair := range strings.Split(s, ",") {
		key, value, ok := strings.Cut(strings.TrimSpace(pair), "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			continue
		}
		result[key] = strings.TrimSpace(value)
	}
	return result
}
