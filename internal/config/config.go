package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Engine        EngineConfig        `yaml:"engine"`
	Tracing       TracingConfig       `yaml:"tracing"`
	Registry      RegistryConfig      `yaml:"registry"`
	Feedback      FeedbackConfig      `yaml:"feedback"`
	Observability ObservabilityConfig `yaml:"observability"`
}

type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

func (c ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// EngineConfig describes the upstream dialogue engine.
type EngineConfig struct {
	Domain       string   `yaml:"domain"`
	VersionID    string   `yaml:"version_id"`
	APIKey       string   `yaml:"api_key"`
	WidgetKey    string   `yaml:"widget_key"`
	TimeoutMS    int      `yaml:"timeout_ms"`
	ExcludeTypes []string `yaml:"exclude_types"`
}

// Token-consumption regimes for debug-message extraction. The regime is
// configuration-selected, never inferred from the data.
const (
	TokenModeRaw            = "raw"
	TokenModePostMultiplier = "post_multiplier"
)

type TracingConfig struct {
	Enabled     bool   `yaml:"enabled"`
	ProjectName string `yaml:"project_name"`
	TokenMode   string `yaml:"token_mode"`
	QueueSize   int    `yaml:"queue_size"`
}

type RegistryConfig struct {
	Driver string `yaml:"driver"`
	Path   string `yaml:"path"`
	DSN    string `yaml:"dsn"`
}

type FeedbackConfig struct {
	Endpoint string `yaml:"endpoint"`
	APIKey   string `yaml:"api_key"`
}

type ObservabilityConfig struct {
	OTel OTelConfig `yaml:"otel"`
}

type OTelConfig struct {
	Enabled                bool    `yaml:"enabled"`
	Endpoint               string  `yaml:"endpoint"`
	Insecure               bool    `yaml:"insecure"`
	APIKey                 string  `yaml:"api_key"`
	ServiceName            string  `yaml:"service_name"`
	TracesEnabled          bool    `yaml:"traces_enabled"`
	MetricsEnabled         bool    `yaml:"metrics_enabled"`
	SamplingRatio          float64 `yaml:"sampling_ratio"`
	ExportTimeoutMS        int     `yaml:"export_timeout_ms"`
	MetricExportIntervalMS int     `yaml:"metric_export_interval_ms"`
}

const (
	defaultEngineDomain    = "general-runtime.voiceflow.com"
	defaultEngineVersionID = "development"
	defaultEngineTimeoutMS = 30000

	defaultProjectName = "Default Project"
	defaultQueueSize   = 256

	defaultOTELEndpoint               = "localhost:6006"
	defaultOTELServiceName            = "convorelay"
	defaultOTELSamplingRatio          = 1.0
	defaultOTELExportTimeoutMS        = 3000
	defaultOTELMetricExportIntervalMS = 10000
)

func Default() Config {
	return Config{
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 5252,
		},
		Engine: EngineConfig{
			Domain:       defaultEngineDomain,
			VersionID:    defaultEngineVersionID,
			TimeoutMS:    defaultEngineTimeoutMS,
			ExcludeTypes: []string{"block", "flow"},
		},
		Tracing: TracingConfig{
			Enabled:     true,
			ProjectName: defaultProjectName,
			TokenMode:   TokenModeRaw,
			QueueSize:   defaultQueueSize,
		},
		Registry: RegistryConfig{
			Driver: "sqlite",
			Path:   "./data/convorelay.db",
		},
		Feedback: FeedbackConfig{
			Endpoint: "http://localhost:6006",
		},
		Observability: ObservabilityConfig{
			OTel: OTelConfig{
				Enabled:                false,
				Endpoint:               defaultOTELEndpoint,
				Insecure:               true,
				ServiceName:            defaultOTELServiceName,
				TracesEnabled:          true,
				MetricsEnabled:         true,
				SamplingRatio:          defaultOTELSamplingRatio,
				ExportTimeoutMS:        defaultOTELExportTimeoutMS,
				MetricExportIntervalMS: defaultOTELMetricExportIntervalMS,
			},
		},
	}
}

func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err == nil {
			decoder := yaml.NewDecoder(bytes.NewReader(data))
			decoder.KnownFields(true)
			decodeErr := decoder.Decode(&cfg)
			if errors.Is(decodeErr, io.EOF) {
				decodeErr = nil
			}
			if decodeErr != nil {
				return Config{}, fmt.Errorf("parse yaml %q: %w", path, decodeErr)
			}
			// Reject multi-document configs to keep runtime configuration
			// unambiguous and avoid hidden trailing documents.
			var trailing any
			trailingErr := decoder.Decode(&trailing)
			if trailingErr != nil && !errors.Is(trailingErr, io.EOF) {
				return Config{}, fmt.Errorf("parse yaml %q: %w", path, trailingErr)
			}
			if trailing != nil {
				return Config{}, fmt.Errorf("parse yaml %q: multiple yaml documents are not supported", path)
			}
		} else if !errors.Is(err, os.ErrNotExist) {
			return Config{}, fmt.Errorf("read config %q: %w", path, err)
		}
	}

	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// Validate checks configuration invariants required at runtime.
func Validate(cfg Config) error {
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535 (got %d)", cfg.Server.Port)
	}

	if strings.TrimSpace(cfg.Engine.Domain) == "" {
		return errors.New("engine.domain is required")
	}
	if strings.Contains(cfg.Engine.Domain, "://") {
		return fmt.Errorf("engine.domain must be a bare host, not a URL (got %q)", cfg.Engine.Domain)
	}
	if strings.TrimSpace(cfg.Engine.VersionID) == "" {
		return errors.New("engine.version_id is required")
	}
	if cfg.Engine.TimeoutMS <= 0 {
		return fmt.Errorf("engine.timeout_ms must be > 0 (got %d)", cfg.Engine.TimeoutMS)
	}

	switch strings.TrimSpace(cfg.Tracing.TokenMode) {
	case TokenModeRaw, TokenModePostMultiplier:
	default:
		return fmt.Errorf("tracing.token_mode must be one of %s, %s (got %q)", TokenModeRaw, TokenModePostMultiplier, cfg.Tracing.TokenMode)
	}
	if cfg.Tracing.QueueSize <= 0 {
		return fmt.Errorf("tracing.queue_size must be > 0 (got %d)", cfg.Tracing.QueueSize)
	}

	driver := strings.TrimSpace(cfg.Registry.Driver)
	switch driver {
	case "sqlite":
		if strings.TrimSpace(cfg.Registry.Path) == "" {
			return errors.New("registry.path is required when registry.driver=sqlite")
		}
	case "postgres":
		if strings.TrimSpace(cfg.Registry.DSN) == "" {
			return errors.New("registry.dsn is required when registry.driver=postgres")
		}
	default:
		return fmt.Errorf("registry.driver must be one of sqlite, postgres (got %q)", cfg.Registry.Driver)
	}

	if endpoint := strings.TrimSpace(cfg.Feedback.Endpoint); endpoint != "" {
		parsed, err := url.Parse(endpoint)
		if err != nil {
			return fmt.Errorf("parse feedback.endpoint: %w", err)
		}
		if strings.TrimSpace(parsed.Scheme) == "" || strings.TrimSpace(parsed.Host) == "" {
			return fmt.Errorf("feedback.endpoint must include scheme and host (got %q)", cfg.Feedback.Endpoint)
		}
	}

	if err := validateOTelConfig(cfg.Observability.OTel); err != nil {
		return err
	}

	return nil
}

func validateOTelConfig(cfg OTelConfig) error {
	if !cfg.Enabled {
		return nil
	}
	if strings.TrimSpace(cfg.Endpoint) == "" {
		return errors.New("observability.otel.endpoint is required when observability.otel.enabled=true")
	}
	if strings.TrimSpace(cfg.ServiceName) == "" {
		return errors.New("observability.otel.service_name is required when observability.otel.enabled=true")
	}
	if !cfg.TracesEnabled && !cfg.MetricsEnabled {
		return errors.New("observability.otel requires traces_enabled and/or metrics_enabled when enabled")
	}
	if cfg.SamplingRatio < 0 || cfg.SamplingRatio > 1 {
		return fmt.Errorf("observability.otel.sampling_ratio must be between 0 and 1 (got %f)", cfg.SamplingRatio)
	}
	if cfg.ExportTimeoutMS <= 0 {
		return fmt.Errorf("observability.otel.export_timeout_ms must be > 0 (got %d)", cfg.ExportTimeoutMS)
	}
	if cfg.MetricExportIntervalMS <= 0 {
		return fmt.Errorf("observability.otel.metric_export_interval_ms must be > 0 (got %d)", cfg.MetricExportIntervalMS)
	}
	return nil
}

func applyEnv(cfg *Config) error {
	if host := os.Getenv("CONVORELAY_HOST"); host != "" {
		cfg.Server.Host = host
	}

	if port := os.Getenv("CONVORELAY_PORT"); port != "" {
		v, err := strconv.Atoi(port)
		if err != nil {
			return fmt.Errorf("invalid CONVORELAY_PORT: %w", err)
		}
		cfg.Server.Port = v
	}

	if domain := os.Getenv("CONVORELAY_ENGINE_DOMAIN"); domain != "" {
		cfg.Engine.Domain = domain
	}
	if versionID := os.Getenv("CONVORELAY_ENGINE_VERSION_ID"); versionID != "" {
		cfg.Engine.VersionID = versionID
	}
	if apiKey := os.Getenv("CONVORELAY_ENGINE_API_KEY"); apiKey != "" {
		cfg.Engine.APIKey = apiKey
	}
	if widgetKey := os.Getenv("CONVORELAY_ENGINE_WIDGET_KEY"); widgetKey != "" {
		cfg.Engine.WidgetKey = widgetKey
	}
	if timeoutMS := os.Getenv("CONVORELAY_ENGINE_TIMEOUT_MS"); timeoutMS != "" {
		v, err := strconv.Atoi(timeoutMS)
		if err != nil {
			return fmt.Errorf("invalid CONVORELAY_ENGINE_TIMEOUT_MS: %w", err)
		}
		cfg.Engine.TimeoutMS = v
	}

	if enabled := os.Getenv("CONVORELAY_TRACING_ENABLED"); enabled != "" {
		v, err := strconv.ParseBool(enabled)
		if err != nil {
			return fmt.Errorf("invalid CONVORELAY_TRACING_ENABLED: %w", err)
		}
		cfg.Tracing.Enabled = v
	}
	if projectName := os.Getenv("CONVORELAY_PROJECT_NAME"); projectName != "" {
		cfg.Tracing.ProjectName = projectName
	}
	if tokenMode := os.Getenv("CONVORELAY_TOKEN_MODE"); tokenMode != "" {
		cfg.Tracing.TokenMode = tokenMode
	}
	if queueSize := os.Getenv("CONVORELAY_QUEUE_SIZE"); queueSize != "" {
		v, err := strconv.Atoi(queueSize)
		if err != nil {
			return fmt.Errorf("invalid CONVORELAY_QUEUE_SIZE: %w", err)
		}
		cfg.Tracing.QueueSize = v
	}

	if registryDriver := os.Getenv("CONVORELAY_REGISTRY_DRIVER"); registryDriver != "" {
		cfg.Registry.Driver = registryDriver
	}
	if registryPath := os.Getenv("CONVORELAY_REGISTRY_PATH"); registryPath != "" {
		cfg.Registry.Path = registryPath
	}
	if registryDSN := os.Getenv("CONVORELAY_REGISTRY_DSN"); registryDSN != "" {
		cfg.Registry.DSN = registryDSN
	}

	if feedbackEndpoint := os.Getenv("CONVORELAY_FEEDBACK_ENDPOINT"); feedbackEndpoint != "" {
		cfg.Feedback.Endpoint = feedbackEndpoint
	}
	if feedbackAPIKey := os.Getenv("CONVORELAY_FEEDBACK_API_KEY"); feedbackAPIKey != "" {
		cfg.Feedback.APIKey = feedbackAPIKey
	}

	if collectorAPIKey := os.Getenv("CONVORELAY_COLLECTOR_API_KEY"); collectorAPIKey != "" {
		cfg.Observability.OTel.APIKey = collectorAPIKey
	}

	otelConfigured := false
	otelSDKDisabledSet := false
	if sdkDisabled := strings.TrimSpace(os.Getenv("OTEL_SDK_DISABLED")); sdkDisabled != "" {
		v, err := strconv.ParseBool(sdkDisabled)
		if err != nil {
			return fmt.Errorf("invalid OTEL_SDK_DISABLED: %w", err)
		}
		cfg.Observability.OTel.Enabled = !v
		otelSDKDisabledSet = true
		otelConfigured = true
	}
	if endpoint := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")); endpoint != "" {
		cfg.Observability.OTel.Endpoint = endpoint
		otelConfigured = true
	}
	if insecure := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_INSECURE")); insecure != "" {
		v, err := strconv.ParseBool(insecure)
		if err != nil {
			return fmt.Errorf("invalid OTEL_EXPORTER_OTLP_INSECURE: %w", err)
		}
		cfg.Observability.OTel.Insecure = v
		otelConfigured = true
	}
	if serviceName := strings.TrimSpace(os.Getenv("OTEL_SERVICE_NAME")); serviceName != "" {
		cfg.Observability.OTel.ServiceName = serviceName
		otelConfigured = true
	}
	if tracesExporter := strings.TrimSpace(os.Getenv("OTEL_TRACES_EXPORTER")); tracesExporter != "" {
		enabled, err := otelExporterEnabled(tracesExporter)
		if err != nil {
			return fmt.Errorf("invalid OTEL_TRACES_EXPORTER: %w", err)
		}
		cfg.Observability.OTel.TracesEnabled = enabled
		otelConfigured = true
	}
	if metricsExporter := strings.TrimSpace(os.Getenv("OTEL_METRICS_EXPORTER")); metricsExporter != "" {
		enabled, err := otelExporterEnabled(metricsExporter)
		if err != nil {
			return fmt.Errorf("invalid OTEL_METRICS_EXPORTER: %w", err)
		}
		cfg.Observability.OTel.MetricsEnabled = enabled
		otelConfigured = true
	}
	if samplingRatio := strings.TrimSpace(os.Getenv("OTEL_TRACES_SAMPLER_ARG")); samplingRatio != "" {
		v, err := strconv.ParseFloat(samplingRatio, 64)
		if err != nil {
			return fmt.Errorf("invalid OTEL_TRACES_SAMPLER_ARG: %w", err)
		}
		cfg.Observability.OTel.SamplingRatio = v
		otelConfigured = true
	}
	if exportTimeout := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_TIMEOUT")); exportTimeout != "" {
		v, err := strconv.Atoi(exportTimeout)
		if err != nil {
			return fmt.Errorf("invalid OTEL_EXPORTER_OTLP_TIMEOUT: %w", err)
		}
		cfg.Observability.OTel.ExportTimeoutMS = v
		otelConfigured = true
	}
	if metricExportInterval := strings.TrimSpace(os.Getenv("OTEL_METRIC_EXPORT_INTERVAL")); metricExportInterval != "" {
		v, err := strconv.Atoi(metricExportInterval)
		if err != nil {
			return fmt.Errorf("invalid OTEL_METRIC_EXPORT_INTERVAL: %w", err)
		}
		cfg.Observability.OTel.MetricExportIntervalMS = v
		otelConfigured = true
	}
	if otelConfigured && !otelSDKDisabledSet {
		cfg.Observability.OTel.Enabled = true
	}

	return nil
}

func otelExporterEnabled(value string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "otlp":
		return true, nil
	case "none":
		return false, nil
	default:
		return false, fmt.Errorf("must be one of otlp, none (got %q)", value)
	}
}
