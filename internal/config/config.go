// Package config loads and validates the debugger's configuration from a
// YAML file, built-in defaults, and environment variable overrides.
// Defaults fill only fields the file left empty, and environment overrides
// take precedence over both.
package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	apperrors "lineagetrace/pkg/errors"

	"gopkg.in/yaml.v2"
)

// Config is the root configuration for the trace-debug process.
type Config struct {
	App        AppConfig        `yaml:"app"`
	Server     ServerConfig     `yaml:"server"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	EventLog   EventLogConfig   `yaml:"event_log"`
	Kafka      KafkaConfig      `yaml:"kafka"`
	Tracing    TracingConfig    `yaml:"tracing"`
	Strategy   StrategyConfig   `yaml:"strategy"`
	TaskRunner TaskRunnerConfig `yaml:"task_runner"`
	DLQ        DLQConfig        `yaml:"dlq"`
}

// AppConfig carries process-wide identity and logging settings.
type AppConfig struct {
	Name           string `yaml:"name"`
	Version        string `yaml:"version"`
	Environment    string `yaml:"environment"`
	LogLevel       string `yaml:"log_level"`
	LogFormat      string `yaml:"log_format"`
	DefaultConfigs *bool  `yaml:"default_configs"`
}

// ServerConfig configures the HTTP trace API.
type ServerConfig struct {
	Enabled      bool   `yaml:"enabled"`
	Host         string `yaml:"host"`
	Port         int    `yaml:"port"`
	ReadTimeout  string `yaml:"read_timeout"`
	WriteTimeout string `yaml:"write_timeout"`
}

// MetricsConfig configures the Prometheus metrics endpoint.
type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Port      int    `yaml:"port"`
	Path      string `yaml:"path"`
	Namespace string `yaml:"namespace"`
}

// EventLogConfig configures the replayed event log.
type EventLogConfig struct {
	Path              string `yaml:"path"`
	ChecksumEnabled   bool   `yaml:"checksum_enabled"`
	Compression       string `yaml:"compression"` // "", "zstd"
	FollowLive        bool   `yaml:"follow_live"`
	PollInterval      string `yaml:"poll_interval"`
	ReadBufferSize    int    `yaml:"read_buffer_size"`
	CheckpointPath    string `yaml:"checkpoint_path"`
	CheckpointFlush   string `yaml:"checkpoint_flush_interval"`
	MasterHost        string `yaml:"master_host"`
	MasterPort        int    `yaml:"master_port"`
}

// KafkaConfig configures the optional event-reporter Kafka sink.
type KafkaConfig struct {
	Enabled          bool     `yaml:"enabled"`
	Brokers          []string `yaml:"brokers"`
	Topic            string   `yaml:"topic"`
	ClientID         string   `yaml:"client_id"`
	CompressionCodec string   `yaml:"compression_codec"` // "none", "snappy", "lz4", "gzip"
	SASLEnabled      bool     `yaml:"sasl_enabled"`
	SASLMechanism    string   `yaml:"sasl_mechanism"` // "plain", "scram-sha-256", "scram-sha-512"
	SASLUsername     string   `yaml:"sasl_username"`
	SASLPassword     string   `yaml:"sasl_password"`
}

// TracingConfig configures OpenTelemetry spans around trace-engine
// operations. Field shapes mirror pkg/tracing.EnhancedTracingConfig so the
// YAML document can be decoded straight into it.
type TracingConfig struct {
	Enabled        bool    `yaml:"enabled"`
	Mode           string  `yaml:"mode"`
	ServiceName    string  `yaml:"service_name"`
	Exporter       string  `yaml:"exporter"`
	Endpoint       string  `yaml:"endpoint"`
	LogTracingRate float64 `yaml:"log_tracing_rate"`
}

// StrategyConfig selects the default backward-trace strategy and stage
// walker concurrency.
type StrategyConfig struct {
	DefaultBackward string `yaml:"default_backward"` // "single-step", "maintaining-set", "using-mappings"
	MaxWorkers      int    `yaml:"max_workers"`
}

// TaskRunnerConfig configures the trace-job task manager.
type TaskRunnerConfig struct {
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	TaskTimeout       time.Duration `yaml:"task_timeout"`
	CleanupInterval   time.Duration `yaml:"cleanup_interval"`
}

// DLQConfig configures the dead-letter sink for corrupt/unmatched event-log
// records.
type DLQConfig struct {
	Enabled       bool   `yaml:"enabled"`
	Directory     string `yaml:"directory"`
	QueueSize     int    `yaml:"queue_size"`
	MaxFiles      int    `yaml:"max_files"`
	MaxFileSizeMB int64  `yaml:"max_file_size_mb"`
	RetentionDays int    `yaml:"retention_days"`
}

// LoadConfig loads configuration from a YAML file (if given), applies
// defaults, then applies environment variable overrides, and finally
// validates the result.
func LoadConfig(configFile string) (*Config, error) {
	config := &Config{}

	if configFile != "" {
		if err := loadConfigFile(configFile, config); err != nil {
			fmt.Printf("Warning: failed to load config file %s: %v\n", configFile, err)
		} else {
			fmt.Printf("Loaded configuration from file: %s\n", configFile)
		}
	}

	applyDefaults(config)
	applyEnvironmentOverrides(config)

	if err := ValidateConfig(config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return config, nil
}

func loadConfigFile(filename string, config *Config) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, config); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}
	return nil
}

// shouldApplyDefaults reports whether applyDefaults should fill in unset
// fields. The environment variable takes precedence over the YAML-level
// toggle, and an unspecified toggle (nil) defaults to true.
func shouldApplyDefaults(config *Config) bool {
	if envValue := os.Getenv("TRACEDEBUG_DEFAULT_CONFIGS"); envValue != "" {
		if enabled, err := strconv.ParseBool(envValue); err == nil {
			return enabled
		}
	}
	if config.App.DefaultConfigs == nil {
		return true
	}
	return *config.App.DefaultConfigs
}

func applyDefaults(config *Config) {
	if !shouldApplyDefaults(config) {
		return
	}

	if config.App.Name == "" {
		config.App.Name = "tracedebug"
	}
	if config.App.Version == "" {
		config.App.Version = "v0.1.0"
	}
	if config.App.Environment == "" {
		config.App.Environment = "production"
	}
	if config.App.LogLevel == "" {
		config.App.LogLevel = "info"
	}
	if config.App.LogFormat == "" {
		config.App.LogFormat = "json"
	}

	if config.Server.Port == 0 {
		config.Server.Port = 8401
	}
	if config.Server.Host == "" {
		config.Server.Host = "0.0.0.0"
	}
	if config.Server.ReadTimeout == "" {
		config.Server.ReadTimeout = "30s"
	}
	if config.Server.WriteTimeout == "" {
		config.Server.WriteTimeout = "30s"
	}

	config.Metrics.Enabled = true
	if config.Metrics.Port == 0 {
		config.Metrics.Port = 8001
	}
	if config.Metrics.Path == "" {
		config.Metrics.Path = "/metrics"
	}
	if config.Metrics.Namespace == "" {
		config.Metrics.Namespace = "tracedebug"
	}

	if config.EventLog.PollInterval == "" {
		config.EventLog.PollInterval = "1s"
	}
	if config.EventLog.ReadBufferSize == 0 {
		config.EventLog.ReadBufferSize = 65536
	}
	if config.EventLog.CheckpointPath == "" {
		config.EventLog.CheckpointPath = "/var/lib/tracedebug/checkpoint"
	}
	if config.EventLog.CheckpointFlush == "" {
		config.EventLog.CheckpointFlush = "5s"
	}
	if config.EventLog.MasterPort == 0 {
		config.EventLog.MasterPort = 7077
	}

	if config.Kafka.ClientID == "" {
		config.Kafka.ClientID = "tracedebug"
	}
	if config.Kafka.CompressionCodec == "" {
		config.Kafka.CompressionCodec = "snappy"
	}
	if config.Kafka.Topic == "" {
		config.Kafka.Topic = "lineage-events"
	}

	if config.Tracing.ServiceName == "" {
		config.Tracing.ServiceName = config.App.Name
	}
	if config.Tracing.Mode == "" {
		config.Tracing.Mode = "off"
	}
	if config.Tracing.Exporter == "" {
		config.Tracing.Exporter = "otlp"
	}

	if config.Strategy.DefaultBackward == "" {
		config.Strategy.DefaultBackward = "using-mappings"
	}
	if config.Strategy.MaxWorkers == 0 {
		config.Strategy.MaxWorkers = 8
	}

	if config.TaskRunner.HeartbeatInterval == 0 {
		config.TaskRunner.HeartbeatInterval = 30 * time.Second
	}
	if config.TaskRunner.TaskTimeout == 0 {
		config.TaskRunner.TaskTimeout = 5 * time.Minute
	}
	if config.TaskRunner.CleanupInterval == 0 {
		config.TaskRunner.CleanupInterval = time.Minute
	}

	if config.DLQ.Directory == "" {
		config.DLQ.Directory = "/var/lib/tracedebug/dlq"
	}
	if config.DLQ.QueueSize == 0 {
		config.DLQ.QueueSize = 10000
	}
	if config.DLQ.MaxFiles == 0 {
		config.DLQ.MaxFiles = 10
	}
	if config.DLQ.MaxFileSizeMB == 0 {
		config.DLQ.MaxFileSizeMB = 100
	}
	if config.DLQ.RetentionDays == 0 {
		config.DLQ.RetentionDays = 7
	}
}

func applyEnvironmentOverrides(config *Config) {
	config.App.Name = getEnvString("TRACEDEBUG_APP_NAME", config.App.Name)
	config.App.Environment = getEnvString("TRACEDEBUG_ENVIRONMENT", config.App.Environment)
	config.App.LogLevel = getEnvString("TRACEDEBUG_LOG_LEVEL", config.App.LogLevel)
	config.App.LogFormat = getEnvString("TRACEDEBUG_LOG_FORMAT", config.App.LogFormat)

	config.Server.Enabled = getEnvBool("TRACEDEBUG_SERVER_ENABLED", config.Server.Enabled)
	config.Server.Host = getEnvString("TRACEDEBUG_SERVER_HOST", config.Server.Host)
	config.Server.Port = getEnvInt("TRACEDEBUG_SERVER_PORT", config.Server.Port)

	config.Metrics.Enabled = getEnvBool("TRACEDEBUG_METRICS_ENABLED", config.Metrics.Enabled)
	config.Metrics.Port = getEnvInt("TRACEDEBUG_METRICS_PORT", config.Metrics.Port)

	config.EventLog.Path = getEnvString("TRACEDEBUG_EVENT_LOG_PATH", config.EventLog.Path)
	config.EventLog.ChecksumEnabled = getEnvBool("TRACEDEBUG_CHECKSUM_ENABLED", config.EventLog.ChecksumEnabled)
	config.EventLog.MasterHost = getEnvString("TRACEDEBUG_MASTER_HOST", config.EventLog.MasterHost)
	config.EventLog.MasterPort = getEnvInt("TRACEDEBUG_MASTER_PORT", config.EventLog.MasterPort)

	config.Kafka.Enabled = getEnvBool("TRACEDEBUG_KAFKA_ENABLED", config.Kafka.Enabled)
	if brokers := getEnvString("TRACEDEBUG_KAFKA_BROKERS", ""); brokers != "" {
		config.Kafka.Brokers = strings.Split(brokers, ",")
	}
	config.Kafka.Topic = getEnvString("TRACEDEBUG_KAFKA_TOPIC", config.Kafka.Topic)
	config.Kafka.SASLUsername = getEnvString("TRACEDEBUG_KAFKA_SASL_USER", config.Kafka.SASLUsername)
	config.Kafka.SASLPassword = getEnvString("TRACEDEBUG_KAFKA_SASL_PASSWORD", config.Kafka.SASLPassword)

	config.Tracing.Enabled = getEnvBool("TRACEDEBUG_TRACING_ENABLED", config.Tracing.Enabled)
	config.Tracing.Mode = getEnvString("TRACEDEBUG_TRACING_MODE", config.Tracing.Mode)
	config.Tracing.Endpoint = getEnvString("TRACEDEBUG_TRACING_ENDPOINT", config.Tracing.Endpoint)

	config.Strategy.DefaultBackward = getEnvString("TRACEDEBUG_STRATEGY", config.Strategy.DefaultBackward)

	config.DLQ.Enabled = getEnvBool("TRACEDEBUG_DLQ_ENABLED", config.DLQ.Enabled)
	config.DLQ.Directory = getEnvString("TRACEDEBUG_DLQ_DIRECTORY", config.DLQ.Directory)
}

func getEnvString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

// ValidateConfig validates every section of config, returning a single
// combined error describing every problem found.
func ValidateConfig(config *Config) error {
	v := &ConfigValidator{config: config}
	return v.Validate()
}

// ConfigValidator accumulates validation errors across every config
// section so a caller sees the full set of problems in one report.
type ConfigValidator struct {
	config *Config
	errors []error
}

// Validate runs every section's validation checks.
func (v *ConfigValidator) Validate() error {
	v.validateApp()
	v.validateServer()
	v.validateMetrics()
	v.validateEventLog()
	v.validateKafka()
	v.validateStrategy()

	if len(v.errors) > 0 {
		return v.buildValidationError()
	}
	return nil
}

func (v *ConfigValidator) addError(component, operation, message string) {
	err := apperrors.ConfigError(operation, message).WithMetadata("component", component)
	v.errors = append(v.errors, err)
}

func (v *ConfigValidator) validateApp() {
	if v.config.App.Name == "" {
		v.addError("app", "validate_name", "application name cannot be empty")
	}

	validLogLevels := map[string]bool{
		"trace": true, "debug": true, "info": true,
		"warn": true, "error": true, "fatal": true, "panic": true,
	}
	if !validLogLevels[v.config.App.LogLevel] {
		v.addError("app", "validate_log_level", fmt.Sprintf("invalid log level: %s", v.config.App.LogLevel))
	}

	validLogFormats := map[string]bool{"json": true, "text": true}
	if !validLogFormats[v.config.App.LogFormat] {
		v.addError("app", "validate_log_format", fmt.Sprintf("invalid log format: %s", v.config.App.LogFormat))
	}
}

func (v *ConfigValidator) validateServer() {
	if !v.config.Server.Enabled {
		return
	}
	if v.config.Server.Port <= 0 || v.config.Server.Port > 65535 {
		v.addError("server", "validate_port", fmt.Sprintf("invalid server port: %d", v.config.Server.Port))
	}
	if v.config.Server.Host == "" {
		v.addError("server", "validate_host", "server host cannot be empty when enabled")
	}
	if v.config.Server.ReadTimeout != "" {
		if _, err := time.ParseDuration(v.config.Server.ReadTimeout); err != nil {
			v.addError("server", "validate_read_timeout", fmt.Sprintf("invalid read timeout: %s", v.config.Server.ReadTimeout))
		}
	}
	if v.config.Server.WriteTimeout != "" {
		if _, err := time.ParseDuration(v.config.Server.WriteTimeout); err != nil {
			v.addError("server", "validate_write_timeout", fmt.Sprintf("invalid write timeout: %s", v.config.Server.WriteTimeout))
		}
	}
}

func (v *ConfigValidator) validateMetrics() {
	if !v.config.Metrics.Enabled {
		return
	}
	if v.config.Metrics.Port <= 0 || v.config.Metrics.Port > 65535 {
		v.addError("metrics", "validate_port", fmt.Sprintf("invalid metrics port: %d", v.config.Metrics.Port))
	}
	if v.config.Metrics.Path == "" {
		v.addError("metrics", "validate_path", "metrics path cannot be empty when enabled")
	}
	if v.config.Server.Enabled && v.config.Server.Port == v.config.Metrics.Port {
		v.addError("metrics", "validate_port_conflict", "metrics port conflicts with server port")
	}
}

func (v *ConfigValidator) validateEventLog() {
	if v.config.EventLog.Path == "" {
		v.addError("event_log", "validate_path", "event log path cannot be empty")
		return
	}
	if v.config.EventLog.Compression != "" && v.config.EventLog.Compression != "zstd" {
		v.addError("event_log", "validate_compression", fmt.Sprintf("unsupported compression: %s", v.config.EventLog.Compression))
	}
	if v.config.EventLog.ReadBufferSize <= 0 {
		v.addError("event_log", "validate_buffer_size", "read buffer size must be positive")
	}
	if v.config.EventLog.MasterHost != "" {
		if v.config.EventLog.MasterPort <= 0 || v.config.EventLog.MasterPort > 65535 {
			v.addError("event_log", "validate_master_port", fmt.Sprintf("invalid master port: %d", v.config.EventLog.MasterPort))
		}
	}
}

func (v *ConfigValidator) validateKafka() {
	if !v.config.Kafka.Enabled {
		return
	}
	if len(v.config.Kafka.Brokers) == 0 {
		v.addError("kafka", "validate_brokers", "brokers cannot be empty when enabled")
	}
	if v.config.Kafka.Topic == "" {
		v.addError("kafka", "validate_topic", "topic cannot be empty when enabled")
	}
	validCodecs := map[string]bool{"none": true, "snappy": true, "lz4": true, "gzip": true}
	if !validCodecs[v.config.Kafka.CompressionCodec] {
		v.addError("kafka", "validate_compression_codec", fmt.Sprintf("invalid compression codec: %s", v.config.Kafka.CompressionCodec))
	}
	if v.config.Kafka.SASLEnabled {
		validMechanisms := map[string]bool{"plain": true, "scram-sha-256": true, "scram-sha-512": true}
		if !validMechanisms[v.config.Kafka.SASLMechanism] {
			v.addError("kafka", "validate_sasl_mechanism", fmt.Sprintf("invalid SASL mechanism: %s", v.config.Kafka.SASLMechanism))
		}
		if v.config.Kafka.SASLUsername == "" {
			v.addError("kafka", "validate_sasl_username", "SASL username cannot be empty when SASL is enabled")
		}
	}
}

func (v *ConfigValidator) validateStrategy() {
	validStrategies := map[string]bool{"single-step": true, "maintaining-set": true, "using-mappings": true}
	if !validStrategies[v.config.Strategy.DefaultBackward] {
		v.addError("strategy", "validate_default_backward", fmt.Sprintf("invalid backward trace strategy: %s", v.config.Strategy.DefaultBackward))
	}
	if v.config.Strategy.MaxWorkers <= 0 {
		v.addError("strategy", "validate_max_workers", "max workers must be positive")
	}
}

func (v *ConfigValidator) buildValidationError() error {
	if len(v.errors) == 1 {
		return v.errors[0]
	}
	var messages []string
	for _, err := range v.errors {
		messages = append(messages, err.Error())
	}
	return apperrors.ConfigError("validate", fmt.Sprintf("multiple validation errors: %s", strings.Join(messages, "; ")))
}

// validateDirectoryWritable confirms dir is an absolute path that can be
// created and written to, by creating and removing a probe file in it.
func validateDirectoryWritable(dir string) error {
	if dir == "" {
		return fmt.Errorf("directory path is empty")
	}
	if !filepath.IsAbs(dir) {
		return fmt.Errorf("directory path must be absolute: %s", dir)
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("directory not writable: %w", err)
	}

	testFile := filepath.Join(dir, ".write_test")
	file, err := os.Create(testFile)
	if err != nil {
		return fmt.Errorf("directory not writable: %w", err)
	}
	file.Close()
	os.Remove(testFile)

	return nil
}

// validEndpointURL reports whether endpoint parses as a URL; an empty
// endpoint counts as valid.
func validEndpointURL(endpoint string) bool {
	if endpoint == "" {
		return true
	}
	_, err := url.Parse(endpoint)
	return err == nil
}
