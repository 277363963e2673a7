package config

import (
	"strings"
	"testing"
)

func validBaseConfig() *Config {
	return &Config{
		App: AppConfig{
			Name:      "test-app",
			Version:   "1.0.0",
			LogLevel:  "info",
			LogFormat: "json",
		},
		Server: ServerConfig{
			Enabled:      true,
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  "30s",
			WriteTimeout: "30s",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Port:    9090,
			Path:    "/metrics",
		},
		EventLog: EventLogConfig{
			Path:           "/var/log/trace.log",
			ReadBufferSize: 65536,
		},
		Strategy: StrategyConfig{
			DefaultBackward: "using-mappings",
			MaxWorkers:      8,
		},
	}
}

// TestValidConfigPasses tests that a valid configuration passes validation.
func TestValidConfigPasses(t *testing.T) {
	config := validBaseConfig()

	if err := ValidateConfig(config); err != nil {
		t.Errorf("valid config should pass validation, got error: %v", err)
	}
}

// TestInvalidServerPort tests server port bounds checking.
func TestInvalidServerPort(t *testing.T) {
	testCases := []struct {
		name string
		port int
	}{
		{"zero port", 0},
		{"negative port", -1},
		{"port too large", 65536},
		{"port way too large", 100000},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			config := validBaseConfig()
			config.Server.Port = tc.port

			err := ValidateConfig(config)
			if err == nil {
				t.Fatalf("invalid server port %d should fail validation", tc.port)
			}
			if !strings.Contains(err.Error(), "invalid server port") {
				t.Errorf("expected 'invalid server port' error, got: %v", err)
			}
		})
	}
}

// TestMetricsPortConflict tests that a metrics port colliding with the
// server port is rejected.
func TestMetricsPortConflict(t *testing.T) {
	config := validBaseConfig()
	config.Metrics.Port = config.Server.Port

	err := ValidateConfig(config)
	if err == nil {
		t.Fatal("port conflict should fail validation")
	}
	if !strings.Contains(err.Error(), "port conflict") {
		t.Errorf("expected 'port conflict' error, got: %v", err)
	}
}

// TestInvalidLogLevel tests log level validation.
func TestInvalidLogLevel(t *testing.T) {
	config := validBaseConfig()
	config.App.LogLevel = "invalid-level"

	err := ValidateConfig(config)
	if err == nil {
		t.Fatal("invalid log level should fail validation")
	}
	if !strings.Contains(err.Error(), "invalid log level") {
		t.Errorf("expected 'invalid log level' error, got: %v", err)
	}
}

// TestInvalidLogFormat tests log format validation.
func TestInvalidLogFormat(t *testing.T) {
	config := validBaseConfig()
	config.App.LogFormat = "xml"

	err := ValidateConfig(config)
	if err == nil {
		t.Fatal("invalid log format should fail validation")
	}
	if !strings.Contains(err.Error(), "invalid log format") {
		t.Errorf("expected 'invalid log format' error, got: %v", err)
	}
}

// TestEmptyEventLogPath tests that an empty event log path is rejected.
func TestEmptyEventLogPath(t *testing.T) {
	config := validBaseConfig()
	config.EventLog.Path = ""

	err := ValidateConfig(config)
	if err == nil {
		t.Fatal("empty event log path should fail validation")
	}
	if !strings.Contains(err.Error(), "event log path cannot be empty") {
		t.Errorf("expected 'event log path cannot be empty' error, got: %v", err)
	}
}

// TestInvalidCompression tests event log compression validation.
func TestInvalidCompression(t *testing.T) {
	config := validBaseConfig()
	config.EventLog.Compression = "gzip"

	err := ValidateConfig(config)
	if err == nil {
		t.Fatal("unsupported compression should fail validation")
	}
	if !strings.Contains(err.Error(), "unsupported compression") {
		t.Errorf("expected 'unsupported compression' error, got: %v", err)
	}
}

// TestKafkaRequiresBrokersAndTopic tests Kafka validation when enabled.
func TestKafkaRequiresBrokersAndTopic(t *testing.T) {
	config := validBaseConfig()
	config.Kafka.Enabled = true
	config.Kafka.Topic = ""

	err := ValidateConfig(config)
	if err == nil {
		t.Fatal("kafka enabled without brokers/topic should fail validation")
	}
	if !strings.Contains(err.Error(), "brokers cannot be empty") {
		t.Errorf("expected brokers error, got: %v", err)
	}
}

// TestKafkaSASLRequiresUsername tests SASL validation.
func TestKafkaSASLRequiresUsername(t *testing.T) {
	config := validBaseConfig()
	config.Kafka.Enabled = true
	config.Kafka.Brokers = []string{"broker:9092"}
	config.Kafka.Topic = "lineage-events"
	config.Kafka.CompressionCodec = "snappy"
	config.Kafka.SASLEnabled = true
	config.Kafka.SASLMechanism = "plain"

	err := ValidateConfig(config)
	if err == nil {
		t.Fatal("SASL enabled without username should fail validation")
	}
	if !strings.Contains(err.Error(), "SASL username cannot be empty") {
		t.Errorf("expected SASL username error, got: %v", err)
	}
}

// TestInvalidStrategy tests backward-trace strategy validation.
func TestInvalidStrategy(t *testing.T) {
	config := validBaseConfig()
	config.Strategy.DefaultBackward = "quantum-leap"

	err := ValidateConfig(config)
	if err == nil {
		t.Fatal("invalid strategy should fail validation")
	}
	if !strings.Contains(err.Error(), "invalid backward trace strategy") {
		t.Errorf("expected strategy error, got: %v", err)
	}
}

// TestStrategyMaxWorkersMustBePositive tests the max-workers bound.
func TestStrategyMaxWorkersMustBePositive(t *testing.T) {
	config := validBaseConfig()
	config.Strategy.MaxWorkers = 0

	err := ValidateConfig(config)
	if err == nil {
		t.Fatal("zero max workers should fail validation")
	}
	if !strings.Contains(err.Error(), "max workers must be positive") {
		t.Errorf("expected max workers error, got: %v", err)
	}
}

// TestInvalidDuration tests duration string parsing validation.
func TestInvalidDuration(t *testing.T) {
	config := validBaseConfig()
	config.Server.ReadTimeout = "not-a-duration"

	err := ValidateConfig(config)
	if err == nil {
		t.Fatal("invalid duration should fail validation")
	}
	if !strings.Contains(err.Error(), "invalid read timeout") {
		t.Errorf("expected 'invalid read timeout' error, got: %v", err)
	}
}

// TestMultipleErrorsCombined tests that every failing section is reported
// together in one combined error.
func TestMultipleErrorsCombined(t *testing.T) {
	config := validBaseConfig()
	config.App.LogLevel = "bogus"
	config.Server.Port = -5

	err := ValidateConfig(config)
	if err == nil {
		t.Fatal("expected combined validation error")
	}
	if !strings.Contains(err.Error(), "invalid log level") || !strings.Contains(err.Error(), "invalid server port") {
		t.Errorf("expected both errors combined, got: %v", err)
	}
}
