package eventlog

import (
	"context"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/IBM/sarama"
	"github.com/sirupsen/logrus"
	"github.com/xdg-go/scram"

	"lineagetrace/pkg/circuit_breaker"
	apperrors "lineagetrace/pkg/errors"
	"lineagetrace/pkg/throttling"
)

// ReporterConfig configures the process-wide event reporter.
type ReporterConfig struct {
	Kafka           KafkaTransportConfig
	SidecarPath     string // live-subscription JSON-lines sidecar; "" disables it
	Breaker         circuit_breaker.Config
	Throttle        throttling.Config
}

// KafkaTransportConfig mirrors internal/config.KafkaConfig's fields; it
// carries no YAML tags, and internal/app copies the values across.
type KafkaTransportConfig struct {
	Enabled          bool
	Brokers          []string
	Topic            string
	ClientID         string
	CompressionCodec string // "none", "snappy", "lz4", "gzip"
	SASLEnabled      bool
	SASLMechanism    string // "plain", "scram-sha-256", "scram-sha-512"
	SASLUsername     string
	SASLPassword     string
}

// EventReporter is the process-wide, single-writer actor that carries newly
// produced event log entries off the driver: to a Kafka topic for
// cross-node reporting, and to a local sidecar file for same-host live
// subscribers. Reads and writes are serialized through a mutex per §5's
// "single-writer actor" contract.
type EventReporter struct {
	cfg      ReporterConfig
	logger   *logrus.Logger
	producer sarama.AsyncProducer
	breaker  circuit_breaker.CircuitBreaker
	throttle *throttling.AdaptiveThrottler

	mu       sync.Mutex
	sidecar  *os.File
	isMaster bool
	started  bool
}

// NewEventReporter constructs a reporter. The Kafka producer and sidecar
// file are not opened until Init is called.
func NewEventReporter(cfg ReporterConfig, logger *logrus.Logger) *EventReporter {
	return &EventReporter{
		cfg:     cfg,
		logger:  logger,
		breaker: circuit_breaker.New(cfg.Breaker),
		throttle: throttling.NewAdaptiveThrottler(cfg.Throttle, logger),
	}
}

// Init brings the reporter up: opens the Kafka producer (if configured) and
// the live sidecar file, and records whether this process is the lineage
// master for entries that care about origin. Mirrors the "init(isMaster)"
// lifecycle call from §9's process-wide event reporter design note.
func (r *EventReporter) Init(isMaster bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.started {
		return nil
	}
	r.isMaster = isMaster

	if r.cfg.Kafka.Enabled {
		producer, err := newKafkaProducer(r.cfg.Kafka)
		if err != nil {
			return apperrors.EngineFailure("eventlog", "Init", err)
		}
		r.producer = producer
		go r.drainProducerResponses()
	}

	if r.cfg.SidecarPath != "" {
		f, err := os.OpenFile(r.cfg.SidecarPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return apperrors.LogIoFailure("eventlog", "Init", err)
		}
		r.sidecar = f
	}

	r.started = true
	r.logger.WithFields(logrus.Fields{
		"is_master":    isMaster,
		"kafka":        r.cfg.Kafka.Enabled,
		"sidecar_path": r.cfg.SidecarPath,
	}).Info("event reporter initialized")
	return nil
}

// Stop closes the Kafka producer and sidecar file, and stops the throttler.
func (r *EventReporter) Stop() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.started {
		return nil
	}
	r.started = false

	r.throttle.Stop()

	var firstErr error
	if r.producer != nil {
		if err := r.producer.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if r.sidecar != nil {
		if err := r.sidecar.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if firstErr != nil {
		return apperrors.LogIoFailure("eventlog", "Stop", firstErr)
	}
	return nil
}

// Report appends entry to the live sidecar (if configured) and publishes it
// to the Kafka topic (if enabled), after first pausing for the adaptive
// throttler, which is given no reading of the producer's queue depth. The
// circuit breaker wraps only the hand-off onto the producer's input
// channel, which reports no error itself; delivery failures arrive
// asynchronously, are handled by drainProducerResponses, and do not count
// against the breaker.
func (r *EventReporter) Report(ctx context.Context, entry Entry) error {
	r.throttle.Throttle(ctx)

	payload, err := json.Marshal(entry)
	if err != nil {
		return apperrors.LogIoFailure("eventlog", "Report", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	sidecar := r.sidecar
	producer := r.producer

	if sidecar != nil {
		line := append(append([]byte(nil), payload...), '\n')
		if _, err := sidecar.Write(line); err != nil {
			return apperrors.LogIoFailure("eventlog", "Report", err)
		}
	}

	if producer != nil {
		err := r.breaker.Execute(func() error {
			producer.Input() <- &sarama.ProducerMessage{
				Topic: r.cfg.Kafka.Topic,
				Value: sarama.ByteEncoder(payload),
			}
			return nil
		})
		if err != nil {
			return apperrors.EngineFailure("eventlog", "Report", err)
		}
	}

	return nil
}

func (r *EventReporter) drainProducerResponses() {
	for {
		select {
		case success, ok := <-r.producer.Successes():
			if !ok {
				return
			}
			r.logger.WithFields(logrus.Fields{
				"topic":     success.Topic,
				"partition": success.Partition,
				"offset":    success.Offset,
			}).Trace("event log entry delivered to kafka")

		case perr, ok := <-r.producer.Errors():
			if !ok {
				return
			}
			r.logger.WithError(perr.Err).Warn("event log entry failed to publish to kafka")
		}
	}
}

func newKafkaProducer(cfg KafkaTransportConfig) (sarama.AsyncProducer, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka transport: no brokers configured")
	}
	if cfg.Topic == "" {
		return nil, fmt.Errorf("kafka transport: no topic configured")
	}

	saramaConfig := sarama.NewConfig()
	saramaConfig.Producer.Return.Successes = true
	saramaConfig.Producer.Return.Errors = true
	if cfg.ClientID != "" {
		saramaConfig.ClientID = cfg.ClientID
	}

	switch strings.ToLower(cfg.CompressionCodec) {
	case "snappy":
		saramaConfig.Producer.Compression = sarama.CompressionSnappy
	case "lz4":
		saramaConfig.Producer.Compression = sarama.CompressionLZ4
	case "gzip":
		saramaConfig.Producer.Compression = sarama.CompressionGZIP
	default:
		saramaConfig.Producer.Compression = sarama.CompressionNone
	}

	if cfg.SASLEnabled {
		saramaConfig.Net.SASL.Enable = true
		saramaConfig.Net.SASL.User = cfg.SASLUsername
		saramaConfig.Net.SASL.Password = cfg.SASLPassword

		switch strings.ToLower(cfg.SASLMechanism) {
		case "plain":
			saramaConfig.Net.SASL.Mechanism = sarama.SASLTypePlaintext
		case "scram-sha-256":
			saramaConfig.Net.SASL.Mechanism = sarama.SASLTypeSCRAMSHA256
			saramaConfig.Net.SASL.SCRAMClientGeneratorFunc = func() sarama.SCRAMClient {
				return &xdgSCRAMClient{HashGeneratorFcn: scramSHA256}
			}
		case "scram-sha-512":
			saramaConfig.Net.SASL.Mechanism = sarama.SASLTypeSCRAMSHA512
			saramaConfig.Net.SASL.SCRAMClientGeneratorFunc = func() sarama.SCRAMClient {
				return &xdgSCRAMClient{HashGeneratorFcn: scramSHA512}
			}
		default:
			return nil, fmt.Errorf("kafka transport: unknown sasl mechanism %q", cfg.SASLMechanism)
		}
	}

	return sarama.NewAsyncProducer(cfg.Brokers, saramaConfig)
}

var (
	scramSHA256 scram.HashGeneratorFcn = sha256.New
	scramSHA512 scram.HashGeneratorFcn = sha512.New
)

// xdgSCRAMClient adapts github.com/xdg-go/scram to sarama.SCRAMClient.
type xdgSCRAMClient struct {
	*scram.Client
	*scram.ClientConversation
	scram.HashGeneratorFcn
}

func (x *xdgSCRAMClient) Begin(userName, password, authzID string) (err error) {
	x.Client, err = x.HashGeneratorFcn.NewClient(userName, password, authzID)
	if err != nil {
		return err
	}
	x.ClientConversation = x.Client.NewConversation()
	return nil
}

func (x *xdgSCRAMClient) Step(challenge string) (response string, err error) {
	return x.ClientConversation.Step(challenge)
}

func (x *xdgSCRAMClient) Done() bool {
	return x.ClientConversation.Done()
}
