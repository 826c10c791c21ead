// Package kafka consumes events from a Kafka topic with at-least-once
// delivery into the dispatcher.
package kafka

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"alert-dispatcher/config"
	"alert-dispatcher/internal/broker"
	"alert-dispatcher/internal/logger"
	"alert-dispatcher/internal/metrics"
)

const (
	Name = "kafka"

	FormatJSON     = "json"
	FormatProtobuf = "protobuf"

	// MaxPollWait bounds how long a fetch waits for new data.
	MaxPollWait = 500 * time.Millisecond
	// CommitInterval is zero so offsets are committed synchronously.
	CommitInterval = 0
)

// Reader is the part of *kafka.Reader the source uses.
type Reader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Source reads messages from one topic. An offset is committed only after
// the event was accepted by the sink or turned out to be undecodable, so a
// full queue holds the partition instead of dropping events.
type Source struct {
	reader    Reader
	topic     string
	format    string
	handler   *broker.Handler
	logger    *logger.Logger
	metrics   *metrics.Metrics
	retryWait time.Duration

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// ParseBrokers splits a comma separated broker list.
func ParseBrokers(brokers string) []string {
	if brokers == "" {
		return nil
	}
	list := strings.Split(brokers, ",")
	for i := range list {
		list[i] = strings.TrimSpace(list[i])
	}
	return list
}

// NewReaderConfig returns the consumer group configuration.
func NewReaderConfig(brokers []string, topic, groupID string) kafka.ReaderConfig {
	return kafka.ReaderConfig{
		Brokers:        brokers,
		Topic:          topic,
		GroupID:        groupID,
		MinBytes:       1,
		MaxBytes:       10e6,
		MaxWait:        MaxPollWait,
		CommitInterval: CommitInterval,
		StartOffset:    kafka.FirstOffset,
	}
}

// NewSource creates a consumer group reader for cfg.Topic.
func NewSource(cfg config.KafkaConfig, sink broker.Sink, log *logger.Logger, m *metrics.Metrics) (*Source, error) {
	if cfg.Brokers == "" || cfg.Topic == "" || cfg.GroupID == "" {
		return nil, errors.New("kafka brokers, topic and groupId are required")
	}

	brokers := ParseBrokers(cfg.Brokers)
	log.Info("initializing kafka consumer",
		"brokers", brokers,
		"topic", cfg.Topic,
		"groupId", cfg.GroupID,
		"format", cfg.Format)

	reader := kafka.NewReader(NewReaderConfig(brokers, cfg.Topic, cfg.GroupID))
	return NewSourceWithReader(reader, cfg.Topic, cfg.Format, sink, log, m), nil
}

// NewSourceWithReader creates a source around an existing reader.
func NewSourceWithReader(reader Reader, topic, format string, sink broker.Sink, log *logger.Logger, m *metrics.Metrics) *Source {
	if format == "" {
		format = FormatJSON
	}
	return &Source{
		reader:    reader,
		topic:     topic,
		format:    format,
		handler:   broker.NewHandler(Name, sink, log, m),
		logger:    log,
		metrics:   m,
		retryWait: time.Second,
	}
}

func (s *Source) Name() string {
	return Name
}

// Start launches the consume loop.
func (s *Source) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel != nil {
		return errors.New("kafka source already started")
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})

	go s.run(runCtx)
	return nil
}

func (s *Source) run(ctx context.Context) {
	defer close(s.done)

	connected := false
	for {
		msg, err := s.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if connected {
				connected = false
				s.metrics.SetBrokerConnectionStatus(Name, false)
			}
			s.logger.Error("failed to fetch kafka message", "topic", s.topic, "error", err)
			if !sleep(ctx, s.retryWait) {
				return
			}
			continue
		}
		if !connected {
			connected = true
			s.metrics.SetBrokerConnectionStatus(Name, true)
		}

		if !s.handleMessage(ctx, msg) {
			return
		}

		if err := s.reader.CommitMessages(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return
			}
			s.logger.Error("failed to commit kafka offset",
				"topic", msg.Topic,
				"partition", msg.Partition,
				"offset", msg.Offset,
				"error", err)
		}
	}
}

// handleMessage decodes and delivers msg. It returns false only when ctx
// ended before the sink accepted the event.
func (s *Source) handleMessage(ctx context.Context, msg kafka.Message) bool {
	payload := msg.Value
	if s.format == FormatProtobuf {
		var err error
		payload, err = ProtobufToJSON(msg.Value)
		if err != nil {
			s.handler.CountDecodeError()
			s.logger.Warn("failed to decode protobuf event",
				"topic", msg.Topic,
				"offset", msg.Offset,
				"error", err)
			return true
		}
	}

	event, err := s.handler.Decode(msg.Topic, payload)
	if err != nil {
		return true
	}

	for {
		if err := s.handler.Deliver(msg.Topic, event); err == nil {
			return true
		}
		if !sleep(ctx, s.retryWait) {
			return false
		}
	}
}

// Close stops the consume loop and closes the reader.
func (s *Source) Close() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
	if err := s.reader.Close(); err != nil {
		s.logger.Error("error closing kafka consumer", "error", err)
	}
	s.metrics.SetBrokerConnectionStatus(Name, false)
}

// GetStats returns current source statistics
func (s *Source) GetStats() broker.Stats {
	return s.handler.GetStats()
}

// ProtobufToJSON converts a google.protobuf.Struct payload into the JSON
// event envelope.
func ProtobufToJSON(data []byte) ([]byte, error) {
	var st structpb.Struct
	if err := proto.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("invalid protobuf payload: %w", err)
	}
	return protojson.Marshal(&st)
}

// EncodeProtobuf is the inverse of ProtobufToJSON for an envelope map.
func EncodeProtobuf(envelope map[string]interface{}) ([]byte, error) {
	st, err := structpb.NewStruct(envelope)
	if err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}
	return proto.Marshal(st)
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
