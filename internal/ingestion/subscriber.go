// Package ingestion is the client-facing surface: signed requests arrive on
// NATS JetStream subjects, are parsed into envelopes, and results flow back
// out on account-scoped subjects.
package ingestion

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"

	"QuantaLedger/internal/observability"
)

const (
	RequestStream   = "QUANTA_REQUESTS"
	requestSubjects = "quanta.requests.>"
)

// RawRequest is a request off the wire, not yet validated. Ack confirms
// processing; Nak asks JetStream to redeliver.
type RawRequest struct {
	Subject  string
	Kind     string
	Data     []byte
	Received time.Time
	Ack      func()
	Nak      func()
}

// SubjectConfig maps one subject to a request kind and its durable consumer.
type SubjectConfig struct {
	Subject      string
	Kind         string
	ConsumerName string
}

// DefaultSubjects gives every request kind its own subject so consumers can
// scale independently.
func DefaultSubjects() []SubjectConfig {
	return []SubjectConfig{
		{Subject: "quanta.requests.order_place", Kind: "order_place", ConsumerName: "quanta-order-place"},
		{Subject: "quanta.requests.order_cancel", Kind: "order_cancel", ConsumerName: "quanta-order-cancel"},
		{Subject: "quanta.requests.payment", Kind: "payment", ConsumerName: "quanta-payment"},
		{Subject: "quanta.requests.withdrawal", Kind: "withdrawal", ConsumerName: "quanta-withdrawal"},
		{Subject: "quanta.requests.account_create", Kind: "account_create", ConsumerName: "quanta-account-create"},
		{Subject: "quanta.requests.settings_update", Kind: "settings_update", ConsumerName: "quanta-settings-update"},
	}
}

// Subscriber feeds raw requests from JetStream into the request channel.
type Subscriber struct {
	js          jetstream.JetStream
	requestChan chan<- RawRequest
	consumers   []jetstream.ConsumeContext
	log         zerolog.Logger
	metrics     *observability.Metrics
}

func NewSubscriber(js jetstream.JetStream, requestChan chan<- RawRequest, logger zerolog.Logger, metrics *observability.Metrics) *Subscriber {
	return &Subscriber{
		js:          js,
		requestChan: requestChan,
		log:         logger.With().Str("component", "nats_subscriber").Logger(),
		metrics:     metrics,
	}
}

// Subscribe creates a durable consumer per subject. Consumers use explicit
// ACK, ack_wait=30s, max_deliver=5.
func (s *Subscriber) Subscribe(ctx context.Context, subjects []SubjectConfig) error {
	for _, cfg := range subjects {
		cfg := cfg
		consumer, err := s.js.CreateOrUpdateConsumer(ctx, RequestStream, jetstream.ConsumerConfig{
			Durable:       cfg.ConsumerName,
			FilterSubject: cfg.Subject,
			AckPolicy:     jetstream.AckExplicitPolicy,
			AckWait:       30 * time.Second,
			MaxDeliver:    5,
			DeliverPolicy: jetstream.DeliverAllPolicy,
		})
		if err != nil {
			return fmt.Errorf("create consumer %s: %w", cfg.ConsumerName, err)
		}

		cc, err := consumer.Consume(func(msg jetstream.Msg) {
			if s.metrics != nil {
				s.metrics.IngestRequests.WithLabelValues(cfg.Kind).Inc()
			}
			raw := RawRequest{
				Subject:  msg.Subject(),
				Kind:     cfg.Kind,
				Data:     msg.Data(),
				Received: time.Now(),
				Ack:      func() { msg.Ack() },
				Nak:      func() { msg.Nak() },
			}
			select {
			case s.requestChan <- raw:
			case <-ctx.Done():
				msg.Nak()
			}
		})
		if err != nil {
			return fmt.Errorf("consume %s: %w", cfg.ConsumerName, err)
		}

		s.consumers = append(s.consumers, cc)
		s.log.Info().Str("subject", cfg.Subject).Str("consumer", cfg.ConsumerName).
			Msg("subscribed")
	}
	return nil
}

// Stop halts all consumers.
func (s *Subscriber) Stop() {
	for _, cc := range s.consumers {
		cc.Stop()
	}
	s.log.Info().Msg("nats consumers stopped")
}

// EnsureStreams creates the request stream if missing. FileStorage,
// limits retention, 72h max age.
func EnsureStreams(ctx context.Context, js jetstream.JetStream) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      RequestStream,
		Subjects:  []string{requestSubjects},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.LimitsPolicy,
		MaxAge:    72 * time.Hour,
		Replicas:  1,
	})
	if err != nil {
		return fmt.Errorf("create stream %s: %w", RequestStream, err)
	}
	return nil
}

// ConnectNATS opens a connection with unbounded reconnects and returns the
// JetStream handle.
func ConnectNATS(url string, logger zerolog.Logger) (*nats.Conn, jetstream.JetStream, error) {
	log := logger.With().Str("component", "nats").Logger()
	nc, err := nats.Connect(url,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn().Err(err).Msg("nats disconnected")
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			log.Info().Msg("nats reconnected")
		}),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("nats connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("jetstream: %w", err)
	}
	return nc, js, nil
}
