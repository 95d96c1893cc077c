package ingestion

import (
	"context"
	"errors"

	"github.com/rs/zerolog"

	"QuantaLedger/internal/observability"
	"QuantaLedger/internal/quantum"
)

// Pump drains raw requests, parses them, and drives the sequencing engine.
// Each produced quantum is handed to the broadcast callback for fan-out to
// the auditors.
type Pump struct {
	requestChan <-chan RawRequest
	engine      *quantum.Engine
	broadcast   func(q *quantum.Quantum)
	log         zerolog.Logger
	metrics     *observability.Metrics
}

func NewPump(requestChan <-chan RawRequest, engine *quantum.Engine, broadcast func(q *quantum.Quantum), logger zerolog.Logger, metrics *observability.Metrics) *Pump {
	return &Pump{
		requestChan: requestChan,
		engine:      engine,
		broadcast:   broadcast,
		log:         logger.With().Str("component", "request_pump").Logger(),
		metrics:     metrics,
	}
}

// Run processes requests until the context is cancelled or the channel
// closes.
func (pp *Pump) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case raw, ok := <-pp.requestChan:
			if !ok {
				return nil
			}
			pp.handle(raw)
		}
	}
}

func (pp *Pump) handle(raw RawRequest) {
	env, err := ParseRawRequest(raw)
	if err != nil {
		// Malformed payloads never become valid; redelivery would loop.
		if pp.metrics != nil {
			pp.metrics.IngestParseErrors.WithLabelValues(raw.Kind).Inc()
		}
		pp.log.Warn().Err(err).Str("subject", raw.Subject).Msg("unparseable request")
		raw.Ack()
		return
	}

	q, err := pp.engine.SubmitRequest(env)
	switch {
	case err == nil:
		raw.Ack()
		if pp.broadcast != nil {
			pp.broadcast(q)
		}
	case errors.Is(err, quantum.ErrRejected):
		// Definitive outcome; the result channel already carries the
		// typed rejection for the client.
		raw.Ack()
	case errors.Is(err, quantum.ErrNotAccepting):
		// Node is chasing or failing over; let JetStream redeliver.
		raw.Nak()
	default:
		pp.log.Error().Err(err).Str("request_id", env.RequestID.String()).
			Msg("request processing failed")
		raw.Nak()
	}
}
