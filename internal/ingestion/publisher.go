package ingestion

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"

	"QuantaLedger/internal/quantum"
)

const (
	ResultStream    = "QUANTA_RESULTS"
	resultSubjects  = "quanta.results.>"
	finalitySubject = "quanta.finality"
)

// resultWire is the outbound result notification.
type resultWire struct {
	RequestID string `json:"request_id"`
	Account   string `json:"account"`
	Apex      uint64 `json:"apex,omitempty"`
	OrderID   uint64 `json:"order_id,omitempty"`
	Rejected  bool   `json:"rejected"`
	Reason    string `json:"reason,omitempty"`
	Timestamp int64  `json:"timestamp_us"`
}

// finalityWire announces majority finality of a quantum.
type finalityWire struct {
	Apex       uint64 `json:"apex"`
	Hash       string `json:"hash"`
	Signatures int    `json:"signatures"`
	Timestamp  int64  `json:"timestamp_us"`
}

// ResultPublisher pushes request outcomes and finality announcements to
// downstream consumers. Publish failures are non-fatal: clients can always
// query the quantum log.
type ResultPublisher struct {
	js         jetstream.JetStream
	resultChan <-chan quantum.Result
	log        zerolog.Logger
}

func NewResultPublisher(js jetstream.JetStream, resultChan <-chan quantum.Result, logger zerolog.Logger) *ResultPublisher {
	return &ResultPublisher{
		js:         js,
		resultChan: resultChan,
		log:        logger.With().Str("component", "result_publisher").Logger(),
	}
}

// Run drains the result channel until the context is cancelled or the
// channel closes.
func (rp *ResultPublisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case res, ok := <-rp.resultChan:
			if !ok {
				return nil
			}
			if err := rp.publishResult(ctx, res); err != nil {
				rp.log.Warn().Err(err).Str("request_id", res.RequestID.String()).
					Msg("result publish failed")
			}
		}
	}
}

func (rp *ResultPublisher) publishResult(ctx context.Context, res quantum.Result) error {
	account := res.Account.String()
	data, err := json.Marshal(resultWire{
		RequestID: res.RequestID.String(),
		Account:   account,
		Apex:      res.Apex,
		OrderID:   res.OrderID,
		Rejected:  res.Rejected,
		Reason:    res.Reason,
		Timestamp: time.Now().UnixMicro(),
	})
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}

	subject := fmt.Sprintf("quanta.results.%s", account)
	_, err = rp.js.Publish(ctx, subject, data)
	return err
}

// PublishFinality announces a finalized quantum on the shared subject.
func (rp *ResultPublisher) PublishFinality(ctx context.Context, q *quantum.Quantum) error {
	data, err := json.Marshal(finalityWire{
		Apex:       q.Apex,
		Hash:       hex.EncodeToString(q.Hash[:]),
		Signatures: len(q.Signatures),
		Timestamp:  time.Now().UnixMicro(),
	})
	if err != nil {
		return fmt.Errorf("marshal finality: %w", err)
	}
	_, err = rp.js.Publish(ctx, finalitySubject, data)
	return err
}

// EnsureResultStream creates the outbound stream if missing.
func EnsureResultStream(ctx context.Context, js jetstream.JetStream) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      ResultStream,
		Subjects:  []string{resultSubjects, finalitySubject},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.LimitsPolicy,
		MaxAge:    72 * time.Hour,
		Replicas:  1,
	})
	if err != nil {
		return fmt.Errorf("create stream %s: %w", ResultStream, err)
	}
	return nil
}
