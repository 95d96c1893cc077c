package persistence

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"QuantaLedger/internal/observability"
	"QuantaLedger/internal/quantum"
)

// Worker drains the engine's persist channel and batch-writes quanta to
// Postgres. The engine sends with a blocking write, so if this worker falls
// behind the core stalls rather than losing a quantum.
type Worker struct {
	store        *Store
	inputChan    <-chan quantum.Output
	batchSize    int
	flushTimeout time.Duration
	log          zerolog.Logger
	metrics      *observability.Metrics
}

func NewWorker(
	store *Store,
	inputChan <-chan quantum.Output,
	batchSize int,
	flushTimeout time.Duration,
	logger zerolog.Logger,
	metrics *observability.Metrics,
) *Worker {
	return &Worker{
		store:        store,
		inputChan:    inputChan,
		batchSize:    batchSize,
		flushTimeout: flushTimeout,
		log:          logger.With().Str("component", "persist").Logger(),
		metrics:      metrics,
	}
}

// Run batches incoming quanta and flushes when the batch fills or the flush
// timeout expires. Blocks until ctx is cancelled or the channel closes; the
// pending batch is flushed either way.
func (w *Worker) Run(ctx context.Context) error {
	batch := make([]QuantumRow, 0, w.batchSize)

	timer := time.NewTimer(w.flushTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			if len(batch) > 0 {
				if err := w.store.WriteBatch(context.Background(), batch); err != nil {
					w.log.Error().Err(err).Msg("final flush failed")
				}
			}
			return ctx.Err()

		case out, ok := <-w.inputChan:
			if !ok {
				if len(batch) > 0 {
					if err := w.store.WriteBatch(context.Background(), batch); err != nil {
						w.log.Error().Err(err).Msg("final flush failed")
					}
				}
				return nil
			}

			row, err := RowFor(out.Quantum)
			if err != nil {
				// A quantum that cannot be serialized is a programming
				// error, not a transient fault.
				w.log.Error().Err(err).Uint64("apex", out.Quantum.Apex).Msg("unserializable quantum")
				continue
			}
			batch = append(batch, row)

			if len(batch) >= w.batchSize {
				w.flushWithRetry(ctx, batch)
				batch = batch[:0]
				timer.Reset(w.flushTimeout)
			}

		case <-timer.C:
			if len(batch) > 0 {
				w.flushWithRetry(ctx, batch)
				batch = batch[:0]
			}
			timer.Reset(w.flushTimeout)
		}
	}
}

// flushWithRetry retries with exponential backoff until the write succeeds
// or the context is cancelled. The worker never drops a quantum; on
// shutdown it makes one final attempt with a fresh context.
func (w *Worker) flushWithRetry(ctx context.Context, batch []QuantumRow) {
	backoff := 100 * time.Millisecond
	const maxBackoff = 30 * time.Second

	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			w.log.Warn().Int("attempt", attempt).Dur("backoff", backoff).
				Int("quanta", len(batch)).Msg("persistence retry")
			if w.metrics != nil {
				w.metrics.PersistRetry.Inc()
			}
			select {
			case <-ctx.Done():
				if err := w.store.WriteBatch(context.Background(), batch); err != nil {
					w.log.Error().Err(err).Msg("final flush on shutdown failed")
				}
				return
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
		}

		start := time.Now()
		err := w.store.WriteBatch(ctx, batch)
		if err == nil {
			if attempt > 0 {
				w.log.Info().Int("attempts", attempt).Msg("persistence flush recovered")
			}
			if w.metrics != nil {
				w.metrics.PersistBatchDur.Observe(time.Since(start).Seconds())
				w.metrics.PersistBatchSize.Observe(float64(len(batch)))
				w.metrics.PersistQuantaWritten.Add(float64(len(batch)))
				w.metrics.PersistLastApex.Set(float64(batch[len(batch)-1].Apex))
			}
			return
		}
		if w.metrics != nil {
			w.metrics.PersistErrors.WithLabelValues("write_batch").Inc()
		}
	}
}
