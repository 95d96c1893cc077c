package peersync

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"QuantaLedger/internal/consensus"
	"QuantaLedger/internal/observability"
	"QuantaLedger/internal/quantum"
	"QuantaLedger/internal/transport"
)

const (
	// DefaultBatchLimit bounds one sync response.
	DefaultBatchLimit = 200
	// DefaultPollInterval is how often the gap to the peer is re-evaluated.
	DefaultPollInterval = 2 * time.Second
)

// SendFunc pushes a message down the peer link.
type SendFunc func(t transport.MessageType, v interface{}) error

// Syncer watches the gap between the local apex and the peer's announced
// apex, drives the node state hysteresis, and pulls missing quanta in
// batches while the node is chasing.
type Syncer struct {
	engine    *quantum.Engine
	nodeState *consensus.StateManager
	send      SendFunc
	batch     int
	interval  time.Duration
	log       zerolog.Logger
	metrics   *observability.Metrics

	remoteApex atomic.Uint64
	inFlight   atomic.Bool

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewSyncer(
	engine *quantum.Engine,
	nodeState *consensus.StateManager,
	send SendFunc,
	logger zerolog.Logger,
	metrics *observability.Metrics,
) *Syncer {
	return &Syncer{
		engine:    engine,
		nodeState: nodeState,
		send:      send,
		batch:     DefaultBatchLimit,
		interval:  DefaultPollInterval,
		log:       logger.With().Str("component", "peersync").Logger(),
		metrics:   metrics,
	}
}

// SetBatchLimit overrides the per-request batch size.
func (s *Syncer) SetBatchLimit(limit int) {
	if limit > 0 {
		s.batch = limit
	}
}

// Start launches the gap-polling loop.
func (s *Syncer) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.run(ctx)
}

func (s *Syncer) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

// RecordPeerApex notes the peer's latest announced apex.
func (s *Syncer) RecordPeerApex(apex uint64) {
	for {
		cur := s.remoteApex.Load()
		if apex <= cur {
			return
		}
		if s.remoteApex.CompareAndSwap(cur, apex) {
			return
		}
	}
}

func (s *Syncer) run(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.evaluate()
		}
	}
}

func (s *Syncer) evaluate() {
	local := s.engine.Apex()
	remote := s.remoteApex.Load()

	var gap uint64
	if remote > local {
		gap = remote - local
	}
	s.nodeState.ObserveGap(gap)

	if s.nodeState.Status() == consensus.StatusChasing {
		s.requestBatch(local)
	}
}

// requestBatch sends at most one sync request at a time; the response
// handler releases the slot.
func (s *Syncer) requestBatch(after uint64) {
	if !s.inFlight.CompareAndSwap(false, true) {
		return
	}
	err := s.send(transport.MsgSyncRequest, transport.SyncRequest{
		AfterApex: after,
		Limit:     s.batch,
	})
	if err != nil {
		s.inFlight.Store(false)
		s.log.Warn().Err(err).Uint64("after", after).Msg("sync request failed")
	}
}

// HandleSyncResponse replays the delivered quanta and immediately pulls
// the next batch when the node is still behind.
func (s *Syncer) HandleSyncResponse(resp transport.SyncResponse) {
	s.inFlight.Store(false)
	s.RecordPeerApex(resp.LastApex)

	applied := 0
	for _, q := range resp.Quanta {
		if q.Apex <= s.engine.Apex() {
			continue
		}
		if err := s.engine.Replay(q); err != nil {
			s.log.Error().Err(err).Uint64("apex", q.Apex).Msg("sync replay failed")
			return
		}
		applied++
		if s.metrics != nil {
			s.metrics.PeerSyncQuanta.Inc()
		}
	}
	if applied > 0 {
		s.log.Info().Int("quanta", applied).Uint64("apex", s.engine.Apex()).
			Msg("applied sync batch")
	}

	s.evaluate()
}
