package peersync

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"QuantaLedger/internal/observability"
	"QuantaLedger/internal/persistence"
	"QuantaLedger/internal/transport"
)

const loadTimeout = 10 * time.Second

// Responder serves catch-up requests from the quantum log. It runs on the
// alpha, behind the peer server.
type Responder struct {
	store   *persistence.Store
	apexFn  func() uint64
	log     zerolog.Logger
	metrics *observability.Metrics
}

func NewResponder(store *persistence.Store, apexFn func() uint64, logger zerolog.Logger, metrics *observability.Metrics) *Responder {
	return &Responder{
		store:   store,
		apexFn:  apexFn,
		log:     logger.With().Str("component", "sync_responder").Logger(),
		metrics: metrics,
	}
}

// HandleSyncRequest loads quanta above the requested apex and streams one
// response back down the requesting link.
func (r *Responder) HandleSyncRequest(p *transport.Peer, req transport.SyncRequest) {
	limit := req.Limit
	if limit <= 0 || limit > DefaultBatchLimit {
		limit = DefaultBatchLimit
	}

	ctx, cancel := context.WithTimeout(context.Background(), loadTimeout)
	defer cancel()

	quanta, err := r.store.LoadQuantaAbove(ctx, req.AfterApex, limit)
	if err != nil {
		r.log.Error().Err(err).Uint64("after", req.AfterApex).Msg("sync load failed")
		return
	}

	resp := transport.SyncResponse{Quanta: quanta, LastApex: r.apexFn()}
	if err := p.Send(transport.MsgSyncResponse, resp); err != nil {
		r.log.Warn().Err(err).Str("peer", p.Node().String()).Msg("sync response send failed")
		return
	}

	r.log.Debug().Uint64("after", req.AfterApex).Int("quanta", len(quanta)).
		Msg("served sync batch")
}
