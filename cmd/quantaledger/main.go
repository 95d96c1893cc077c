package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"QuantaLedger/internal/config"
	"QuantaLedger/internal/consensus"
	"QuantaLedger/internal/ingestion"
	"QuantaLedger/internal/ledger"
	"QuantaLedger/internal/observability"
	"QuantaLedger/internal/peersync"
	"QuantaLedger/internal/persistence"
	"QuantaLedger/internal/quantum"
	"QuantaLedger/internal/transport"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the node configuration")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	level, lerr := zerolog.ParseLevel(cfg.Logging.Level)
	if lerr != nil {
		level = zerolog.InfoLevel
	}
	var logger zerolog.Logger
	if cfg.Logging.File != "" {
		logger = observability.NewFileLogger("quantaledger", cfg.Logging.File, cfg.Logging.MaxSizeMB, cfg.Logging.MaxBackups)
	} else {
		logger = observability.NewLoggerWithLevel("quantaledger", level)
	}

	logger.Info().Str("role", cfg.Node.Role).Msg("quantaledger starting")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	metrics := observability.NewMetrics()
	health := observability.NewHealthChecker()

	nodeState := consensus.NewStateManager(logger, metrics)
	if err := nodeState.SetChaseGaps(cfg.Sync.ChaseEnterGap, cfg.Sync.ChaseExitGap); err != nil {
		logger.Fatal().Err(err).Msg("invalid chase gaps")
	}
	if err := nodeState.Transition(consensus.StatusWaitingForInit); err != nil {
		logger.Fatal().Err(err).Msg("node state init")
	}
	health.SetStatus(nodeState.Status().String())

	// --- Identity ---
	signingKey, nodeKey, err := config.LoadNodeKey(cfg.Node.KeyFile)
	if err != nil {
		logger.Fatal().Err(err).Msg("load node key")
	}

	settings, err := cfg.Settings()
	if err != nil {
		logger.Fatal().Err(err).Msg("parse constellation settings")
	}

	role := quantum.RoleAuditor
	if cfg.IsAlpha() {
		role = quantum.RoleAlpha
		if nodeKey != settings.Alpha {
			logger.Fatal().Str("node", nodeKey.String()).Str("alpha", settings.Alpha.String()).
				Msg("node key does not match the configured alpha key")
		}
	}

	// --- Postgres ---
	db, err := persistence.Open(cfg.Postgres.DSN)
	if err != nil {
		logger.Fatal().Err(err).Msg("postgres open")
	}
	defer db.Close()

	if err := db.PingContext(ctx); err != nil {
		logger.Fatal().Err(err).Msg("postgres ping")
	}

	migrator := persistence.NewMigrator(db, cfg.Postgres.MigrationsDir, logger)
	if err := migrator.Up(ctx); err != nil {
		logger.Fatal().Err(err).Msg("run migrations")
	}

	store := persistence.NewStore(db)
	snapMgr := persistence.NewSnapshotManager(db)

	if err := nodeState.Transition(consensus.StatusRising); err != nil {
		logger.Fatal().Err(err).Msg("node state rising")
	}
	health.SetStatus(nodeState.Status().String())

	// --- Recovery: snapshot restore ---
	snap, err := snapMgr.LoadLatestSnapshot(ctx)
	if err != nil {
		logger.Fatal().Err(err).Msg("load snapshot")
	}

	var st *ledger.State
	hasher := quantum.NewHasher()
	startApex := uint64(0)
	if snap != nil {
		st, err = snap.Restore()
		if err != nil {
			logger.Fatal().Err(err).Msg("restore snapshot")
		}
		var tip [32]byte
		copy(tip[:], snap.HashTip)
		hasher.Rewind(tip)
		startApex = snap.Apex
		logger.Info().Uint64("apex", snap.Apex).Int("accounts", len(snap.Accounts)).
			Msg("snapshot restored")
	} else {
		st = ledger.NewState(settings)
		logger.Info().Msg("no snapshot, cold start from genesis")
	}

	// --- Channels + engine ---
	persistChan := make(chan quantum.Output, 1024)
	resultChan := make(chan quantum.Result, 1024)
	metrics.SetChannelMetrics("persist", 0, 1024)
	metrics.SetChannelMetrics("result", 0, 1024)

	engine := quantum.NewEngine(quantum.EngineConfig{
		Role:        role,
		State:       st,
		SigningKey:  signingKey,
		NodeKey:     nodeKey,
		StartApex:   startApex,
		Hasher:      hasher,
		Gate:        nodeState,
		Metrics:     metrics,
		Logger:      logger,
		PersistChan: persistChan,
		ResultChan:  resultChan,
	})

	errChan := make(chan error, 10)

	// The persistence worker must be running before replay: the engine
	// re-emits every replayed quantum over the blocking persist channel, and
	// the batch insert absorbs duplicates.
	worker := persistence.NewWorker(store, persistChan, cfg.Persistence.BatchSize, cfg.FlushTimeout(), logger, metrics)
	go func() {
		errChan <- worker.Run(ctx)
	}()

	// --- Recovery: replay the quantum log above the snapshot ---
	replayed, err := replayQuantumLog(ctx, store, engine, metrics)
	if err != nil {
		logger.Fatal().Err(err).Msg("quantum log replay")
	}
	if replayed > 0 {
		logger.Info().Int("quanta", replayed).Uint64("apex", engine.Apex()).
			Msg("quantum log replayed")
	}

	// --- NATS ---
	nc, js, err := ingestion.ConnectNATS(cfg.NATS.URL, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("nats connect")
	}
	defer nc.Close()

	resultPublisher := ingestion.NewResultPublisher(js, resultChan, logger)

	settingsFn := func() ledger.Settings { return engine.State().Settings }

	var (
		peerServer *transport.Server
		peerClient *transport.Client
		subscriber *ingestion.Subscriber
		syncer     *peersync.Syncer
	)

	if role == quantum.RoleAlpha {
		// --- Finality accounting ---
		onFinal := func(q *quantum.Quantum, sigs []quantum.NodeSignature) {
			go func() {
				fctx, fcancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer fcancel()
				if err := store.MarkFinal(fctx, q.Apex, sigs); err != nil {
					logger.Error().Err(err).Uint64("apex", q.Apex).Msg("mark final failed")
				}
				if err := resultPublisher.PublishFinality(fctx, q); err != nil {
					logger.Warn().Err(err).Uint64("apex", q.Apex).Msg("finality publish failed")
				}
			}()
		}
		tracker := consensus.NewMajorityTracker(settings, onFinal, logger, metrics)

		responder := peersync.NewResponder(store, engine.Apex, logger, metrics)

		peerServer = transport.NewServer(nodeKey, settingsFn, engine.Apex, transport.Handlers{
			OnAttestation: func(p *transport.Peer, att quantum.Attestation) {
				metrics.AttestationsIn.Inc()
				if err := tracker.AddAttestation(att); err != nil {
					logger.Warn().Err(err).Msg("attestation rejected")
				}
			},
			OnSyncRequest: responder.HandleSyncRequest,
		}, logger, metrics)

		peerMux := http.NewServeMux()
		peerMux.HandleFunc("/peer", peerServer.Handler)
		peerHTTP := &http.Server{Addr: cfg.Node.ListenAddr, Handler: peerMux}
		go func() {
			<-ctx.Done()
			shutCtx, c := context.WithTimeout(context.Background(), 5*time.Second)
			defer c()
			peerHTTP.Shutdown(shutCtx)
		}()
		go func() {
			logger.Info().Str("addr", cfg.Node.ListenAddr).Msg("peer listener up")
			if err := peerHTTP.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				errChan <- fmt.Errorf("peer listener: %w", err)
			}
		}()

		// --- Client request ingestion ---
		if err := ingestion.EnsureStreams(ctx, js); err != nil {
			logger.Fatal().Err(err).Msg("ensure request stream")
		}
		if err := ingestion.EnsureResultStream(ctx, js); err != nil {
			logger.Fatal().Err(err).Msg("ensure result stream")
		}

		rawChan := make(chan ingestion.RawRequest, 4096)
		subscriber = ingestion.NewSubscriber(js, rawChan, logger, metrics)
		if err := subscriber.Subscribe(ctx, ingestion.DefaultSubjects()); err != nil {
			logger.Fatal().Err(err).Msg("nats subscribe")
		}

		broadcast := func(q *quantum.Quantum) {
			tracker.Track(q)
			peerServer.Broadcast(transport.MsgQuantum, q)
		}
		pump := ingestion.NewPump(rawChan, engine, broadcast, logger, metrics)
		go func() {
			errChan <- pump.Run(ctx)
		}()
		go func() {
			errChan <- resultPublisher.Run(ctx)
		}()

		go announceApex(ctx, peerServer, engine)
		go func() {
			ticker := time.NewTicker(30 * time.Second)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					tracker.PruneBelow(engine.Apex())
				}
			}
		}()

		if err := nodeState.Transition(consensus.StatusRunning); err != nil {
			logger.Fatal().Err(err).Msg("node state running")
		}
	} else {
		// --- Auditor: dial the alpha, attest, chase when behind ---
		handlers := transport.Handlers{
			OnQuantum: func(p *transport.Peer, q *quantum.Quantum) {
				syncer.RecordPeerApex(q.Apex)
				atts, err := engine.ObserveQuantum(q)
				if err != nil {
					logger.Error().Err(err).Uint64("apex", q.Apex).Msg("quantum verification failed")
				}
				for _, att := range atts {
					msg := transport.AttestationMsg{Apex: att.Apex, Node: att.Node, Signature: att.Signature}
					if err := peerClient.Send(transport.MsgAttestation, msg); err != nil {
						logger.Warn().Err(err).Uint64("apex", att.Apex).Msg("attestation send failed")
						break
					}
					metrics.AttestationsOut.Inc()
				}
			},
			OnApex: func(p *transport.Peer, apex uint64) {
				syncer.RecordPeerApex(apex)
			},
			OnSyncResponse: func(p *transport.Peer, resp transport.SyncResponse) {
				syncer.HandleSyncResponse(resp)
			},
			OnConnected: func(p *transport.Peer) {
				syncer.RecordPeerApex(p.LastApex())
			},
		}

		peerClient = transport.NewClient(cfg.Constellation.AlphaURL, nodeKey, signingKey,
			settings.Alpha, engine.Apex, handlers, logger, metrics)
		syncer = peersync.NewSyncer(engine, nodeState, peerClient.Send, logger, metrics)
		syncer.SetBatchLimit(int(cfg.Sync.BatchLimit))

		peerClient.Start(ctx)
		syncer.Start(ctx)

		if err := nodeState.Transition(consensus.StatusReady); err != nil {
			logger.Fatal().Err(err).Msg("node state ready")
		}
	}
	health.SetStatus(nodeState.Status().String())

	// --- Metrics + health HTTP ---
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		mux.HandleFunc("/healthz", health.LivenessHandler)
		mux.HandleFunc("/readyz", health.ReadinessHandler)
		srv := &http.Server{Addr: cfg.Node.MetricsAddr, Handler: mux}
		go func() {
			<-ctx.Done()
			shutCtx, c := context.WithTimeout(context.Background(), 5*time.Second)
			defer c()
			srv.Shutdown(shutCtx)
		}()
		logger.Info().Str("addr", cfg.Node.MetricsAddr).Msg("metrics listener up")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- fmt.Errorf("metrics listener: %w", err)
		}
	}()

	go runPeriodicSnapshots(ctx, engine, snapMgr, cfg.Persistence.SnapshotInterval, logger, metrics)

	health.SetReady(true)
	logger.Info().Uint64("apex", engine.Apex()).Str("status", nodeState.Status().String()).
		Msg("quantaledger ready")

	// --- Wait for shutdown ---
	select {
	case sig := <-sigChan:
		logger.Info().Str("signal", sig.String()).Msg("shutting down")
	case err := <-errChan:
		logger.Error().Err(err).Msg("component failed, shutting down")
	}

	cancel()
	health.SetReady(false)

	if subscriber != nil {
		subscriber.Stop()
	}
	if syncer != nil {
		syncer.Stop()
	}
	if peerClient != nil {
		peerClient.Stop()
	}
	if peerServer != nil {
		peerServer.Close()
	}

	// Final snapshot so the next start replays as little as possible.
	shutCtx, shutCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutCancel()
	if err := takeSnapshot(shutCtx, engine, snapMgr, metrics); err != nil {
		logger.Error().Err(err).Msg("final snapshot failed")
	} else {
		logger.Info().Uint64("apex", engine.Apex()).Msg("final snapshot saved")
	}

	nodeState.Stop()
	logger.Info().Msg("shutdown complete")
}

// replayQuantumLog applies persisted quanta above the engine's apex in
// batches until the log is exhausted.
func replayQuantumLog(ctx context.Context, store *persistence.Store, engine *quantum.Engine, metrics *observability.Metrics) (int, error) {
	const batchSize = 1000
	start := time.Now()
	total := 0

	for {
		quanta, err := store.LoadQuantaAbove(ctx, engine.Apex(), batchSize)
		if err != nil {
			return total, fmt.Errorf("load quanta above %d: %w", engine.Apex(), err)
		}
		if len(quanta) == 0 {
			break
		}
		for _, q := range quanta {
			if err := engine.Replay(q); err != nil {
				return total, fmt.Errorf("replay apex %d: %w", q.Apex, err)
			}
			total++
			metrics.ReplayQuantaTotal.Inc()
		}
	}

	metrics.ReplayDuration.Set(time.Since(start).Seconds())
	return total, nil
}

// announceApex periodically broadcasts the current apex so auditors can
// measure their gap even when no quanta are flowing.
func announceApex(ctx context.Context, server *transport.Server, engine *quantum.Engine) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			server.Broadcast(transport.MsgApexAnnounce, transport.ApexAnnounce{Apex: engine.Apex()})
		}
	}
}

// runPeriodicSnapshots captures the ledger every interval quanta.
func runPeriodicSnapshots(
	ctx context.Context,
	engine *quantum.Engine,
	snapMgr *persistence.SnapshotManager,
	interval int,
	logger zerolog.Logger,
	metrics *observability.Metrics,
) {
	lastApex := engine.Apex()
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			current := engine.Apex()
			if current-lastApex < uint64(interval) {
				continue
			}
			if err := takeSnapshot(ctx, engine, snapMgr, metrics); err != nil {
				logger.Warn().Err(err).Msg("periodic snapshot failed")
				continue
			}
			lastApex = current
			logger.Info().Uint64("apex", current).Msg("periodic snapshot saved")
		}
	}
}

// takeSnapshot quiesces the engine, captures the ledger, and persists it.
func takeSnapshot(ctx context.Context, engine *quantum.Engine, snapMgr *persistence.SnapshotManager, metrics *observability.Metrics) error {
	start := time.Now()

	var snap *persistence.SnapshotData
	engine.WithLocked(func(st *ledger.State, apex uint64, hashTip [32]byte) {
		snap = persistence.BuildSnapshot(st, apex, hashTip)
	})

	if err := snapMgr.SaveSnapshot(ctx, snap); err != nil {
		return err
	}

	metrics.SnapshotTaken.Inc()
	metrics.SnapshotDuration.Observe(time.Since(start).Seconds())
	metrics.SnapshotLastApex.Set(float64(snap.Apex))
	return nil
}
