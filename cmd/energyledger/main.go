package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	goredislib "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"golang.org/x/sync/errgroup"

	"EnergyLedger/internal/config"
	"EnergyLedger/internal/core"
	"EnergyLedger/internal/custody"
	"EnergyLedger/internal/event"
	"EnergyLedger/internal/ingestion"
	"EnergyLedger/internal/lock"
	"EnergyLedger/internal/observability"
	"EnergyLedger/internal/persistence"
	"EnergyLedger/internal/query"
	"EnergyLedger/internal/server"
	"EnergyLedger/internal/store"
	"EnergyLedger/migrations"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	logger := observability.New(os.Stdout, "energyledger", observability.ParseLogLevel(cfg.LogLevel))
	if err := run(cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("EnergyLedger stopped")
	}
	logger.Info().Msg("EnergyLedger shutdown complete")
}

func run(cfg config.Config, logger zerolog.Logger) error {
	logger.Info().
		Str("store", cfg.StoreDriver).
		Str("lock", cfg.LockDriver).
		Str("custody", cfg.CustodyDriver).
		Bool("nats", cfg.NATSEnabled).
		Msg("EnergyLedger starting")

	// --- Context with graceful shutdown ---
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Observability ---
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := observability.NewMetrics(reg)
	healthChecker := observability.NewHealthChecker()

	var traceOut io.Writer
	if cfg.TraceStdout {
		traceOut = os.Stdout
	}
	tp, err := observability.NewTracerProvider("energyledger", traceOut)
	if err != nil {
		return err
	}
	otel.SetTracerProvider(tp)
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = observability.ShutdownTracerProvider(shutdownCtx, tp)
	}()

	// --- Storage ---
	var (
		st         store.Store
		db         *sql.DB
		dbChecker  *persistence.PostgresIdempotencyChecker
		memChecker *store.MemoryStore
		startSeq   int64
		warmRecent []event.OperationRecord
	)
	switch cfg.StoreDriver {
	case "postgres":
		db, err = openPostgres(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer db.Close()

		healthChecker.AddProbe("postgres", db.PingContext)
		st = store.NewPostgresStore(db)
		dbChecker = persistence.NewPostgresIdempotencyChecker(db)

		// Committed records the journal worker never flushed before a crash.
		if _, err := persistence.RecoverJournal(ctx, db, persistence.NewOperationLogWriter(db),
			cfg.JournalBatchSize, logger.With().Str("component", "journal").Logger()); err != nil {
			return err
		}

		if startSeq, err = dbChecker.MaxSequence(ctx); err != nil {
			return fmt.Errorf("load last sequence: %w", err)
		}
		if warmRecent, err = dbChecker.Recent(ctx, cfg.IdempotencyWarmRecords); err != nil {
			return fmt.Errorf("load recent records: %w", err)
		}
	default:
		memStore := store.NewMemoryStore()
		st = memStore
		memChecker = memStore
	}

	// --- Locking ---
	var locker lock.Locker
	switch cfg.LockDriver {
	case "redis":
		rdb := goredislib.NewClient(&goredislib.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis ping: %w", err)
		}
		healthChecker.AddProbe("redis", func(ctx context.Context) error { return rdb.Ping(ctx).Err() })
		locker = lock.NewRedisLocker(rdb, cfg.RedisLock(), logger.With().Str("component", "lock").Logger())
		logger.Info().Str("addr", cfg.RedisAddr).Msg("Redis connected")
	default:
		locker = lock.NewLocalLocker()
	}

	// --- NATS ---
	var (
		nc *nats.Conn
		js jetstream.JetStream
	)
	if cfg.NATSEnabled {
		nc, js, err = ingestion.ConnectNATS(cfg.NATSURL, logger)
		if err != nil {
			return err
		}
		defer nc.Close()
		healthChecker.AddProbe("nats", func(context.Context) error {
			if !nc.IsConnected() {
				return errors.New("nats disconnected")
			}
			return nil
		})
		if err := ingestion.EnsureStreams(ctx, js); err != nil {
			return err
		}
		if err := ingestion.EnsureOutboundStream(ctx, js); err != nil {
			return err
		}
		logger.Info().Str("url", cfg.NATSURL).Msg("NATS connected")
	}

	// --- Custody ---
	var (
		transfer      custody.Transferer
		memoryCustody *custody.MemoryLedger
	)
	switch cfg.CustodyDriver {
	case "nats":
		remote := custody.NewNATSTransferer(nc, cfg.CustodyTransferSubject, cfg.CustodyProvisionSubject, cfg.CustodyTimeout)
		transfer = custody.NewBreakerTransferer(remote, cfg.Breaker(), logger.With().Str("component", "custody").Logger(),
			func(name string, to gobreaker.State) {
				metrics.BreakerState.WithLabelValues(name).Set(float64(to))
			})
	default:
		memoryCustody = custody.NewMemoryLedger()
		memoryCustody.SetUserGrant(cfg.CustodyUserGrant)
		transfer = memoryCustody
		if nc != nil {
			subs, err := custody.ServeNATS(nc, cfg.CustodyTransferSubject, cfg.CustodyProvisionSubject, memoryCustody,
				logger.With().Str("component", "custody").Logger())
			if err != nil {
				return err
			}
			defer func() {
				for _, s := range subs {
					_ = s.Drain()
				}
			}()
		}
	}

	// --- Idempotency ---
	var tier2 core.DBIdempotencyChecker
	switch {
	case dbChecker != nil:
		tier2 = dbChecker
	case memChecker != nil:
		tier2 = memChecker
	}
	idem, err := core.NewIdempotencyChecker(cfg.IdempotencyLRUCapacity, tier2, metrics, logger.With().Str("component", "idempotency").Logger())
	if err != nil {
		return err
	}
	if len(warmRecent) > 0 {
		idem.Warm(warmRecent)
		logger.Info().Int("records", len(warmRecent)).Msg("idempotency cache warmed")
	}

	// --- Channels ---
	// The journal channel blocks (backpressure); the publish channel drops.
	var journalChan, publishChan chan event.OperationRecord
	engineOpts := []core.Option{
		core.WithMetrics(metrics),
		core.WithTracerProvider(tp),
		core.WithLogger(logger.With().Str("component", "engine").Logger()),
		core.WithStartSequence(startSeq),
		core.WithCompensationTimeout(cfg.CompensationTimeout),
	}
	if db != nil {
		journalChan = make(chan event.OperationRecord, cfg.JournalChanSize)
		engineOpts = append(engineOpts, core.WithJournal(journalChan))
	}
	if js != nil {
		publishChan = make(chan event.OperationRecord, cfg.PublishChanSize)
		engineOpts = append(engineOpts, core.WithPublisher(publishChan))
	}

	// --- Core ---
	engine := core.NewEngine(st, locker, transfer, idem, engineOpts...)

	queryOpts := []query.Option{
		query.WithMetrics(metrics),
		query.WithLogger(logger.With().Str("component", "query").Logger()),
	}
	if memoryCustody != nil {
		queryOpts = append(queryOpts, query.WithCustody(memoryCustody))
	}
	queries := query.NewQueryService(st, locker, engine.Sequence, queryOpts...)

	grpcServer := server.NewGRPCServer(cfg.GRPCAddr, cfg.HTTPAddr, &server.ServerDeps{
		Service:       server.NewBatteryService(engine, queries, metrics, logger.With().Str("component", "grpc").Logger()),
		HealthChecker: healthChecker,
		Gatherer:      reg,
		Logger:        logger.With().Str("component", "server").Logger(),
	})

	// --- Output workers ---
	// They outlive ctx so records already in the channels are flushed after
	// ingress stops.
	outputs, outputsCtx := errgroup.WithContext(context.Background())
	if journalChan != nil {
		worker := persistence.NewJournalWorker(persistence.NewOperationLogWriter(db), journalChan,
			cfg.JournalBatchSize, cfg.JournalFlushInterval, metrics, logger.With().Str("component", "journal").Logger())
		outputs.Go(func() error { return worker.Run(outputsCtx) })
	}
	if publishChan != nil {
		publisher := ingestion.NewOutboundPublisher(js, publishChan, logger.With().Str("component", "publisher").Logger())
		outputs.Go(func() error { return publisher.Run(outputsCtx) })
	}

	// --- Ingress ---
	ingress, ingressCtx := errgroup.WithContext(ctx)
	ingress.Go(func() error { return grpcServer.StartGRPC(ingressCtx) })
	ingress.Go(func() error { return grpcServer.StartHTTPGateway(ingressCtx) })
	ingress.Go(func() error {
		reportChannels(ingressCtx, metrics, map[string]chan event.OperationRecord{
			"journal": journalChan,
			"publish": publishChan,
		})
		return nil
	})

	var subscriber *ingestion.NATSSubscriber
	if js != nil {
		rawChan := make(chan ingestion.RawEvent, cfg.IngestBufferSize)
		subscriber = ingestion.NewNATSSubscriber(js, rawChan, logger.With().Str("component", "subscriber").Logger())
		if err := subscriber.Subscribe(ingressCtx, ingestion.DefaultSubjects()); err != nil {
			return err
		}
		processor := ingestion.NewProcessor(engine, rawChan, cfg.IngestWorkers, metrics, logger.With().Str("component", "processor").Logger())
		ingress.Go(func() error {
			if err := processor.Run(ingressCtx); !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		})
	}

	healthChecker.SetReady(true)
	logger.Info().
		Int64("sequence", startSeq).
		Str("grpc", cfg.GRPCAddr).
		Str("http", cfg.HTTPAddr).
		Msg("EnergyLedger ready")

	// --- Wait for shutdown ---
	<-ingressCtx.Done()
	healthChecker.SetReady(false)
	logger.Info().Msg("shutting down")

	if subscriber != nil {
		subscriber.Stop()
	}
	ingressErr := ingress.Wait()

	drainCtx, cancelDrain := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelDrain()
	if err := engine.Close(drainCtx); err != nil {
		// Operations are still running and may yet send; leave the channels open.
		logger.Error().Err(err).Msg("engine did not drain, journal may be incomplete")
		return errors.Join(ingressErr, err)
	}

	// The engine is closed, so nothing sends on the output channels any more.
	if journalChan != nil {
		close(journalChan)
	}
	if publishChan != nil {
		close(publishChan)
	}
	outputsErr := waitTimeout(outputs, 30*time.Second)

	return errors.Join(ingressErr, outputsErr)
}

func openPostgres(ctx context.Context, cfg config.Config, logger zerolog.Logger) (*sql.DB, error) {
	db, err := sql.Open("postgres", cfg.PostgresDSN)
	if err != nil {
		return nil, fmt.Errorf("postgres open: %w", err)
	}

	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}
	logger.Info().Msg("Postgres connected")

	if cfg.AutoMigrate {
		if err := migrateUp(cfg.PostgresDSN, logger); err != nil {
			db.Close()
			return nil, err
		}
	}
	return db, nil
}

// migrateUp runs on its own connection pool; closing the migrator closes it.
func migrateUp(dsn string, logger zerolog.Logger) error {
	mdb, err := sql.Open("postgres", dsn)
	if err != nil {
		return fmt.Errorf("postgres open: %w", err)
	}
	migrator, err := persistence.NewMigrator(mdb, migrations.FS, logger.With().Str("component", "migrate").Logger())
	if err != nil {
		mdb.Close()
		return err
	}
	defer migrator.Close()
	return migrator.Up()
}

func reportChannels(ctx context.Context, metrics *observability.Metrics, chans map[string]chan event.OperationRecord) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for name, ch := range chans {
				if ch != nil {
					metrics.SetChannelMetrics(name, len(ch), cap(ch))
				}
			}
		}
	}
}

func waitTimeout(g *errgroup.Group, d time.Duration) error {
	done := make(chan error, 1)
	go func() { done <- g.Wait() }()
	select {
	case err := <-done:
		return err
	case <-time.After(d):
		return fmt.Errorf("output workers did not drain within %s", d)
	}
}
