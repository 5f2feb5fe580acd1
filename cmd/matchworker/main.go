// Command matchworker consumes raw records from Kafka, matches them against
// snapshot-recovered datasets, persists the outcomes, and republishes them
// to the match-results topic.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/incredibeau/specific-affinity/internal/registry"
	"github.com/incredibeau/specific-affinity/internal/resolve"
	"github.com/incredibeau/specific-affinity/internal/store"
	"github.com/incredibeau/specific-affinity/pkg/config"
	"github.com/incredibeau/specific-affinity/pkg/kafka"
	"github.com/incredibeau/specific-affinity/pkg/logger"
	"github.com/incredibeau/specific-affinity/pkg/postgres"
	"github.com/incredibeau/specific-affinity/pkg/resilience"
)

const (
	batchSize     = 200
	flushInterval = 2 * time.Second
)

// ingestMessage is one record submitted for matching.
type ingestMessage struct {
	Dataset string         `json:"dataset"`
	Record  resolve.Record `json:"record"`
}

// worker buffers ingest messages per dataset and runs Infer in batches.
type worker struct {
	registry *registry.Registry
	store    *store.Store
	producer *kafka.Producer
	breaker  *resilience.CircuitBreaker

	mu      sync.Mutex
	pending map[string][]resolve.Record
	logger  *slog.Logger
}

func newWorker(reg *registry.Registry, st *store.Store, producer *kafka.Producer) *worker {
	return &worker{
		registry: reg,
		store:    st,
		producer: producer,
		breaker:  resilience.NewCircuitBreaker("match-results", resilience.CircuitBreakerConfig{}),
		pending:  make(map[string][]resolve.Record),
		logger:   slog.Default().With("component", "match-worker"),
	}
}

func (w *worker) handle(ctx context.Context, key []byte, value []byte) error {
	msg, err := kafka.DecodeJSON[ingestMessage](value)
	if err != nil {
		w.logger.Error("dropping undecodable ingest message", "error", err)
		return nil
	}
	if msg.Dataset == "" || msg.Record.ID == "" {
		w.logger.Warn("dropping ingest message without dataset or record id")
		return nil
	}

	w.mu.Lock()
	w.pending[msg.Dataset] = append(w.pending[msg.Dataset], msg.Record)
	full := len(w.pending[msg.Dataset]) >= batchSize
	w.mu.Unlock()

	if full {
		w.flush(ctx)
	}
	return nil
}

// flush drains the pending buffers and matches each dataset's batch.
func (w *worker) flush(ctx context.Context) {
	w.mu.Lock()
	batches := w.pending
	w.pending = make(map[string][]resolve.Record)
	w.mu.Unlock()

	for dataset, records := range batches {
		if err := w.processBatch(ctx, dataset, records); err != nil {
			w.logger.Error("batch processing failed",
				"dataset", dataset,
				"records", len(records),
				"error", err,
			)
		}
	}
}

func (w *worker) processBatch(ctx context.Context, dataset string, records []resolve.Record) error {
	engine, err := w.registry.Get(dataset)
	if err != nil {
		return fmt.Errorf("no engine for dataset %s: %w", dataset, err)
	}

	result, err := engine.Infer(ctx, records)
	if err != nil {
		return fmt.Errorf("inferring batch: %w", err)
	}

	if err := w.store.UpsertRecords(ctx, dataset, records); err != nil {
		return fmt.Errorf("persisting records: %w", err)
	}
	if err := w.store.SaveInferences(ctx, dataset, result.Results); err != nil {
		return fmt.Errorf("persisting inferences: %w", err)
	}

	events := make([]kafka.Event, 0, len(result.Results))
	for _, inf := range result.Results {
		events = append(events, kafka.Event{
			Key: dataset + ":" + inf.RecordID,
			Value: map[string]any{
				"dataset":   dataset,
				"inference": inf,
			},
		})
	}
	err = w.breaker.Execute(func() error {
		return resilience.Retry(ctx, 3, 200*time.Millisecond, func() error {
			return w.producer.PublishBatch(ctx, events)
		})
	})
	if err != nil {
		if errors.Is(err, resilience.ErrCircuitOpen) {
			w.logger.Warn("match-results publishing suspended, circuit open",
				"dataset", dataset,
				"dropped", len(events),
			)
			return nil
		}
		return fmt.Errorf("publishing match results: %w", err)
	}

	w.logger.Info("batch matched",
		"dataset", dataset,
		"records", len(records),
		"matched", result.Summary.Matched,
		"unmatched", result.Summary.Unmatched,
	)
	return nil
}

func main() {
	configPath := flag.String("config", "configs/development.yaml", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger.Setup(cfg.Logging.Level, cfg.Logging.Format)
	slog.Info("starting match worker", "topic", cfg.Kafka.Topics.RecordIngest)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pg, err := postgres.New(cfg.Postgres)
	if err != nil {
		slog.Error("failed to connect to postgres", "error", err)
		os.Exit(1)
	}
	defer pg.Close()
	st := store.New(pg)
	if err := st.EnsureSchema(ctx); err != nil {
		slog.Error("failed to ensure schema", "error", err)
		os.Exit(1)
	}

	baseCfg := resolve.Config{
		SimilarityThreshold: cfg.Matcher.SimilarityThreshold,
		StopWords:           cfg.Matcher.StopWords,
		MinTokenLength:      cfg.Matcher.MinTokenLength,
		Workers:             cfg.Matcher.Workers,
	}
	snapshotDir := ""
	if cfg.Snapshot.Enabled {
		snapshotDir = cfg.Snapshot.Dir
	}
	reg := registry.New(baseCfg, snapshotDir)
	recovered, err := reg.Recover()
	if err != nil {
		slog.Error("snapshot recovery failed", "error", err)
		os.Exit(1)
	}
	if recovered == 0 {
		slog.Warn("no datasets recovered, incoming records will be skipped until snapshots appear")
	} else {
		slog.Info("datasets recovered from snapshots", "count", recovered)
	}

	producer := kafka.NewProducer(cfg.Kafka, cfg.Kafka.Topics.MatchResults)
	defer producer.Close()

	w := newWorker(reg, st, producer)
	consumer := kafka.NewConsumer(cfg.Kafka, cfg.Kafka.Topics.RecordIngest, w.handle)

	go func() {
		ticker := time.NewTicker(flushInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				w.flush(ctx)
			case <-ctx.Done():
				flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				w.flush(flushCtx)
				cancel()
				return
			}
		}
	}()

	slog.Info("match worker consuming")
	if err := consumer.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("consumer error", "error", err)
		os.Exit(1)
	}
	if err := consumer.Close(); err != nil {
		slog.Error("consumer close error", "error", err)
	}

	slog.Info("match worker stopped")
}
