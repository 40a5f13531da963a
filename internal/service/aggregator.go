package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/weviu/apr-hunter-sub000/internal/fetcher"
	"github.com/weviu/apr-hunter-sub000/internal/metrics"
	"github.com/weviu/apr-hunter-sub000/internal/storage"
)

// CollectResult summarises one collection run.
type CollectResult struct {
	Success int
	Failed  int
	Errors  []string
	// Skipped lists connectors that reported no credentials. They still count
	// towards Success.
	Skipped []string
	// Rates holds every observation persisted in this run, in registry order.
	Rates []storage.RateObservation
	// HistoryAppended counts change-history rows written.
	HistoryAppended int
}

// Aggregator fans out to every connector and persists the results.
type Aggregator struct {
	connectors []fetcher.Connector
	store      storage.RateStore
	metrics    *metrics.Metrics
	now        func() time.Time
	logger     zerolog.Logger
}

// AggregatorOption tweaks an Aggregator.
type AggregatorOption func(*Aggregator)

// WithAggregatorClock overrides the collection timestamp source.
func WithAggregatorClock(now func() time.Time) AggregatorOption {
	return func(a *Aggregator) { a.now = now }
}

// WithAggregatorMetrics attaches Prometheus instrumentation.
func WithAggregatorMetrics(m *metrics.Metrics) AggregatorOption {
	return func(a *Aggregator) { a.metrics = m }
}

// NewAggregator wires the connector registry to a rate store.
func NewAggregator(connectors []fetcher.Connector, store storage.RateStore, logger zerolog.Logger, opts ...AggregatorOption) *Aggregator {
	a := &Aggregator{
		connectors: connectors,
		store:      store,
		now:        time.Now,
		logger:     logger.With().Str("component", "aggregator").Logger(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

type fetchOutcome struct {
	rates   []storage.RateObservation
	err     error
	skipped bool
}

// CollectAll fetches every connector concurrently, then persists each batch.
// It never returns an error; failures are reported in the result.
func (a *Aggregator) CollectAll(ctx context.Context) CollectResult {
	started := time.Now()
	outcomes := make([]fetchOutcome, len(a.connectors))

	// A plain group: one connector failing must not cancel its siblings.
	var g errgroup.Group
	for i, c := range a.connectors {
		g.Go(func() error {
			outcomes[i] = a.fetchOne(ctx, c)
			return nil
		})
	}
	_ = g.Wait()

	var result CollectResult
	collectedAt := a.now().UTC()
	for i, c := range a.connectors {
		outcome := outcomes[i]
		if outcome.err != nil {
			result.Failed++
			result.Errors = append(result.Errors, fmt.Sprintf("%s: %v", c.Name(), outcome.err))
			continue
		}
		result.Success++
		if outcome.skipped {
			result.Skipped = append(result.Skipped, c.Name())
		}

		for _, obs := range outcome.rates {
			obs.LastUpdated = collectedAt
			appended, err := a.persist(ctx, obs)
			a.metrics.RecordPersist(appended, err)
			if err != nil {
				a.logger.Error().Err(err).Str("source", c.Name()).Str("key", obs.Key().String()).Msg("failed to persist observation")
				result.Errors = append(result.Errors, err.Error())
				continue
			}
			if appended {
				result.HistoryAppended++
			}
			result.Rates = append(result.Rates, obs)
		}
	}
	a.metrics.MarkCollected(collectedAt)

	a.logger.Info().
		Int("success", result.Success).
		Int("failed", result.Failed).
		Int("rates", len(result.Rates)).
		Int("history", result.HistoryAppended).
		Strs("skipped", result.Skipped).
		Dur("elapsed", time.Since(started)).
		Msg("collection finished")
	return result
}

func (a *Aggregator) fetchOne(ctx context.Context, c fetcher.Connector) (outcome fetchOutcome) {
	started := time.Now()
	defer func() {
		if r := recover(); r != nil {
			outcome = fetchOutcome{err: fmt.Errorf("connector panic: %v", r)}
		}
		result := metrics.ResultOK
		switch {
		case outcome.err != nil:
			result = metrics.ResultError
		case outcome.skipped:
			result = metrics.ResultSkipped
		}
		a.metrics.RecordFetch(c.Name(), result, time.Since(started))
	}()

	rates, err := c.Fetch(ctx)
	if err != nil {
		a.logger.Warn().Err(err).Str("source", c.Name()).Msg("connector fetch failed")
		return fetchOutcome{err: err}
	}

	skipped := false
	if cfg, ok := c.(fetcher.Configurable); ok && len(rates) == 0 {
		skipped = !cfg.Configured()
	}
	a.logger.Debug().Str("source", c.Name()).Int("rates", len(rates)).Bool("skipped", skipped).Msg("connector fetched")
	return fetchOutcome{rates: rates, skipped: skipped}
}

// persist records history when the APR moved, then upserts the current row.
func (a *Aggregator) persist(ctx context.Context, obs storage.RateObservation) (bool, error) {
	key := obs.Key()
	appended := false

	current, err := a.store.FindCurrent(ctx, key)
	switch {
	case errors.Is(err, storage.ErrNotFound):
	case err != nil:
		return false, &storage.PersistenceError{Op: "find current", Key: key, Err: err}
	case !current.APR.Equal(obs.APR):
		entry := storage.RateHistoryEntry{
			RateKey:    key,
			APR:        current.APR,
			APY:        current.APY,
			RecordedAt: current.LastUpdated,
		}
		if err := a.store.AppendHistory(ctx, entry); err != nil {
			return false, &storage.PersistenceError{Op: "append history", Key: key, Err: err}
		}
		appended = true
	}

	if err := a.store.UpsertCurrent(ctx, obs); err != nil {
		return appended, &storage.PersistenceError{Op: "upsert current", Key: key, Err: err}
	}
	return appended, nil
}
