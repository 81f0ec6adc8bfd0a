// Package harvest drives paginated harvests from the upstream API into the
// store, one entity type at a time, and reports per-type statistics.
package harvest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/agentworkforce/producthuntdb/internal/entity"
	"github.com/agentworkforce/producthuntdb/internal/metrics"
	"github.com/agentworkforce/producthuntdb/internal/phclient"
	"github.com/agentworkforce/producthuntdb/internal/store"
)

var (
	// ErrAuthentication means the credential check failed and no page was
	// fetched.
	ErrAuthentication = errors.New("authentication failed")
	// ErrAllFailed means every requested entity type failed.
	ErrAllFailed = errors.New("harvest failed for every entity type")
	// ErrPartial means some, but not all, entity types failed.
	ErrPartial = errors.New("harvest failed for some entity types")
)

type Fetcher interface {
	FetchPage(ctx context.Context, req phclient.PageRequest) (phclient.Page, error)
	Viewer(ctx context.Context) (phclient.Viewer, error)
}

type Normalizer interface {
	Normalize(raw json.RawMessage, t entity.Type) (entity.Record, error)
}

type Storage interface {
	UpsertBatch(ctx context.Context, records []entity.Record) ([]store.Result, error)
	GetCheckpoint(ctx context.Context, t entity.Type) (*entity.Checkpoint, error)
	SaveCheckpoint(ctx context.Context, cp entity.Checkpoint) error
	ResetCheckpoint(ctx context.Context, t entity.Type) error
}

type Options struct {
	PageSize int
	// SafetyMargin is subtracted from the checkpoint timestamp when an
	// incremental run filters by creation time.
	SafetyMargin time.Duration
	// Parallel harvests independent entity types concurrently, in waves
	// that respect foreign-key dependencies.
	Parallel          bool
	MaxParallel       int
	StorageRetryDelay time.Duration
	Logger            *zap.Logger
	Metrics           *metrics.Metrics
}

type RunRequest struct {
	// Types to harvest; empty means every type in entity.HarvestOrder.
	Types       []entity.Type
	FullRefresh bool
	// MaxPages caps pages per type; zero means no cap.
	MaxPages int
	// Reset deletes stored checkpoints before harvesting.
	Reset bool
}

type PartialError struct {
	Failed []entity.Type
	Err    error
}

func (e *PartialError) Error() string {
	names := make([]string, len(e.Failed))
	for i, t := range e.Failed {
		names[i] = string(t)
	}
	return fmt.Sprintf("harvest failed for %s: %v", strings.Join(names, ", "), e.Err)
}

func (e *PartialError) Unwrap() error { return e.Err }

func (e *PartialError) Is(target error) bool { return target == ErrPartial }

type Harvester struct {
	fetcher           Fetcher
	normalizer        Normalizer
	storage           Storage
	pageSize          int
	safetyMargin      time.Duration
	parallel          bool
	maxParallel       int
	storageRetryDelay time.Duration
	logger            *zap.Logger
	metrics           *metrics.Metrics
}

func New(fetcher Fetcher, normalizer Normalizer, storage Storage, opts Options) (*Harvester, error) {
	if fetcher == nil {
		return nil, fmt.Errorf("fetcher is required")
	}
	if normalizer == nil {
		return nil, fmt.Errorf("normalizer is required")
	}
	if storage == nil {
		return nil, fmt.Errorf("storage is required")
	}
	pageSize := opts.PageSize
	if pageSize <= 0 {
		pageSize = 50
	}
	if pageSize > phclient.MaxPageSize {
		pageSize = phclient.MaxPageSize
	}
	margin := opts.SafetyMargin
	if margin < 0 {
		margin = 0
	}
	maxParallel := opts.MaxParallel
	if maxParallel <= 0 {
		maxParallel = 3
	}
	retryDelay := opts.StorageRetryDelay
	if retryDelay < 0 {
		retryDelay = 0
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Harvester{
		fetcher:           fetcher,
		normalizer:        normalizer,
		storage:           storage,
		pageSize:          pageSize,
		safetyMargin:      margin,
		parallel:          opts.Parallel,
		maxParallel:       maxParallel,
		storageRetryDelay: retryDelay,
		logger:            logger,
		metrics:           opts.Metrics,
	}, nil
}

// Run harvests the requested entity types. The returned summary always has
// an entry per requested type. The error is nil, a *PartialError, or wraps
// ErrAllFailed or ErrAuthentication.
func (h *Harvester) Run(ctx context.Context, req RunRequest) (Summary, error) {
	types, err := orderedTypes(req.Types)
	if err != nil {
		return nil, err
	}
	viewer, err := h.fetcher.Viewer(ctx)
	if err != nil {
		h.metrics.ObserveRun("failed", time.Now())
		return nil, fmt.Errorf("%w: %w", ErrAuthentication, err)
	}
	h.logger.Info("harvest starting",
		zap.String("viewer", viewer.Username),
		zap.Strings("types", typeNames(types)),
		zap.Bool("full_refresh", req.FullRefresh),
		zap.Int("max_pages", req.MaxPages))

	summary := make(Summary, len(types))
	for _, t := range types {
		summary[t] = &Stats{Type: t, State: StateInit}
	}

	if h.parallel {
		for _, wave := range dependencyWaves(types) {
			g, gctx := errgroup.WithContext(ctx)
			g.SetLimit(h.maxParallel)
			for _, t := range wave {
				stats := summary[t]
				g.Go(func() error {
					h.harvestType(gctx, t, req, stats)
					return nil
				})
			}
			_ = g.Wait()
		}
	} else {
		for _, t := range types {
			h.harvestType(ctx, t, req, summary[t])
		}
	}

	var combined error
	var failed []entity.Type
	for _, t := range types {
		stats := summary[t]
		h.metrics.CountError("validation", "mapper", stats.Skipped)
		if stats.State == StateFailed {
			failed = append(failed, t)
			combined = multierr.Append(combined, fmt.Errorf("%s: %w", t, stats.Err))
		}
	}
	h.logger.Info("harvest finished", zap.Object("summary", summary))
	switch {
	case len(failed) == 0:
		h.metrics.ObserveRun(metrics.StatusSuccess, time.Now())
		return summary, nil
	case len(failed) == len(types):
		h.metrics.ObserveRun("failed", time.Now())
		return summary, fmt.Errorf("%w: %w", ErrAllFailed, combined)
	default:
		h.metrics.ObserveRun("partial", time.Now())
		return summary, &PartialError{Failed: failed, Err: combined}
	}
}

func (h *Harvester) harvestType(ctx context.Context, t entity.Type, req RunRequest, stats *Stats) {
	started := time.Now()
	logger := h.logger.With(zap.String("entity", string(t)))
	// Records whose referenced parent has not been stored yet get one more
	// attempt once the traversal ends, when later pages may have supplied it.
	var deferred []entity.Record
	fail := func(err error) {
		stats.State = StateFailed
		stats.Err = err
		stats.Rejected += len(deferred)
		stats.Duration = time.Since(started)
		logger.Error("entity harvest failed", zap.Int("pages", stats.Pages), zap.Error(err))
	}
	stats.State = StatePaging

	if req.Reset {
		if err := h.storage.ResetCheckpoint(ctx, t); err != nil {
			fail(fmt.Errorf("reset checkpoint: %w", err))
			return
		}
	}
	cp, err := h.storage.GetCheckpoint(ctx, t)
	if err != nil {
		fail(fmt.Errorf("load checkpoint: %w", err))
		return
	}

	pageReq := phclient.PageRequest{Type: t, PageSize: h.pageSize}
	var cutoff *time.Time
	if cp != nil && !cp.LastTimestamp.IsZero() {
		ts := cp.LastTimestamp.Add(-h.safetyMargin)
		cutoff = &ts
	}
	// window bounds the traversal by creation time. It is saved with every
	// cursor so that a resumed traversal pages the same result set.
	var window *time.Time
	switch {
	case req.FullRefresh || cp == nil:
		stats.Mode = ModeFull
	case cp.LastCursor != "":
		stats.Mode = ModeResume
		pageReq.After = cp.LastCursor
		if !cp.WindowStart.IsZero() {
			ws := cp.WindowStart
			window = &ws
		}
	case cutoff != nil:
		stats.Mode = ModeIncremental
		window = cutoff
	default:
		stats.Mode = ModeFull
	}
	// Without a server-side filter the window still ends a newest-first
	// traversal once a whole page predates it.
	serverFilter := phclient.SupportsCreatedAfter(t)
	if window != nil && serverFilter {
		pageReq.CreatedAfter = window
	}
	save := func(ts time.Time, cursor string) error {
		next := entity.Checkpoint{Type: t, LastTimestamp: ts, LastCursor: cursor}
		if window != nil {
			next.WindowStart = *window
		}
		if err := h.storage.SaveCheckpoint(ctx, next); err != nil {
			return fmt.Errorf("commit checkpoint: %w", err)
		}
		return nil
	}
	logger.Info("entity harvest starting", zap.String("mode", string(stats.Mode)), zap.String("cursor", pageReq.After))

	cursor := pageReq.After
	for {
		if err := ctx.Err(); err != nil {
			fail(err)
			return
		}
		if req.MaxPages > 0 && stats.Pages >= req.MaxPages {
			logger.Info("page ceiling reached", zap.Int("pages", stats.Pages))
			break
		}

		page, err := h.fetcher.FetchPage(ctx, pageReq)
		if err != nil {
			if stats.Mode == ModeResume && stats.Pages == 0 && errors.Is(err, phclient.ErrPermanent) && cutoff != nil {
				logger.Warn("stored cursor rejected; falling back to time window", zap.Error(err))
				stats.Mode = ModeIncremental
				window = cutoff
				pageReq.After = ""
				pageReq.CreatedAfter = nil
				if serverFilter {
					pageReq.CreatedAfter = window
				}
				continue
			}
			fail(fmt.Errorf("fetch page %d: %w", stats.Pages+1, err))
			return
		}
		stats.Pages++
		stats.Fetched += len(page.Records)

		if len(page.Records) == 0 {
			cursor = ""
			if err := save(time.Time{}, cursor); err != nil {
				fail(err)
				return
			}
			break
		}

		records := make([]entity.Record, 0, len(page.Records))
		for _, raw := range page.Records {
			rec, err := h.normalizer.Normalize(raw, t)
			if err != nil {
				stats.Skipped++
				logger.Warn("skipping invalid record", zap.Error(err))
				continue
			}
			records = append(records, rec)
		}

		var maxTS time.Time
		if len(records) > 0 {
			results, err := h.upsert(ctx, logger, records)
			if err != nil {
				fail(err)
				return
			}
			maxTS = h.tally(logger, stats, records, results, &deferred)
		}

		finished := !page.PageInfo.HasNextPage
		if window != nil && !serverFilter && allBefore(records, *window) {
			finished = true
		}
		// A finished traversal leaves no cursor; the next incremental run
		// uses the time window instead.
		cursor = page.PageInfo.EndCursor
		if finished {
			cursor = ""
		}
		if err := save(maxTS, cursor); err != nil {
			fail(err)
			return
		}
		logger.Debug("page committed",
			zap.Int("page", stats.Pages),
			zap.Int("records", len(page.Records)),
			zap.Time("max_created_at", maxTS),
			zap.Bool("has_next", page.PageInfo.HasNextPage))
		if finished {
			break
		}
		pageReq.After = page.PageInfo.EndCursor
	}

	if len(deferred) > 0 {
		retry := deferred
		deferred = nil
		logger.Info("retrying records with missing parents", zap.Int("records", len(retry)))
		results, err := h.upsert(ctx, logger, retry)
		if err != nil {
			stats.Rejected += len(retry)
			fail(err)
			return
		}
		maxTS := h.tally(logger, stats, retry, results, nil)
		if err := save(maxTS, cursor); err != nil {
			fail(err)
			return
		}
	}

	stats.State = StateDone
	stats.Duration = time.Since(started)
	logger.Info("entity harvest done", zap.Object("stats", stats))
}

// tally folds one batch's results into stats and returns the newest stored
// timestamp. With deferred set, records rejected for a missing parent are
// collected there instead of being counted.
func (h *Harvester) tally(logger *zap.Logger, stats *Stats, records []entity.Record, results []store.Result, deferred *[]entity.Record) time.Time {
	var maxTS time.Time
	for i, res := range results {
		if res.Outcome == store.OutcomeSkipped {
			if deferred != nil && errors.Is(res.Err, store.ErrMissingParent) {
				*deferred = append(*deferred, records[i])
				continue
			}
			stats.Rejected++
			logger.Warn("store rejected record", zap.String("id", res.ID), zap.Error(res.Err))
			continue
		}
		stats.Stored++
		if ts := records[i].Timestamp(); ts.After(maxTS) {
			maxTS = ts
		}
	}
	if maxTS.After(stats.LastTimestamp) {
		stats.LastTimestamp = maxTS
	}
	return maxTS
}

// upsert writes one page, retrying a failed batch once.
func (h *Harvester) upsert(ctx context.Context, logger *zap.Logger, records []entity.Record) ([]store.Result, error) {
	results, err := h.storage.UpsertBatch(ctx, records)
	if err == nil {
		return results, nil
	}
	logger.Warn("storing page failed; retrying once", zap.Error(err))
	if h.storageRetryDelay > 0 {
		timer := time.NewTimer(h.storageRetryDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
	results, err = h.storage.UpsertBatch(ctx, records)
	if err != nil {
		return nil, fmt.Errorf("store page: %w", err)
	}
	return results, nil
}

func allBefore(records []entity.Record, cutoff time.Time) bool {
	if len(records) == 0 {
		return false
	}
	for _, rec := range records {
		if !rec.Timestamp().Before(cutoff) {
			return false
		}
	}
	return true
}

func orderedTypes(requested []entity.Type) ([]entity.Type, error) {
	if len(requested) == 0 {
		return append([]entity.Type(nil), entity.HarvestOrder...), nil
	}
	want := map[entity.Type]bool{}
	for _, t := range requested {
		if !t.Valid() {
			return nil, fmt.Errorf("unknown entity type %q", t)
		}
		want[t] = true
	}
	out := make([]entity.Type, 0, len(want))
	for _, t := range entity.HarvestOrder {
		if want[t] {
			out = append(out, t)
		}
	}
	return out, nil
}

var dependencyLevel = map[entity.Type]int{
	entity.TypeUser:       0,
	entity.TypeTopic:      0,
	entity.TypePost:       1,
	entity.TypeCollection: 2,
	entity.TypeComment:    2,
	entity.TypeVote:       3,
}

func dependencyWaves(types []entity.Type) [][]entity.Type {
	var waves [][]entity.Type
	for _, t := range types {
		level := dependencyLevel[t]
		for len(waves) <= level {
			waves = append(waves, nil)
		}
		waves[level] = append(waves[level], t)
	}
	out := waves[:0]
	for _, wave := range waves {
		if len(wave) > 0 {
			out = append(out, wave)
		}
	}
	return out
}

func typeNames(types []entity.Type) []string {
	names := make([]string, len(types))
	for i, t := range types {
		names[i] = string(t)
	}
	return names
}
