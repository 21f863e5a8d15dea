// Package vectorstore is a persistent key -> (vector, metadata) map with
// brute-force cosine search. Writes land in memory immediately and reach the
// backend through a debounced, serialized save.
package vectorstore

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"ai-coach-context/internal/metrics"
	"ai-coach-context/internal/pkg/logger"

	"github.com/cenkalti/backoff/v5"
	"github.com/jonboulle/clockwork"
)

const logModule = "vectorstore"

type Config struct {
	MinDimension int
	MaxDimension int
	// Dimension pins every vector to one length. Zero lets the most common
	// length among loaded records decide, or the first upsert on an empty store.
	Dimension            int
	MaxRecords           int
	InitTimeout          time.Duration
	SaveDebounce         time.Duration
	WriteRetries         uint
	RetryInitialInterval time.Duration
}

func DefaultConfig() Config {
	return Config{
		MinDimension:         64,
		MaxDimension:         4096,
		MaxRecords:           10000,
		InitTimeout:          30 * time.Second,
		SaveDebounce:         time.Second,
		WriteRetries:         3,
		RetryInitialInterval: 100 * time.Millisecond,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MinDimension <= 0 {
		c.MinDimension = d.MinDimension
	}
	if c.MaxDimension < c.MinDimension {
		c.MaxDimension = d.MaxDimension
	}
	if c.MaxRecords <= 0 {
		c.MaxRecords = d.MaxRecords
	}
	if c.InitTimeout <= 0 {
		c.InitTimeout = d.InitTimeout
	}
	if c.SaveDebounce <= 0 {
		c.SaveDebounce = d.SaveDebounce
	}
	if c.WriteRetries == 0 {
		c.WriteRetries = d.WriteRetries
	}
	if c.RetryInitialInterval <= 0 {
		c.RetryInitialInterval = d.RetryInitialInterval
	}
	return c
}

type Store struct {
	cfg     Config
	backend Backend
	log     logger.ILogger
	metrics *metrics.Metrics
	clock   clockwork.Clock

	initializing atomic.Bool

	mu      sync.RWMutex
	state   State
	initErr error
	dim     int
	order   *list.List // of *Record, insertion order
	index   map[string]*list.Element
	dirty   map[string]struct{}
	deleted map[string]struct{}
	skipped int
	timer   clockwork.Timer

	// saveMu serializes every mutation of the backend.
	saveMu sync.Mutex
}

func New(backend Backend, cfg Config, log logger.ILogger, m *metrics.Metrics, clock clockwork.Clock) *Store {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	cfg = cfg.withDefaults()
	return &Store{
		cfg:     cfg,
		backend: backend,
		log:     logger.OrNop(log),
		metrics: m,
		clock:   clock,
		dim:     cfg.Dimension,
		order:   list.New(),
		index:   make(map[string]*list.Element),
		dirty:   make(map[string]struct{}),
		deleted: make(map[string]struct{}),
	}
}

// checkReady must be called with s.mu held.
func (s *Store) checkReady() error {
	switch s.state {
	case StateReady:
		return nil
	case StateDegraded:
		return &InitError{Cause: s.initErr}
	case StateClosed:
		return ErrClosed
	default:
		return ErrNotInitialized
	}
}

type loadResult struct {
	records []*Record
	dim     int
	skipped int
	err     error
}

// Initialize prepares the backend, migrates a legacy index and loads every
// valid record. It never fails because of bad data or a slow disk: on timeout
// or error the store becomes empty and degraded, which every other method
// reports as an *InitError. Calls after a successful initialization, and calls
// made while another is in progress, return immediately.
func (s *Store) Initialize(ctx context.Context) error {
	s.mu.RLock()
	state := s.state
	s.mu.RUnlock()
	switch state {
	case StateReady:
		return nil
	case StateClosed:
		return ErrClosed
	}
	if !s.initializing.CompareAndSwap(false, true) {
		return nil
	}
	defer s.initializing.Store(false)

	ctx, cancel := context.WithTimeout(ctx, s.cfg.InitTimeout)
	defer cancel()

	done := make(chan loadResult, 1)
	go func() {
		done <- s.load(ctx)
	}()

	var res loadResult
	select {
	case res = <-done:
	case <-ctx.Done():
		res = loadResult{err: fmt.Errorf("initialization timed out: %w", ctx.Err())}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosed {
		return ErrClosed
	}
	s.order.Init()
	s.index = make(map[string]*list.Element)
	s.dirty = make(map[string]struct{})
	s.deleted = make(map[string]struct{})

	if res.err != nil {
		s.state = StateDegraded
		s.initErr = res.err
		s.dim = s.cfg.Dimension
		s.metrics.SetDegraded(true)
		s.metrics.SetStoreRecords(0)
		s.log.Error(logModule, "Vector store initialization failed, continuing without retrieval", map[string]interface{}{
			"error": res.err.Error(),
		})
		return nil
	}

	for _, rec := range res.records {
		s.index[rec.ID] = s.order.PushBack(rec)
	}
	s.dim = res.dim
	s.skipped = res.skipped
	s.state = StateReady
	s.initErr = nil
	s.metrics.SetDegraded(false)
	s.metrics.SetStoreRecords(len(s.index))
	s.log.Info(logModule, "Vector store ready", map[string]interface{}{
		"records":   len(s.index),
		"skipped":   res.skipped,
		"dimension": res.dim,
	})
	return nil
}

// load runs off the caller's goroutine and touches no store state; Initialize
// applies its result.
func (s *Store) load(ctx context.Context) loadResult {
	if err := s.backend.Prepare(ctx); err != nil {
		return loadResult{err: err}
	}
	s.migrateLegacy(ctx)

	res := loadResult{dim: s.cfg.Dimension}
	seen := make(map[string]int)
	truncated := false
	err := s.backend.Load(ctx, func(raw RawRecord) bool {
		if len(res.records) >= s.cfg.MaxRecords {
			truncated = true
			return false
		}
		rec, err := s.validateRaw(raw, res.dim)
		if err != nil {
			res.skipped++
			s.log.Warn(logModule, "Skipping invalid record", map[string]interface{}{
				"source": raw.Source,
				"error":  err.Error(),
			})
			return true
		}
		if i, dup := seen[rec.ID]; dup {
			res.records[i] = rec
			return true
		}
		seen[rec.ID] = len(res.records)
		res.records = append(res.records, rec)
		return true
	})
	if err != nil {
		return loadResult{err: fmt.Errorf("load records: %w", err)}
	}
	if res.dim == 0 {
		res.dim = majorityDimension(res.records)
		kept := res.records[:0]
		for _, rec := range res.records {
			if len(rec.Vector) != res.dim {
				res.skipped++
				s.log.Warn(logModule, "Skipping record with minority dimension", map[string]interface{}{
					"record":    rec.ID,
					"dimension": len(rec.Vector),
					"store_dim": res.dim,
				})
				continue
			}
			kept = append(kept, rec)
		}
		res.records = kept
	}
	if truncated {
		s.log.Warn(logModule, "Record limit reached, remaining records not loaded", map[string]interface{}{
			"max_records": s.cfg.MaxRecords,
		})
	}
	if res.skipped > 0 {
		s.metrics.RecordSkipped(res.skipped)
		s.log.Warn(logModule, "Skipped invalid records during load", map[string]interface{}{
			"skipped": res.skipped,
		})
	}
	return res
}

// majorityDimension returns the most common vector length. On a tie the length
// that reached the winning count first is kept. It returns 0 for no records.
func majorityDimension(records []*Record) int {
	counts := make(map[int]int)
	best, bestCount := 0, 0
	for _, rec := range records {
		n := len(rec.Vector)
		counts[n]++
		if counts[n] > bestCount {
			best, bestCount = n, counts[n]
		}
	}
	return best
}

func (s *Store) validateRaw(raw RawRecord, dim int) (*Record, error) {
	if raw.Err != nil {
		return nil, fmt.Errorf("undecodable record: %w", raw.Err)
	}
	if raw.ID == "" {
		return nil, ErrInvalidID
	}
	if raw.Metadata == nil {
		return nil, errors.New("record has no metadata")
	}
	if err := validateSampled(raw.Vector, s.cfg.MinDimension, s.cfg.MaxDimension, dim); err != nil {
		return nil, err
	}
	return &Record{ID: raw.ID, Vector: raw.Vector, Metadata: *raw.Metadata}, nil
}

// migrateLegacy moves records from a legacy single-file index into the
// backend. Either every valid record is written and the legacy file retired,
// or the records written so far are removed and the legacy file is kept.
func (s *Store) migrateLegacy(ctx context.Context) {
	legacy, ok := s.backend.(LegacySource)
	if !ok {
		return
	}
	raws, found, err := legacy.LegacyRecords(ctx)
	if !found {
		return
	}
	if err != nil {
		s.log.Error(logModule, "Legacy index unreadable, leaving it in place", map[string]interface{}{"error": err.Error()})
		return
	}

	s.saveMu.Lock()
	defer s.saveMu.Unlock()

	var written []string
	skipped := 0
	for _, raw := range raws {
		rec, err := s.validateRaw(raw, s.cfg.Dimension)
		if err != nil {
			skipped++
			continue
		}
		exists, err := s.backend.Exists(ctx, rec.ID)
		if err == nil && exists {
			// the per-record copy is newer
			continue
		}
		if err == nil {
			err = s.backend.Put(ctx, rec)
		}
		if err != nil {
			s.rollbackMigration(ctx, written)
			s.log.Error(logModule, "Legacy migration failed, rolled back", map[string]interface{}{
				"error":  err.Error(),
				"record": rec.ID,
			})
			return
		}
		written = append(written, rec.ID)
	}

	if err := legacy.RetireLegacy(ctx); err != nil {
		s.rollbackMigration(ctx, written)
		s.log.Error(logModule, "Failed to retire legacy index, rolled back", map[string]interface{}{"error": err.Error()})
		return
	}
	s.log.Info(logModule, "Migrated legacy index", map[string]interface{}{
		"migrated": len(written),
		"skipped":  skipped,
	})
}

func (s *Store) rollbackMigration(ctx context.Context, ids []string) {
	// rollback must run even if the load context has expired
	ctx = context.WithoutCancel(ctx)
	for _, id := range ids {
		if err := s.backend.Delete(ctx, id); err != nil {
			s.log.Warn(logModule, "Failed to roll back migrated record", map[string]interface{}{
				"record": id,
				"error":  err.Error(),
			})
		}
	}
}

// Upsert validates vector in full and replaces any record stored under id.
// The write reaches the backend after the save debounce.
func (s *Store) Upsert(id string, vector []float32, meta Metadata) error {
	if id == "" {
		return ErrInvalidID
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkReady(); err != nil {
		return err
	}
	if err := validateFull(vector, s.cfg.MinDimension, s.cfg.MaxDimension, s.dim); err != nil {
		return err
	}

	rec := &Record{ID: id, Vector: append([]float32(nil), vector...), Metadata: meta.clone()}
	if el, ok := s.index[id]; ok {
		el.Value = rec
	} else {
		s.index[id] = s.order.PushBack(rec)
	}
	if s.dim == 0 {
		s.dim = len(vector)
	}
	s.dirty[id] = struct{}{}
	delete(s.deleted, id)
	s.metrics.SetStoreRecords(len(s.index))
	s.scheduleSave()
	return nil
}

// Delete removes id. Deleting an unknown id is a no-op.
func (s *Store) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkReady(); err != nil {
		return err
	}
	el, ok := s.index[id]
	if !ok {
		return nil
	}
	s.order.Remove(el)
	delete(s.index, id)
	delete(s.dirty, id)
	s.deleted[id] = struct{}{}
	s.metrics.SetStoreRecords(len(s.index))
	s.scheduleSave()
	return nil
}

// GetItem returns a copy of the record, or nil when id is not stored.
func (s *Store) GetItem(id string) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkReady(); err != nil {
		return nil, err
	}
	el, ok := s.index[id]
	if !ok {
		return nil, nil
	}
	return el.Value.(*Record).clone(), nil
}

// Search returns up to limit records matching filter, by descending cosine
// similarity to query. An unusable query yields no results rather than an
// error. Records are read from a snapshot, so concurrent writes may or may
// not be visible.
func (s *Store) Search(query []float32, limit int, filter *Filter) ([]SearchResult, error) {
	start := time.Now()
	defer s.metrics.ObserveSearch(start)

	s.mu.RLock()
	if err := s.checkReady(); err != nil {
		s.mu.RUnlock()
		return nil, err
	}
	dim := s.dim
	snapshot := make([]*Record, 0, s.order.Len())
	for el := s.order.Front(); el != nil; el = el.Next() {
		snapshot = append(snapshot, el.Value.(*Record))
	}
	s.mu.RUnlock()

	if limit <= 0 || len(snapshot) == 0 {
		return []SearchResult{}, nil
	}
	if err := validateFull(query, s.cfg.MinDimension, s.cfg.MaxDimension, dim); err != nil {
		s.log.Debug(logModule, "Ignoring invalid query vector", map[string]interface{}{"error": err.Error()})
		return []SearchResult{}, nil
	}

	best := newTopK(limit)
	for _, rec := range snapshot {
		if !filter.Match(&rec.Metadata) {
			continue
		}
		score, ok := cosine(query, rec.Vector)
		if !ok {
			continue
		}
		if best.admits(score) {
			best.push(SearchResult{ID: rec.ID, Score: score, Metadata: rec.Metadata.clone()})
		}
	}
	return best.results, nil
}

// Clear removes every record from memory and from the backend before returning.
func (s *Store) Clear(ctx context.Context) error {
	s.mu.Lock()
	if err := s.checkReady(); err != nil {
		s.mu.Unlock()
		return err
	}
	s.stopTimer()
	s.order.Init()
	s.index = make(map[string]*list.Element)
	s.dirty = make(map[string]struct{})
	s.deleted = make(map[string]struct{})
	s.dim = s.cfg.Dimension
	s.metrics.SetStoreRecords(0)
	s.mu.Unlock()

	s.saveMu.Lock()
	defer s.saveMu.Unlock()
	if err := s.backend.Clear(ctx); err != nil {
		return fmt.Errorf("clear backend: %w", err)
	}
	return nil
}

func (s *Store) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st := Stats{
		Count:          len(s.index),
		Dimension:      s.dim,
		Dirty:          len(s.dirty),
		PendingDeletes: len(s.deleted),
		SkippedOnLoad:  s.skipped,
		State:          s.state.String(),
	}
	if s.initErr != nil {
		st.InitError = s.initErr.Error()
	}
	return st
}

// HasInitializationError reports whether the store is running degraded.
func (s *Store) HasInitializationError() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state == StateDegraded
}

// InitError returns the cause of a failed initialization, if any.
func (s *Store) InitError() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.initErr
}

// scheduleSave (re)starts the save debounce; s.mu must be held.
func (s *Store) scheduleSave() {
	s.stopTimer()
	s.timer = s.clock.AfterFunc(s.cfg.SaveDebounce, func() {
		if err := s.persist(context.Background()); err != nil && !errors.Is(err, ErrClosed) {
			s.log.Error(logModule, "Debounced save failed", map[string]interface{}{"error": err.Error()})
		}
	})
}

func (s *Store) stopTimer() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

// Flush writes every pending change to the backend now.
func (s *Store) Flush(ctx context.Context) error {
	s.mu.Lock()
	if err := s.checkReady(); err != nil {
		s.mu.Unlock()
		return err
	}
	s.stopTimer()
	s.mu.Unlock()
	return s.persist(ctx)
}

// persist drains the dirty and deleted sets into the backend. Ids whose write
// or delete still fails after retries go back into their set for the next
// cycle.
func (s *Store) persist(ctx context.Context) error {
	s.saveMu.Lock()
	defer s.saveMu.Unlock()

	s.mu.Lock()
	if s.state != StateReady {
		s.mu.Unlock()
		return ErrClosed
	}
	deleted := s.deleted
	s.deleted = make(map[string]struct{})
	dirty := s.dirty
	s.dirty = make(map[string]struct{})
	writes := make([]*Record, 0, len(dirty))
	for id := range dirty {
		if el, ok := s.index[id]; ok {
			writes = append(writes, el.Value.(*Record))
		}
	}
	s.mu.Unlock()

	if len(deleted) == 0 && len(writes) == 0 {
		return nil
	}

	var failedDeletes, failedWrites []string
	var errs []error
	for id := range deleted {
		if err := s.retry(ctx, func() error { return s.backend.Delete(ctx, id) }); err != nil {
			failedDeletes = append(failedDeletes, id)
			errs = append(errs, fmt.Errorf("delete %s: %w", id, err))
			s.metrics.RecordPersistFailure("delete")
		}
	}
	for _, rec := range writes {
		if err := s.retry(ctx, func() error { return s.backend.Put(ctx, rec) }); err != nil {
			failedWrites = append(failedWrites, rec.ID)
			errs = append(errs, fmt.Errorf("write %s: %w", rec.ID, err))
			s.metrics.RecordPersistFailure("write")
		}
	}

	if len(failedDeletes) > 0 || len(failedWrites) > 0 {
		s.mu.Lock()
		for _, id := range failedDeletes {
			if _, back := s.index[id]; !back {
				s.deleted[id] = struct{}{}
			}
		}
		for _, id := range failedWrites {
			if _, gone := s.deleted[id]; gone {
				continue
			}
			if _, ok := s.index[id]; ok {
				s.dirty[id] = struct{}{}
			}
		}
		s.mu.Unlock()
	}
	return errors.Join(errs...)
}

func (s *Store) retry(ctx context.Context, op func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.cfg.RetryInitialInterval
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		return struct{}{}, op()
	}, backoff.WithBackOff(b), backoff.WithMaxTries(s.cfg.WriteRetries))
	return err
}

// Close flushes pending changes and releases the backend. Every later call
// returns ErrClosed.
func (s *Store) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return nil
	}
	wasReady := s.state == StateReady
	s.stopTimer()
	s.mu.Unlock()

	var flushErr error
	if wasReady {
		flushErr = s.persist(ctx)
	}

	s.mu.Lock()
	s.state = StateClosed
	s.mu.Unlock()

	s.saveMu.Lock()
	defer s.saveMu.Unlock()
	return errors.Join(flushErr, s.backend.Close())
}
