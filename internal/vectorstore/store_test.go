package vectorstore

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() Config {
	return Config{
		MinDimension:         4,
		MaxDimension:         64,
		MaxRecords:           100,
		InitTimeout:          2 * time.Second,
		SaveDebounce:         time.Second,
		WriteRetries:         3,
		RetryInitialInterval: time.Millisecond,
	}
}

func sessionMeta(path string) Metadata {
	return Metadata{
		Path:     path,
		Title:    "Title " + path,
		Date:     "2024-01-01",
		Summary:  "summary of " + path,
		Tags:     []string{"focus", "health"},
		Category: "journal",
		Type:     TypeSession,
	}
}

// memBackend is an in-memory Backend with failure hooks.
type memBackend struct {
	mu        sync.Mutex
	records   map[string]*Record
	puts      atomic.Int32
	deletes   atomic.Int32
	prepares  atomic.Int32
	failPut   atomic.Bool
	prepareFn func(ctx context.Context) error
}

func newMemBackend() *memBackend {
	return &memBackend{records: make(map[string]*Record)}
}

func (b *memBackend) Prepare(ctx context.Context) error {
	b.prepares.Add(1)
	if b.prepareFn != nil {
		return b.prepareFn(ctx)
	}
	return nil
}

func (b *memBackend) Load(_ context.Context, visit func(RawRecord) bool) error {
	b.mu.Lock()
	ids := make([]string, 0, len(b.records))
	for id := range b.records {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	raws := make([]RawRecord, 0, len(ids))
	for _, id := range ids {
		r := b.records[id].clone()
		raws = append(raws, RawRecord{Source: id, ID: r.ID, Vector: r.Vector, Metadata: &r.Metadata})
	}
	b.mu.Unlock()
	for _, raw := range raws {
		if !visit(raw) {
			return nil
		}
	}
	return nil
}

func (b *memBackend) Exists(_ context.Context, id string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.records[id]
	return ok, nil
}

func (b *memBackend) Put(_ context.Context, rec *Record) error {
	b.puts.Add(1)
	if b.failPut.Load() {
		return errors.New("disk full")
	}
	b.mu.Lock()
	b.records[rec.ID] = rec.clone()
	b.mu.Unlock()
	return nil
}

func (b *memBackend) Delete(_ context.Context, id string) error {
	b.deletes.Add(1)
	b.mu.Lock()
	delete(b.records, id)
	b.mu.Unlock()
	return nil
}

func (b *memBackend) Clear(context.Context) error {
	b.mu.Lock()
	b.records = make(map[string]*Record)
	b.mu.Unlock()
	return nil
}

func (b *memBackend) Close() error { return nil }

func (b *memBackend) len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.records)
}

func newReadyStore(t *testing.T, backend Backend, clock clockwork.Clock) *Store {
	t.Helper()
	s := New(backend, testConfig(), nil, nil, clock)
	require.NoError(t, s.Initialize(context.Background()))
	require.False(t, s.HasInitializationError())
	return s
}

func TestRoundTripAcrossBackends(t *testing.T) {
	backends := map[string]func(dir string) Backend{
		"files": func(dir string) Backend { return NewFileBackend(dir) },
		"bolt":  func(dir string) Backend { return NewBoltBackend(filepath.Join(dir, "records.db")) },
	}
	for name, open := range backends {
		t.Run(name, func(t *testing.T) {
			dir := t.TempDir()
			s := newReadyStore(t, open(dir), nil)

			meta := sessionMeta("journal/2024-01-01.md")
			require.NoError(t, s.Upsert("journal/2024-01-01.md", []float32{1, 2, 3, 4}, meta))

			got, err := s.GetItem("journal/2024-01-01.md")
			require.NoError(t, err)
			require.NotNil(t, got)
			assert.Equal(t, meta, got.Metadata)

			require.NoError(t, s.Close(context.Background()))

			reloaded := newReadyStore(t, open(dir), nil)
			defer reloaded.Close(context.Background())
			got, err = reloaded.GetItem("journal/2024-01-01.md")
			require.NoError(t, err)
			require.NotNil(t, got)
			assert.Equal(t, meta, got.Metadata)
			assert.Equal(t, []float32{1, 2, 3, 4}, got.Vector)
			assert.Equal(t, 4, reloaded.Stats().Dimension)
		})
	}
}

func TestUpsertRejectsInvalidVectors(t *testing.T) {
	s := newReadyStore(t, newMemBackend(), clockwork.NewFakeClock())
	require.NoError(t, s.Upsert("a", []float32{1, 0, 0, 0}, sessionMeta("a")))

	tests := []struct {
		name string
		vec  []float32
	}{
		{"too short", []float32{1, 2, 3}},
		{"too long", make([]float32, 65)},
		{"NaN", []float32{1, float32(math.NaN()), 0, 0}},
		{"Inf", []float32{1, 0, 0, float32(math.Inf(-1))}},
		{"other dimension", []float32{1, 0, 0, 0, 0}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := s.Upsert("b", tt.vec, sessionMeta("b"))
			assert.ErrorIs(t, err, ErrInvalidVector)

			got, err := s.GetItem("b")
			require.NoError(t, err)
			assert.Nil(t, got)
			assert.Equal(t, 1, s.Stats().Count)
		})
	}

	assert.ErrorIs(t, s.Upsert("", []float32{1, 0, 0, 0}, Metadata{}), ErrInvalidID)
}

func TestSearchOrderingAndTies(t *testing.T) {
	s := newReadyStore(t, newMemBackend(), clockwork.NewFakeClock())
	require.NoError(t, s.Upsert("far", []float32{0, 1, 0, 0}, sessionMeta("far")))
	require.NoError(t, s.Upsert("twin-1", []float32{1, 1, 0, 0}, sessionMeta("twin-1")))
	require.NoError(t, s.Upsert("exact", []float32{1, 0, 0, 0}, sessionMeta("exact")))
	require.NoError(t, s.Upsert("twin-2", []float32{1, 1, 0, 0}, sessionMeta("twin-2")))
	require.NoError(t, s.Upsert("opposite", []float32{-1, 0, 0, 0}, sessionMeta("opposite")))

	query := []float32{1, 0, 0, 0}
	results, err := s.Search(query, 4, nil)
	require.NoError(t, err)

	ids := make([]string, 0, len(results))
	for i, r := range results {
		ids = append(ids, r.ID)
		if i > 0 {
			assert.LessOrEqual(t, r.Score, results[i-1].Score)
		}
	}
	assert.Equal(t, []string{"exact", "twin-1", "twin-2", "far"}, ids)
	assert.InDelta(t, 1.0, results[0].Score, 1e-6)

	for i := 0; i < 5; i++ {
		again, err := s.Search(query, 4, nil)
		require.NoError(t, err)
		assert.Equal(t, results, again)
	}

	// replacing a record keeps its place in the tie order
	require.NoError(t, s.Upsert("twin-1", []float32{2, 2, 0, 0}, sessionMeta("twin-1")))
	results, err = s.Search(query, 3, nil)
	require.NoError(t, err)
	assert.Equal(t, "twin-1", results[1].ID)
	assert.Equal(t, "twin-2", results[2].ID)
}

func TestSearchSoftFailures(t *testing.T) {
	s := newReadyStore(t, newMemBackend(), clockwork.NewFakeClock())
	require.NoError(t, s.Upsert("a", []float32{1, 0, 0, 0}, sessionMeta("a")))

	for name, q := range map[string][]float32{
		"wrong dimension": {1, 0, 0},
		"NaN":             {float32(math.NaN()), 0, 0, 0},
		"empty":           nil,
	} {
		t.Run(name, func(t *testing.T) {
			results, err := s.Search(q, 5, nil)
			require.NoError(t, err)
			assert.Empty(t, results)
		})
	}

	results, err := s.Search([]float32{1, 0, 0, 0}, 0, nil)
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestSearchFilter(t *testing.T) {
	s := newReadyStore(t, newMemBackend(), clockwork.NewFakeClock())
	entity := sessionMeta("entities/Sam.md")
	entity.Type = TypeEntity
	entity.Tags = []string{"people"}
	require.NoError(t, s.Upsert("entities/Sam.md", []float32{1, 0.01, 0, 0}, entity))
	require.NoError(t, s.Upsert("journal/a.md", []float32{1, 0.02, 0, 0}, sessionMeta("journal/a.md")))

	results, err := s.Search([]float32{1, 0, 0, 0}, 5, &Filter{Type: TypeSession})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "journal/a.md", results[0].ID)

	results, err = s.Search([]float32{1, 0, 0, 0}, 5, &Filter{Tags: []string{"unknown", "PEOPLE"}})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "entities/Sam.md", results[0].ID)

	results, err = s.Search([]float32{1, 0, 0, 0}, 5, &Filter{Type: TypeSession, Category: "other"})
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestDeleteIsIdempotent(t *testing.T) {
	s := newReadyStore(t, newMemBackend(), clockwork.NewFakeClock())
	require.NoError(t, s.Upsert("a", []float32{1, 0, 0, 0}, sessionMeta("a")))
	require.NoError(t, s.Upsert("b", []float32{0, 1, 0, 0}, sessionMeta("b")))

	require.NoError(t, s.Delete("missing"))
	assert.Equal(t, 2, s.Stats().Count)

	require.NoError(t, s.Delete("a"))
	require.NoError(t, s.Delete("a"))
	assert.Equal(t, 1, s.Stats().Count)

	got, err := s.GetItem("a")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestDebouncedSaveCoalesces(t *testing.T) {
	clock := clockwork.NewFakeClock()
	backend := newMemBackend()
	s := newReadyStore(t, backend, clock)

	for i := 0; i < 5; i++ {
		require.NoError(t, s.Upsert("a", []float32{1, float32(i), 0, 0}, sessionMeta("a")))
		clock.Advance(500 * time.Millisecond)
	}
	assert.Equal(t, int32(0), backend.puts.Load())
	assert.Equal(t, 1, s.Stats().Dirty)

	clock.Advance(time.Second)

	assert.Eventually(t, func() bool {
		return backend.puts.Load() == 1 && s.Stats().Dirty == 0
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, backend.len())

	require.NoError(t, s.Delete("a"))
	clock.Advance(time.Second)
	assert.Eventually(t, func() bool {
		return backend.len() == 0 && s.Stats().PendingDeletes == 0
	}, time.Second, 5*time.Millisecond)
}

func TestFailedWritesStayDirty(t *testing.T) {
	backend := newMemBackend()
	s := newReadyStore(t, backend, clockwork.NewFakeClock())
	require.NoError(t, s.Upsert("a", []float32{1, 0, 0, 0}, sessionMeta("a")))

	backend.failPut.Store(true)
	err := s.Flush(context.Background())
	require.Error(t, err)
	assert.Equal(t, int32(3), backend.puts.Load())
	assert.Equal(t, 1, s.Stats().Dirty)

	backend.failPut.Store(false)
	require.NoError(t, s.Flush(context.Background()))
	assert.Equal(t, 0, s.Stats().Dirty)
	assert.Equal(t, 1, backend.len())
}

func TestCorruptedRecordIsSkipped(t *testing.T) {
	dir := t.TempDir()
	s := newReadyStore(t, NewFileBackend(dir), nil)
	require.NoError(t, s.Upsert("journal/a.md", []float32{1, 0, 0, 0}, sessionMeta("journal/a.md")))
	require.NoError(t, s.Upsert("journal/b.md", []float32{0, 1, 0, 0}, sessionMeta("journal/b.md")))
	require.NoError(t, s.Close(context.Background()))

	short := persistedRecord{ID: "journal/c.md", Vector: []float32{1, 2, 3}, Metadata: &Metadata{Path: "journal/c.md"}}
	data, err := json.Marshal(short)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, FileName("journal/c.md")), data, 0o644))

	reloaded := newReadyStore(t, NewFileBackend(dir), nil)
	stats := reloaded.Stats()
	assert.Equal(t, 2, stats.Count)
	assert.Equal(t, 1, stats.SkippedOnLoad)
}

func TestLoadSkipsUndecodableAndIncompleteRecords(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "garbage.json"), []byte("{not json"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "nometa.json"), []byte(`{"id":"x","vector":[1,0,0,0]}`), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "noid.json"), []byte(`{"vector":[1,0,0,0],"metadata":{}}`), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "ok.json"), []byte(`{"id":"ok","vector":[1,0,0,0],"metadata":{"type":"session"}}`), 0o644))

	s := newReadyStore(t, NewFileBackend(dir), nil)

	assert.Equal(t, 1, s.Stats().Count)
	assert.Equal(t, 3, s.Stats().SkippedOnLoad)
}

func vectorOf(n int) []float32 {
	v := make([]float32, n)
	for i := range v {
		v[i] = float32(i + 1)
	}
	return v
}

func TestLoadPicksMajorityDimension(t *testing.T) {
	tests := []struct {
		name    string
		pinned  int
		dims    map[string]int
		wantDim int
		wantIDs []string
	}{
		{
			name:    "stray record sorted first",
			dims:    map[string]int{"aaa-stray": 8, "b": 16, "c": 16, "d": 16},
			wantDim: 16,
			wantIDs: []string{"b", "c", "d"},
		},
		{
			name:    "stray record sorted last",
			dims:    map[string]int{"a": 16, "b": 16, "zzz-stray": 8},
			wantDim: 16,
			wantIDs: []string{"a", "b"},
		},
		{
			name:    "tie keeps the length counted first",
			dims:    map[string]int{"a": 8, "b": 16},
			wantDim: 8,
			wantIDs: []string{"a"},
		},
		{
			name:    "pinned dimension wins over majority",
			pinned:  8,
			dims:    map[string]int{"a": 8, "b": 16, "c": 16},
			wantDim: 8,
			wantIDs: []string{"a"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			backend := newMemBackend()
			for id, n := range tt.dims {
				backend.records[id] = &Record{ID: id, Vector: vectorOf(n), Metadata: sessionMeta(id)}
			}
			cfg := testConfig()
			cfg.Dimension = tt.pinned
			s := New(backend, cfg, nil, nil, nil)
			require.NoError(t, s.Initialize(context.Background()))

			stats := s.Stats()
			assert.Equal(t, tt.wantDim, stats.Dimension)
			assert.Equal(t, len(tt.wantIDs), stats.Count)
			assert.Equal(t, len(tt.dims)-len(tt.wantIDs), stats.SkippedOnLoad)
			for _, id := range tt.wantIDs {
				rec, err := s.GetItem(id)
				require.NoError(t, err)
				assert.NotNil(t, rec, id)
			}
		})
	}
}

func TestStrayRecordDoesNotBlockLaterUpserts(t *testing.T) {
	dir := t.TempDir()
	s := newReadyStore(t, NewFileBackend(dir), nil)
	for _, id := range []string{"journal/b.md", "journal/c.md", "journal/d.md"} {
		require.NoError(t, s.Upsert(id, vectorOf(16), sessionMeta(id)))
	}
	require.NoError(t, s.Close(context.Background()))

	stray := persistedRecord{ID: "journal/aaa.md", Vector: vectorOf(8), Metadata: &Metadata{Path: "journal/aaa.md"}}
	data, err := json.Marshal(stray)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, FileName("journal/aaa.md")), data, 0o644))

	reloaded := newReadyStore(t, NewFileBackend(dir), nil)
	assert.Equal(t, 3, reloaded.Stats().Count)
	assert.Equal(t, 1, reloaded.Stats().SkippedOnLoad)
	assert.Equal(t, StateReady.String(), reloaded.Stats().State)

	require.NoError(t, reloaded.Upsert("journal/e.md", vectorOf(16), sessionMeta("journal/e.md")))
	assert.ErrorIs(t, reloaded.Upsert("journal/f.md", vectorOf(8), sessionMeta("journal/f.md")), ErrInvalidVector)
}

func TestLoadRespectsMaxRecords(t *testing.T) {
	backend := newMemBackend()
	for _, id := range []string{"a", "b", "c"} {
		backend.records[id] = &Record{ID: id, Vector: []float32{1, 0, 0, 0}, Metadata: sessionMeta(id)}
	}
	cfg := testConfig()
	cfg.MaxRecords = 2
	s := New(backend, cfg, nil, nil, nil)
	require.NoError(t, s.Initialize(context.Background()))

	assert.Equal(t, 2, s.Stats().Count)
}

func TestOperationsBeforeInitialize(t *testing.T) {
	s := New(newMemBackend(), testConfig(), nil, nil, nil)

	assert.ErrorIs(t, s.Upsert("a", []float32{1, 0, 0, 0}, Metadata{}), ErrNotInitialized)
	assert.ErrorIs(t, s.Delete("a"), ErrNotInitialized)
	_, err := s.Search([]float32{1, 0, 0, 0}, 3, nil)
	assert.ErrorIs(t, err, ErrNotInitialized)
	_, err = s.GetItem("a")
	assert.ErrorIs(t, err, ErrNotInitialized)
}

func TestInitializeDegradesOnFailure(t *testing.T) {
	backend := newMemBackend()
	cause := errors.New("permission denied")
	backend.prepareFn = func(context.Context) error { return cause }
	s := New(backend, testConfig(), nil, nil, nil)

	require.NoError(t, s.Initialize(context.Background()))

	assert.True(t, s.HasInitializationError())
	assert.ErrorIs(t, s.InitError(), cause)
	assert.Equal(t, "degraded", s.Stats().State)

	err := s.Upsert("a", []float32{1, 0, 0, 0}, Metadata{})
	assert.ErrorIs(t, err, ErrDegraded)
	assert.ErrorIs(t, err, cause)
	var initErr *InitError
	assert.ErrorAs(t, err, &initErr)

	// a degraded store may be retried
	backend.prepareFn = nil
	require.NoError(t, s.Initialize(context.Background()))
	assert.False(t, s.HasInitializationError())
	assert.NoError(t, s.Upsert("a", []float32{1, 0, 0, 0}, Metadata{}))
}

func TestInitializeTimesOut(t *testing.T) {
	backend := newMemBackend()
	backend.prepareFn = func(ctx context.Context) error {
		<-ctx.Done()
		time.Sleep(50 * time.Millisecond)
		return ctx.Err()
	}
	cfg := testConfig()
	cfg.InitTimeout = 20 * time.Millisecond
	s := New(backend, cfg, nil, nil, nil)

	require.NoError(t, s.Initialize(context.Background()))

	assert.True(t, s.HasInitializationError())
	assert.ErrorIs(t, s.InitError(), context.DeadlineExceeded)
}

func TestInitializeIgnoresConcurrentCaller(t *testing.T) {
	backend := newMemBackend()
	release := make(chan struct{})
	entered := make(chan struct{})
	backend.prepareFn = func(context.Context) error {
		close(entered)
		<-release
		return nil
	}
	s := New(backend, testConfig(), nil, nil, nil)

	done := make(chan error, 1)
	go func() { done <- s.Initialize(context.Background()) }()
	<-entered

	// the second caller returns at once without loading
	require.NoError(t, s.Initialize(context.Background()))
	assert.Equal(t, "uninitialized", s.Stats().State)

	close(release)
	require.NoError(t, <-done)
	assert.Equal(t, "ready", s.Stats().State)

	require.NoError(t, s.Initialize(context.Background()))
	assert.Equal(t, int32(1), backend.prepares.Load())
}

func TestLegacyMigration(t *testing.T) {
	dir := t.TempDir()
	legacy := legacyIndex{
		Version: 1,
		Items: []persistedRecord{
			{ID: "journal/a.md", Vector: []float32{1, 0, 0, 0}, Metadata: &Metadata{Path: "journal/a.md", Type: TypeSession}},
			{ID: "journal/b.md", Vector: []float32{0, 1, 0, 0}, Metadata: &Metadata{Path: "journal/b.md", Type: TypeSession}},
			{ID: "broken", Vector: []float32{1}, Metadata: &Metadata{}},
		},
	}
	data, err := json.Marshal(legacy)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, legacyFileName), data, 0o644))

	s := newReadyStore(t, NewFileBackend(dir), nil)

	assert.Equal(t, 2, s.Stats().Count)
	assert.NoFileExists(t, filepath.Join(dir, legacyFileName))
	assert.FileExists(t, filepath.Join(dir, legacyRetiredName))
	assert.FileExists(t, filepath.Join(dir, FileName("journal/a.md")))
}

// flakyFileBackend fails the nth Put.
type flakyFileBackend struct {
	*FileBackend
	failOn int
	calls  int
}

func (b *flakyFileBackend) Put(ctx context.Context, rec *Record) error {
	b.calls++
	if b.calls == b.failOn {
		return errors.New("write failed")
	}
	return b.FileBackend.Put(ctx, rec)
}

func TestLegacyMigrationRollsBack(t *testing.T) {
	dir := t.TempDir()
	legacy := legacyIndex{
		Version: 1,
		Items: []persistedRecord{
			{ID: "a", Vector: []float32{1, 0, 0, 0}, Metadata: &Metadata{}},
			{ID: "b", Vector: []float32{0, 1, 0, 0}, Metadata: &Metadata{}},
			{ID: "c", Vector: []float32{0, 0, 1, 0}, Metadata: &Metadata{}},
		},
	}
	data, err := json.Marshal(legacy)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, legacyFileName), data, 0o644))

	backend := &flakyFileBackend{FileBackend: NewFileBackend(dir), failOn: 3}
	s := newReadyStore(t, backend, nil)

	assert.Equal(t, 0, s.Stats().Count)
	assert.FileExists(t, filepath.Join(dir, legacyFileName))
	assert.NoFileExists(t, filepath.Join(dir, FileName("a")))
	assert.NoFileExists(t, filepath.Join(dir, FileName("b")))
}

func TestClearFlushesSynchronously(t *testing.T) {
	dir := t.TempDir()
	s := newReadyStore(t, NewFileBackend(dir), nil)
	defer s.Close(context.Background())
	require.NoError(t, s.Upsert("a", []float32{1, 0, 0, 0}, sessionMeta("a")))
	require.NoError(t, s.Flush(context.Background()))
	assert.FileExists(t, filepath.Join(dir, FileName("a")))

	require.NoError(t, s.Clear(context.Background()))

	assert.Equal(t, 0, s.Stats().Count)
	assert.NoFileExists(t, filepath.Join(dir, FileName("a")))
	// dimension is free again after a clear
	assert.NoError(t, s.Upsert("b", []float32{1, 0, 0, 0, 0}, sessionMeta("b")))
}

func TestCloseFlushesAndRejectsLaterCalls(t *testing.T) {
	backend := newMemBackend()
	s := newReadyStore(t, backend, clockwork.NewFakeClock())
	require.NoError(t, s.Upsert("a", []float32{1, 0, 0, 0}, sessionMeta("a")))

	require.NoError(t, s.Close(context.Background()))

	assert.Equal(t, 1, backend.len())
	assert.ErrorIs(t, s.Upsert("b", []float32{1, 0, 0, 0}, Metadata{}), ErrClosed)
	assert.ErrorIs(t, s.Initialize(context.Background()), ErrClosed)
	assert.NoError(t, s.Close(context.Background()))
}
