// Package indexer keeps the vector store in step with note edits. Events are
// debounced per path into a bounded queue; overflow is parked in a dropped
// table and re-admitted as capacity frees up.
package indexer

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"ai-coach-context/internal/metrics"
	"ai-coach-context/internal/pkg/logger"
	"ai-coach-context/internal/vault"
	"ai-coach-context/internal/vectorstore"
	"ai-coach-context/pkg/embedding"
	"ai-coach-context/pkg/events"
	"ai-coach-context/pkg/notify"

	"github.com/jonboulle/clockwork"
)

const logModule = "indexer"

// errStale marks a run whose path changed or was torn down while it was in flight.
var errStale = errors.New("indexer: superseded")

// ErrIndexRunning is returned by IndexAll while another full index is running.
var ErrIndexRunning = errors.New("indexer: full index already running")

type Config struct {
	JournalFolder    string
	EntitiesFolder   string
	Debounce         time.Duration
	MaxPending       int
	MaxRetries       int
	MaxDropped       int
	Concurrency      int
	SummaryMaxLength int
	DefaultCategory  string
}

func DefaultConfig() Config {
	return Config{
		JournalFolder:    "journal",
		EntitiesFolder:   "entities",
		Debounce:         time.Second,
		MaxPending:       50,
		MaxRetries:       3,
		MaxDropped:       500,
		Concurrency:      2,
		SummaryMaxLength: 500,
		DefaultCategory:  "general",
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Debounce <= 0 {
		c.Debounce = d.Debounce
	}
	if c.MaxPending <= 0 {
		c.MaxPending = d.MaxPending
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = d.MaxRetries
	}
	if c.MaxDropped <= 0 {
		c.MaxDropped = d.MaxDropped
	}
	if c.Concurrency <= 0 {
		c.Concurrency = d.Concurrency
	}
	if c.SummaryMaxLength <= 0 {
		c.SummaryMaxLength = d.SummaryMaxLength
	}
	if c.DefaultCategory == "" {
		c.DefaultCategory = d.DefaultCategory
	}
	c.JournalFolder = strings.Trim(c.JournalFolder, "/")
	c.EntitiesFolder = strings.Trim(c.EntitiesFolder, "/")
	return c
}

// VectorStore is the part of the store the indexer writes to.
type VectorStore interface {
	Upsert(id string, vector []float32, meta vectorstore.Metadata) error
	Delete(id string) error
}

type Result struct {
	Indexed int `json:"indexed"`
	Errors  int `json:"errors"`
}

type Stats struct {
	Pending     int  `json:"pending"`
	Dropped     int  `json:"dropped"`
	InFlight    int  `json:"in_flight"`
	IndexingAll bool `json:"indexing_all"`
}

type pendingEntry struct {
	path  string
	timer clockwork.Timer
}

type droppedEntry struct {
	path    string
	retries int
}

type Indexer struct {
	vault    vault.Vault
	store    VectorStore
	embedder embedding.Provider
	notifier notify.Notifier
	log      logger.ILogger
	metrics  *metrics.Metrics
	clock    clockwork.Clock

	destroyed   atomic.Bool
	indexingAll atomic.Bool
	sem         chan struct{}
	done        chan struct{}
	destroyOnce sync.Once

	mu          sync.Mutex
	cfg         Config
	initialized bool
	subs        []vault.Subscription
	pending     map[string]*list.Element // -> *pendingEntry
	pendingList *list.List
	dropped     map[string]*list.Element // -> *droppedEntry
	droppedList *list.List
	retries     map[string]int
	inFlight    map[string]int // path -> running index calls
	requeue     map[string]bool
	generation  map[string]uint64
}

func New(
	cfg Config,
	v vault.Vault,
	store VectorStore,
	embedder embedding.Provider,
	notifier notify.Notifier,
	log logger.ILogger,
	m *metrics.Metrics,
	clock clockwork.Clock,
) *Indexer {
	cfg = cfg.withDefaults()
	if notifier == nil {
		notifier = notify.Nop{}
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Indexer{
		vault:       v,
		store:       store,
		embedder:    embedder,
		notifier:    notifier,
		log:         logger.OrNop(log),
		metrics:     m,
		clock:       clock,
		sem:         make(chan struct{}, cfg.Concurrency),
		done:        make(chan struct{}),
		cfg:         cfg,
		pending:     make(map[string]*list.Element),
		pendingList: list.New(),
		dropped:     make(map[string]*list.Element),
		droppedList: list.New(),
		retries:     make(map[string]int),
		inFlight:    make(map[string]int),
		requeue:     make(map[string]bool),
		generation:  make(map[string]uint64),
	}
}

// Initialize subscribes to vault events. Repeat calls do nothing.
func (i *Indexer) Initialize() {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.initialized || i.destroyed.Load() {
		return
	}
	i.initialized = true
	i.subs = append(i.subs,
		i.vault.On(vault.EventCreate, i.onChange),
		i.vault.On(vault.EventModify, i.onChange),
		i.vault.On(vault.EventDelete, i.onDelete),
		i.vault.On(vault.EventRename, i.onRename),
	)
}

func (i *Indexer) inScopeLocked(p string) bool {
	if !strings.EqualFold(vault.File{Path: p}.Ext(), ".md") {
		return false
	}
	return vault.InFolder(p, i.cfg.JournalFolder) || vault.InFolder(p, i.cfg.EntitiesFolder)
}

func (i *Indexer) onChange(e vault.Event) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.destroyed.Load() || !i.inScopeLocked(e.Path) {
		return
	}
	i.touchLocked(e.Path)
	i.scheduleLocked(e.Path)
}

func (i *Indexer) onDelete(e vault.Event) {
	i.forget(e.Path)
}

func (i *Indexer) onRename(e vault.Event) {
	if e.OldPath != "" {
		i.forget(e.OldPath)
	}
	i.onChange(vault.Event{Type: vault.EventModify, Path: e.Path})
}

// forget cancels all queued work for p and removes its record.
func (i *Indexer) forget(p string) {
	i.mu.Lock()
	if i.destroyed.Load() {
		i.mu.Unlock()
		return
	}
	i.cancelPendingLocked(p)
	i.removeDroppedLocked(p)
	delete(i.retries, p)
	delete(i.requeue, p)
	i.touchLocked(p)
	i.metrics.SetPending(len(i.pending))
	// the delete and the generation bump must not interleave with a run's
	// final check and upsert
	err := i.store.Delete(p)
	i.mu.Unlock()

	if err != nil && !i.isTeardown(err) {
		i.log.Error(logModule, "Failed to delete record", map[string]interface{}{
			"path":  p,
			"error": err.Error(),
		})
	}
}

// touchLocked invalidates any in-flight run for p.
func (i *Indexer) touchLocked(p string) {
	if i.inFlight[p] > 0 {
		i.generation[p]++
	}
}

// scheduleLocked (re)starts the debounce timer for p, evicting the oldest
// pending path if the queue is full.
func (i *Indexer) scheduleLocked(p string) {
	if el, ok := i.pending[p]; ok {
		el.Value.(*pendingEntry).timer.Stop()
		i.pendingList.Remove(el)
		delete(i.pending, p)
	}
	i.removeDroppedLocked(p)

	for len(i.pending) >= i.cfg.MaxPending {
		oldest := i.pendingList.Front()
		entry := oldest.Value.(*pendingEntry)
		entry.timer.Stop()
		i.pendingList.Remove(oldest)
		delete(i.pending, entry.path)
		i.dropLocked(entry.path)
	}

	entry := &pendingEntry{path: p}
	entry.timer = i.clock.AfterFunc(i.cfg.Debounce, func() { i.fire(entry) })
	i.pending[p] = i.pendingList.PushBack(entry)
	i.metrics.SetPending(len(i.pending))
}

func (i *Indexer) cancelPendingLocked(p string) {
	el, ok := i.pending[p]
	if !ok {
		return
	}
	el.Value.(*pendingEntry).timer.Stop()
	i.pendingList.Remove(el)
	delete(i.pending, p)
}

// dropLocked parks an evicted path for retry, or abandons it once it has been
// dropped more than MaxRetries times.
func (i *Indexer) dropLocked(p string) {
	retries := i.retries[p] + 1
	if retries > i.cfg.MaxRetries {
		delete(i.retries, p)
		i.abandonLocked(p, retries-1)
		return
	}
	i.retries[p] = retries
	i.metrics.RecordDropped()

	if el, ok := i.dropped[p]; ok {
		el.Value.(*droppedEntry).retries = retries
		return
	}
	i.dropped[p] = i.droppedList.PushBack(&droppedEntry{path: p, retries: retries})

	for len(i.dropped) > i.cfg.MaxDropped {
		oldest := i.droppedList.Front()
		entry := oldest.Value.(*droppedEntry)
		i.droppedList.Remove(oldest)
		delete(i.dropped, entry.path)
		delete(i.retries, entry.path)
		i.abandonLocked(entry.path, entry.retries)
	}
}

func (i *Indexer) abandonLocked(p string, retries int) {
	i.metrics.RecordAbandoned()
	i.log.Warn(logModule, "Abandoning file after repeated queue overflow", map[string]interface{}{
		"path":    p,
		"retries": retries,
	})
	go i.notifier.Notify(context.Background(), notify.Notification{
		Level:   notify.LevelWarning,
		Kind:    events.TypeIndexAbandoned,
		Message: fmt.Sprintf("Gave up indexing %s", p),
		Path:    p,
		At:      i.clock.Now(),
	})
}

func (i *Indexer) removeDroppedLocked(p string) {
	if el, ok := i.dropped[p]; ok {
		i.droppedList.Remove(el)
		delete(i.dropped, p)
	}
}

// readmitDropped moves dropped paths back into the queue while there is room.
func (i *Indexer) readmitDropped() {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.destroyed.Load() {
		return
	}
	for len(i.pending) < i.cfg.MaxPending {
		front := i.droppedList.Front()
		if front == nil {
			return
		}
		entry := front.Value.(*droppedEntry)
		i.droppedList.Remove(front)
		delete(i.dropped, entry.path)
		i.scheduleLocked(entry.path)
	}
}

// fire runs when a debounce timer expires.
func (i *Indexer) fire(entry *pendingEntry) {
	p := entry.path

	i.mu.Lock()
	el, ok := i.pending[p]
	if i.destroyed.Load() || !ok || el.Value.(*pendingEntry) != entry {
		// cancelled or superseded after the timer had already expired
		i.mu.Unlock()
		return
	}
	i.pendingList.Remove(el)
	delete(i.pending, p)
	i.metrics.SetPending(len(i.pending))
	if i.inFlight[p] > 0 {
		i.requeue[p] = true
		i.mu.Unlock()
		return
	}
	gen := i.beginLocked(p)
	i.mu.Unlock()

	err := i.runLimited(p, gen)

	i.mu.Lock()
	delete(i.retries, p)
	i.endLocked(p)
	i.mu.Unlock()

	if err != nil && !errors.Is(err, errStale) && !i.isTeardown(err) {
		i.metrics.RecordIndexError()
		i.log.Error(logModule, "Failed to index file", map[string]interface{}{
			"path":  p,
			"error": err.Error(),
		})
		i.notifier.Notify(context.Background(), notify.Notification{
			Level:   notify.LevelError,
			Kind:    events.TypeIndexFailed,
			Message: fmt.Sprintf("Indexing failed for %s", p),
			Path:    p,
			At:      i.clock.Now(),
		})
	}

	i.readmitDropped()
}

func (i *Indexer) runLimited(p string, gen uint64) error {
	select {
	case i.sem <- struct{}{}:
	case <-i.done:
		return errStale
	}
	defer func() { <-i.sem }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-i.done:
			cancel()
		case <-ctx.Done():
		}
	}()
	return i.index(ctx, p, gen)
}

// beginLocked marks p in flight and returns the generation the run must
// still hold when it writes.
func (i *Indexer) beginLocked(p string) uint64 {
	i.inFlight[p]++
	return i.generation[p]
}

// endLocked releases a run started by beginLocked. The last run out
// reschedules p if an edit arrived while it was busy.
func (i *Indexer) endLocked(p string) {
	i.inFlight[p]--
	if i.inFlight[p] > 0 {
		return
	}
	delete(i.inFlight, p)
	delete(i.generation, p)
	again := i.requeue[p]
	delete(i.requeue, p)
	if again && !i.destroyed.Load() {
		i.scheduleLocked(p)
	}
}

// stillCurrent reports whether a run started at gen may still write.
func (i *Indexer) stillCurrent(p string, gen uint64) bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.currentLocked(p, gen)
}

func (i *Indexer) currentLocked(p string, gen uint64) bool {
	return !i.destroyed.Load() && i.generation[p] == gen
}

func (i *Indexer) index(ctx context.Context, p string, gen uint64) error {
	file, err := i.vault.Stat(p)
	if err != nil {
		return fmt.Errorf("stat %s: %w", p, err)
	}
	raw, err := i.vault.Read(ctx, p)
	if err != nil {
		return fmt.Errorf("read %s: %w", p, err)
	}
	if !i.stillCurrent(p, gen) {
		return errStale
	}

	i.mu.Lock()
	cfg := i.cfg
	i.mu.Unlock()
	meta := BuildMetadata(file, raw, cfg)

	vector, err := i.embedder.EmbedDocument(ctx, EmbeddingText(meta))
	if err != nil {
		if !i.stillCurrent(p, gen) {
			return errStale
		}
		return fmt.Errorf("embed %s: %w", p, err)
	}
	i.mu.Lock()
	if !i.currentLocked(p, gen) {
		i.mu.Unlock()
		return errStale
	}
	err = i.store.Upsert(p, vector, meta)
	i.mu.Unlock()
	if err != nil {
		return fmt.Errorf("upsert %s: %w", p, err)
	}
	i.metrics.RecordIndexed()
	i.log.Debug(logModule, "Indexed file", map[string]interface{}{"path": p})
	return nil
}

func (i *Indexer) isTeardown(err error) bool {
	return i.destroyed.Load() || errors.Is(err, vectorstore.ErrClosed)
}

// IndexFile indexes one note immediately, bypassing the debounce queue.
func (i *Indexer) IndexFile(ctx context.Context, p string) error {
	p, err := vault.CleanPath(p)
	if err != nil {
		return err
	}
	if err := i.indexNow(ctx, p); !errors.Is(err, errStale) {
		return err
	}
	return nil
}

// indexNow registers p as in flight so a delete, rename or modify arriving
// mid-run supersedes it, exactly as for a debounced run.
func (i *Indexer) indexNow(ctx context.Context, p string) error {
	i.mu.Lock()
	gen := i.beginLocked(p)
	i.mu.Unlock()
	defer func() {
		i.mu.Lock()
		i.endLocked(p)
		i.mu.Unlock()
	}()
	return i.index(ctx, p, gen)
}

// IndexAll indexes every in-scope note one at a time. A call made while
// another is running returns ErrIndexRunning.
func (i *Indexer) IndexAll(ctx context.Context) (Result, error) {
	if !i.indexingAll.CompareAndSwap(false, true) {
		return Result{}, ErrIndexRunning
	}
	defer i.indexingAll.Store(false)
	return i.indexAll(ctx)
}

// StartIndexAll claims the full-index slot and runs the index in the
// background, passing the outcome to done. It returns ErrIndexRunning when the
// slot is taken.
func (i *Indexer) StartIndexAll(ctx context.Context, done func(Result, error)) error {
	if !i.indexingAll.CompareAndSwap(false, true) {
		return ErrIndexRunning
	}
	go func() {
		res, err := i.indexAll(ctx)
		i.indexingAll.Store(false)
		if done != nil {
			done(res, err)
		}
	}()
	return nil
}

func (i *Indexer) indexAll(ctx context.Context) (Result, error) {
	i.mu.Lock()
	opts := vault.ListOptions{Extension: ".md", Prefixes: []string{i.cfg.JournalFolder, i.cfg.EntitiesFolder}}
	i.mu.Unlock()

	files, err := i.vault.List(ctx, opts)
	if err != nil {
		return Result{}, fmt.Errorf("list notes: %w", err)
	}

	var res Result
	for _, f := range files {
		if i.destroyed.Load() {
			break
		}
		if err := ctx.Err(); err != nil {
			return res, err
		}
		err := i.indexNow(ctx, f.Path)
		if err == nil {
			res.Indexed++
			continue
		}
		if errors.Is(err, errStale) {
			continue
		}
		if i.isTeardown(err) {
			break
		}
		res.Errors++
		i.metrics.RecordIndexError()
		i.log.Warn(logModule, "Failed to index file during full index", map[string]interface{}{
			"path":  f.Path,
			"error": err.Error(),
		})
	}

	i.log.Info(logModule, "Full index finished", map[string]interface{}{
		"indexed": res.Indexed,
		"errors":  res.Errors,
	})
	return res, nil
}

// UpdateSettings changes the watched folders. Any queued work keyed to the old
// folders is discarded.
func (i *Indexer) UpdateSettings(journalFolder, entitiesFolder string) {
	i.mu.Lock()
	defer i.mu.Unlock()
	journalFolder = strings.Trim(journalFolder, "/")
	entitiesFolder = strings.Trim(entitiesFolder, "/")
	if journalFolder == i.cfg.JournalFolder && entitiesFolder == i.cfg.EntitiesFolder {
		return
	}
	i.cfg.JournalFolder = journalFolder
	i.cfg.EntitiesFolder = entitiesFolder
	i.resetQueuesLocked()
	i.log.Info(logModule, "Indexer folders changed, queues cleared", map[string]interface{}{
		"journal":  journalFolder,
		"entities": entitiesFolder,
	})
}

func (i *Indexer) resetQueuesLocked() {
	for el := i.pendingList.Front(); el != nil; el = el.Next() {
		el.Value.(*pendingEntry).timer.Stop()
	}
	i.pendingList.Init()
	i.pending = make(map[string]*list.Element)
	i.droppedList.Init()
	i.dropped = make(map[string]*list.Element)
	i.retries = make(map[string]int)
	i.requeue = make(map[string]bool)
	for p := range i.inFlight {
		i.generation[p]++
	}
	i.metrics.SetPending(0)
}

// Destroy stops all queued work and unsubscribes from the vault. In-flight
// runs observe the flag and skip their writes.
func (i *Indexer) Destroy() {
	i.destroyOnce.Do(func() {
		i.destroyed.Store(true)
		close(i.done)

		i.mu.Lock()
		subs := i.subs
		i.subs = nil
		i.resetQueuesLocked()
		i.mu.Unlock()

		for _, sub := range subs {
			i.vault.Off(sub)
		}
	})
}

func (i *Indexer) Stats() Stats {
	i.mu.Lock()
	defer i.mu.Unlock()
	return Stats{
		Pending:     len(i.pending),
		Dropped:     len(i.dropped),
		InFlight:    len(i.inFlight),
		IndexingAll: i.indexingAll.Load(),
	}
}

// Dropped returns the dropped table as path -> retry count.
func (i *Indexer) Dropped() map[string]int {
	i.mu.Lock()
	defer i.mu.Unlock()
	out := make(map[string]int, len(i.dropped))
	for p, el := range i.dropped {
		out[p] = el.Value.(*droppedEntry).retries
	}
	return out
}
