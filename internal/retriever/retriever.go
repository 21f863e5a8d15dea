// Package retriever assembles the personal context for one chat turn from
// recent journal notes, semantically similar sessions, and the entities and
// goals the conversation refers to.
package retriever

import (
	"context"
	"fmt"
	"path"
	"sort"
	"strings"
	"time"

	"ai-coach-context/internal/indexer"
	"ai-coach-context/internal/metrics"
	"ai-coach-context/internal/pkg/logger"
	"ai-coach-context/internal/vault"
	"ai-coach-context/internal/vectorstore"
	"ai-coach-context/pkg/embedding"
	"ai-coach-context/pkg/frontmatter"
	"ai-coach-context/pkg/notetext"

	"github.com/jonboulle/clockwork"
	"github.com/patrickmn/go-cache"
	"golang.org/x/sync/errgroup"
)

const (
	logModule = "retriever"

	defaultWindowDays = 7
	maxWindowDays     = 365
	candidatesKey     = "candidates"
)

type Config struct {
	JournalFolder     string
	EntitiesFolder    string
	RecentWindowDays  int
	MaxRecent         int
	HistoryMessages   int
	MaxSemantic       int
	MaxScanLength     int
	MaxLinkMatches    int
	MaxCandidateNames int
	SummaryMaxLength  int
	SummaryLabels     []string
	NameCacheTTL      time.Duration
}

func DefaultConfig() Config {
	return Config{
		JournalFolder:     "journal",
		EntitiesFolder:    "entities",
		RecentWindowDays:  defaultWindowDays,
		MaxRecent:         10,
		HistoryMessages:   3,
		MaxSemantic:       5,
		MaxScanLength:     10000,
		MaxLinkMatches:    50,
		MaxCandidateNames: 500,
		SummaryMaxLength:  500,
		SummaryLabels:     notetext.DefaultSummaryLabels,
		NameCacheTTL:      30 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	c.RecentWindowDays = ClampWindow(c.RecentWindowDays)
	if c.MaxRecent <= 0 {
		c.MaxRecent = d.MaxRecent
	}
	if c.HistoryMessages < 0 {
		c.HistoryMessages = d.HistoryMessages
	}
	if c.MaxSemantic <= 0 {
		c.MaxSemantic = d.MaxSemantic
	}
	if c.MaxScanLength <= 0 {
		c.MaxScanLength = d.MaxScanLength
	}
	if c.MaxLinkMatches <= 0 {
		c.MaxLinkMatches = d.MaxLinkMatches
	}
	if c.MaxCandidateNames <= 0 {
		c.MaxCandidateNames = d.MaxCandidateNames
	}
	if c.SummaryMaxLength <= 0 {
		c.SummaryMaxLength = d.SummaryMaxLength
	}
	if len(c.SummaryLabels) == 0 {
		c.SummaryLabels = d.SummaryLabels
	}
	if c.NameCacheTTL <= 0 {
		c.NameCacheTTL = d.NameCacheTTL
	}
	c.JournalFolder = strings.Trim(c.JournalFolder, "/")
	c.EntitiesFolder = strings.Trim(c.EntitiesFolder, "/")
	return c
}

// ClampWindow maps an invalid window to the default and caps it at a year.
func ClampWindow(days int) int {
	if days < 1 {
		return defaultWindowDays
	}
	if days > maxWindowDays {
		return maxWindowDays
	}
	return days
}

// Searcher is the read side of the vector store.
type Searcher interface {
	Search(query []float32, limit int, filter *vectorstore.Filter) ([]vectorstore.SearchResult, error)
}

type candidate struct {
	name  string
	lower string
	path  string
}

type Retriever struct {
	cfg      Config
	vault    vault.Vault
	store    Searcher
	embedder embedding.Provider
	log      logger.ILogger
	metrics  *metrics.Metrics
	clock    clockwork.Clock

	summaries *cache.Cache
	names     *cache.Cache
}

func New(
	cfg Config,
	v vault.Vault,
	store Searcher,
	embedder embedding.Provider,
	log logger.ILogger,
	m *metrics.Metrics,
	clock clockwork.Clock,
) *Retriever {
	cfg = cfg.withDefaults()
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Retriever{
		cfg:       cfg,
		vault:     v,
		store:     store,
		embedder:  embedder,
		log:       logger.OrNop(log),
		metrics:   m,
		clock:     clock,
		summaries: cache.New(30*time.Minute, 10*time.Minute),
		names:     cache.New(cfg.NameCacheTTL, time.Minute),
	}
}

// InvalidateNames drops the cached entity name list.
func (r *Retriever) InvalidateNames() {
	r.names.Delete(candidatesKey)
}

// Retrieve gathers the three context sources concurrently. A failing
// semantic search yields no semantic matches instead of an error.
func (r *Retriever) Retrieve(ctx context.Context, message string, history []Message) (*ConversationContext, error) {
	start := time.Now()
	defer r.metrics.ObserveRetrieve(start)

	out := &ConversationContext{
		RecentNotes:     []NoteSummary{},
		SemanticMatches: []SemanticMatch{},
		LinkedEntities:  []Entity{},
		LinkedGoals:     []Goal{},
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		notes, err := r.recentNotes(gctx)
		if err != nil {
			return fmt.Errorf("recent notes: %w", err)
		}
		out.RecentNotes = notes
		return nil
	})
	g.Go(func() error {
		out.SemanticMatches = r.semanticMatches(gctx, message, history)
		return nil
	})
	g.Go(func() error {
		entities, goals, err := r.linked(gctx, message, history)
		if err != nil {
			return fmt.Errorf("linked notes: %w", err)
		}
		out.LinkedEntities, out.LinkedGoals = entities, goals
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

func (r *Retriever) recentNotes(ctx context.Context) ([]NoteSummary, error) {
	files, err := r.vault.List(ctx, vault.ListOptions{Extension: ".md", Prefixes: []string{r.cfg.JournalFolder}})
	if err != nil {
		return nil, err
	}

	now := r.clock.Now()
	cutoff := now.AddDate(0, 0, -r.cfg.RecentWindowDays)
	local := cutoff.In(time.Local)
	cutoffDay := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, time.Local)

	var recent []vault.File
	for _, f := range files {
		named, ok := indexer.DateFromName(f.Path)
		if (ok && !named.Before(cutoffDay)) || !f.ModTime.Before(cutoff) {
			recent = append(recent, f)
		}
	}
	sort.SliceStable(recent, func(i, j int) bool {
		return recent[i].ModTime.After(recent[j].ModTime)
	})
	if len(recent) > r.cfg.MaxRecent {
		recent = recent[:r.cfg.MaxRecent]
	}

	results := make([]*NoteSummary, len(recent))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for i, f := range recent {
		g.Go(func() error {
			s, err := r.summarize(gctx, f)
			if err != nil {
				r.log.Warn(logModule, "Skipping unreadable recent note", map[string]interface{}{
					"path":  f.Path,
					"error": err.Error(),
				})
				return nil
			}
			results[i] = s
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	notes := make([]NoteSummary, 0, len(results))
	for _, s := range results {
		if s != nil {
			notes = append(notes, *s)
		}
	}
	return notes, nil
}

// summarize reads a note once per modification time.
func (r *Retriever) summarize(ctx context.Context, f vault.File) (*NoteSummary, error) {
	key := fmt.Sprintf("%s@%d", f.Path, f.ModTime.UnixNano())
	if cached, ok := r.summaries.Get(key); ok {
		s := cached.(NoteSummary)
		return &s, nil
	}

	raw, err := r.vault.Read(ctx, f.Path)
	if err != nil {
		return nil, err
	}
	fm, body := frontmatter.Parse(raw)

	title := strings.TrimSpace(fm.String("title", ""))
	if title == "" {
		title = notetext.Title(body, f.Path)
	}
	date := fm.String("date", "")
	if date == "" {
		if t, ok := indexer.DateFromName(f.Path); ok {
			date = t.Format("2006-01-02")
		} else {
			date = f.ModTime.Format("2006-01-02")
		}
	}

	s := NoteSummary{
		Path:    f.Path,
		Title:   title,
		Date:    date,
		ModTime: f.ModTime,
		Summary: r.noteSummary(body),
		Tags:    notetext.MergeTags(fm.Strings("tags"), notetext.InlineTags(body)),
	}
	r.summaries.Set(key, s, cache.DefaultExpiration)
	return &s, nil
}

// noteSummary prefers a summary section under any known label and falls
// back to the start of the body.
func (r *Retriever) noteSummary(body string) string {
	if section, ok := notetext.SummarySection(body, r.cfg.SummaryLabels); ok {
		return notetext.Truncate(section, r.cfg.SummaryMaxLength)
	}
	return notetext.Summary(body, r.cfg.SummaryMaxLength)
}

func (r *Retriever) semanticQuery(message string, history []Message) string {
	var parts []string
	if n := r.cfg.HistoryMessages; n > 0 {
		from := len(history) - n
		if from < 0 {
			from = 0
		}
		for _, m := range history[from:] {
			if c := strings.TrimSpace(m.Content); c != "" {
				parts = append(parts, c)
			}
		}
	}
	if m := strings.TrimSpace(message); m != "" {
		parts = append(parts, m)
	}
	return strings.Join(parts, "\n")
}

func (r *Retriever) semanticMatches(ctx context.Context, message string, history []Message) []SemanticMatch {
	matches := []SemanticMatch{}
	if r.store == nil || r.embedder == nil {
		return matches
	}
	query := r.semanticQuery(message, history)
	if query == "" {
		return matches
	}

	vec, err := r.embedder.EmbedQuery(ctx, query)
	if err != nil {
		r.metrics.RecordSourceError("semantic")
		r.log.Warn(logModule, "Semantic search unavailable, embedding failed", map[string]interface{}{"error": err.Error()})
		return matches
	}
	results, err := r.store.Search(vec, r.cfg.MaxSemantic, &vectorstore.Filter{Type: vectorstore.TypeSession})
	if err != nil {
		r.metrics.RecordSourceError("semantic")
		r.log.Warn(logModule, "Semantic search failed", map[string]interface{}{"error": err.Error()})
		return matches
	}

	for _, res := range results {
		matches = append(matches, SemanticMatch{
			NoteSummary: NoteSummary{
				Path:    res.Metadata.Path,
				Title:   res.Metadata.Title,
				Date:    res.Metadata.Date,
				Summary: res.Metadata.Summary,
				Tags:    res.Metadata.Tags,
			},
			Score: res.Score,
		})
	}
	return matches
}

func (r *Retriever) candidates(ctx context.Context) ([]candidate, error) {
	if cached, ok := r.names.Get(candidatesKey); ok {
		return cached.([]candidate), nil
	}
	files, err := r.vault.List(ctx, vault.ListOptions{Extension: ".md", Prefixes: []string{r.cfg.EntitiesFolder}})
	if err != nil {
		return nil, err
	}
	if len(files) > r.cfg.MaxCandidateNames {
		r.log.Warn(logModule, "Too many entity notes, name matching truncated", map[string]interface{}{
			"entities": len(files),
			"limit":    r.cfg.MaxCandidateNames,
		})
		files = files[:r.cfg.MaxCandidateNames]
	}
	out := make([]candidate, 0, len(files))
	for _, f := range files {
		name := notetext.BaseName(f.Path)
		out = append(out, candidate{name: name, lower: strings.ToLower(name), path: f.Path})
	}
	r.names.Set(candidatesKey, out, cache.DefaultExpiration)
	return out, nil
}

type mention struct {
	candidate
	pos int
}

func (r *Retriever) linked(ctx context.Context, message string, history []Message) ([]Entity, []Goal, error) {
	var b strings.Builder
	for _, m := range history {
		b.WriteString(m.Content)
		b.WriteString("\n")
	}
	b.WriteString(message)
	text := tail(b.String(), r.cfg.MaxScanLength)
	lower := strings.ToLower(text)

	cands, err := r.candidates(ctx)
	if err != nil {
		return nil, nil, err
	}
	byName := make(map[string]candidate, len(cands))
	for _, c := range cands {
		if _, dup := byName[c.lower]; !dup {
			byName[c.lower] = c
		}
	}

	found := make(map[string]*mention)
	note := func(c candidate, pos int) {
		if pos < 0 {
			pos = len(lower)
		}
		if m, ok := found[c.path]; ok {
			if pos < m.pos {
				m.pos = pos
			}
			return
		}
		found[c.path] = &mention{candidate: c, pos: pos}
	}

	for _, target := range notetext.WikiLinks(text, r.cfg.MaxLinkMatches) {
		key := strings.ToLower(target)
		c, ok := byName[key]
		if !ok {
			c, ok = r.resolveLink(target)
		}
		if ok {
			note(c, strings.Index(lower, key))
		}
	}
	for _, c := range cands {
		if pos := findMention(lower, c.lower); pos >= 0 {
			note(c, pos)
		}
	}

	mentions := make([]*mention, 0, len(found))
	for _, m := range found {
		mentions = append(mentions, m)
	}
	sort.Slice(mentions, func(i, j int) bool {
		if mentions[i].pos != mentions[j].pos {
			return mentions[i].pos < mentions[j].pos
		}
		return mentions[i].path < mentions[j].path
	})

	type loaded struct {
		entity *Entity
		goal   *Goal
	}
	results := make([]loaded, len(mentions))
	g, gctx := errgroup.WithContext(ctx)
	for i, m := range mentions {
		g.Go(func() error {
			raw, err := r.vault.Read(gctx, m.path)
			if err != nil {
				r.log.Warn(logModule, "Skipping unreadable linked note", map[string]interface{}{
					"path":  m.path,
					"error": err.Error(),
				})
				return nil
			}
			e, goal := r.classify(m.candidate, raw)
			results[i] = loaded{entity: e, goal: goal}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}

	entities, goals := []Entity{}, []Goal{}
	for _, l := range results {
		switch {
		case l.goal != nil:
			goals = append(goals, *l.goal)
		case l.entity != nil:
			entities = append(entities, *l.entity)
		}
	}
	return entities, goals, nil
}

// resolveLink finds an entity note for a link target that is not among the
// cached names, e.g. "goals/Run" or a note created after the cache filled.
func (r *Retriever) resolveLink(target string) (candidate, bool) {
	rel := target
	if !strings.HasSuffix(strings.ToLower(rel), ".md") {
		rel += ".md"
	}
	p, err := vault.CleanPath(path.Join(r.cfg.EntitiesFolder, rel))
	if err != nil || !vault.InFolder(p, r.cfg.EntitiesFolder) {
		return candidate{}, false
	}
	if _, err := r.vault.Stat(p); err != nil {
		return candidate{}, false
	}
	name := notetext.BaseName(p)
	return candidate{name: name, lower: strings.ToLower(name), path: p}, true
}

func (r *Retriever) classify(c candidate, raw string) (*Entity, *Goal) {
	fm, body := frontmatter.Parse(raw)
	summary := strings.TrimSpace(fm.String("summary", ""))
	if summary == "" {
		summary = r.noteSummary(body)
	} else {
		summary = notetext.Truncate(summary, r.cfg.SummaryMaxLength)
	}
	tags := notetext.MergeTags(fm.Strings("tags"), notetext.InlineTags(body))

	if r.isGoal(c.path, fm) {
		due := fm.String("due", "")
		if due == "" {
			due = fm.String("deadline", "")
		}
		return nil, &Goal{
			Name:    c.name,
			Path:    c.path,
			Status:  fm.String("status", "active"),
			Due:     due,
			Summary: summary,
			Tags:    tags,
		}
	}

	category := fm.String("category", "")
	if category == "" {
		category = r.folderCategory(c.path)
	}
	return &Entity{
		Name:     c.name,
		Path:     c.path,
		Category: category,
		Summary:  summary,
		Tags:     tags,
	}, nil
}

func (r *Retriever) isGoal(p string, fm frontmatter.Frontmatter) bool {
	if strings.EqualFold(fm.String("type", ""), "goal") || strings.EqualFold(fm.String("category", ""), "goal") {
		return true
	}
	return vault.InFolder(p, path.Join(r.cfg.EntitiesFolder, "goals"))
}

// folderCategory names an entity after its first subfolder under the
// entities folder, e.g. entities/people/Sam.md -> "people".
func (r *Retriever) folderCategory(p string) string {
	rel := strings.TrimPrefix(p, r.cfg.EntitiesFolder+"/")
	if dir, _, ok := strings.Cut(rel, "/"); ok && dir != "" {
		return dir
	}
	return "general"
}
