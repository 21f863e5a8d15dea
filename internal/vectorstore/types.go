package vectorstore

import "strings"

// Note types stored in Metadata.Type.
const (
	TypeSession = "session"
	TypeEntity  = "entity"
)

// Metadata is the note snapshot stored next to each vector.
type Metadata struct {
	Path     string   `json:"path"`
	Title    string   `json:"title"`
	Date     string   `json:"date"`
	Summary  string   `json:"summary"`
	Tags     []string `json:"tags"`
	Category string   `json:"category"`
	Type     string   `json:"type"`
}

func (m Metadata) clone() Metadata {
	if m.Tags != nil {
		m.Tags = append([]string(nil), m.Tags...)
	}
	return m
}

type Record struct {
	ID       string    `json:"id"`
	Vector   []float32 `json:"vector"`
	Metadata Metadata  `json:"metadata"`
}

func (r *Record) clone() *Record {
	return &Record{
		ID:       r.ID,
		Vector:   append([]float32(nil), r.Vector...),
		Metadata: r.Metadata.clone(),
	}
}

// RawRecord is a persisted record as decoded by a backend, before validation.
// Err is set when the stored bytes could not be decoded at all.
type RawRecord struct {
	Source   string
	ID       string
	Vector   []float32
	Metadata *Metadata
	Err      error
}

// persistedRecord is the on-disk shape of one record.
type persistedRecord struct {
	ID       string    `json:"id"`
	Vector   []float32 `json:"vector"`
	Metadata *Metadata `json:"metadata"`
}

func (p persistedRecord) raw(source string) RawRecord {
	return RawRecord{Source: source, ID: p.ID, Vector: p.Vector, Metadata: p.Metadata}
}

// Filter restricts a search. Empty fields match everything; Tags matches when
// any of its tags is present on the record (case-insensitive).
type Filter struct {
	Type     string
	Category string
	Path     string
	Date     string
	Tags     []string
}

func (f *Filter) Match(m *Metadata) bool {
	if f == nil {
		return true
	}
	if f.Type != "" && m.Type != f.Type {
		return false
	}
	if f.Category != "" && m.Category != f.Category {
		return false
	}
	if f.Path != "" && m.Path != f.Path {
		return false
	}
	if f.Date != "" && m.Date != f.Date {
		return false
	}
	if len(f.Tags) == 0 {
		return true
	}
	for _, want := range f.Tags {
		for _, have := range m.Tags {
			if strings.EqualFold(want, have) {
				return true
			}
		}
	}
	return false
}

type SearchResult struct {
	ID       string   `json:"id"`
	Score    float64  `json:"score"`
	Metadata Metadata `json:"metadata"`
}

type State int

const (
	StateUninitialized State = iota
	StateReady
	StateDegraded
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateReady:
		return "ready"
	case StateDegraded:
		return "degraded"
	case StateClosed:
		return "closed"
	default:
		return "uninitialized"
	}
}

type Stats struct {
	Count          int    `json:"count"`
	Dimension      int    `json:"dimension"`
	Dirty          int    `json:"dirty"`
	PendingDeletes int    `json:"pending_deletes"`
	SkippedOnLoad  int    `json:"skipped_on_load"`
	State          string `json:"state"`
	InitError      string `json:"init_error,omitempty"`
}
