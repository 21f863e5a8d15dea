package retriever

import "time"

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type NoteSummary struct {
	Path    string    `json:"path"`
	Title   string    `json:"title"`
	Date    string    `json:"date"`
	ModTime time.Time `json:"mod_time"`
	Summary string    `json:"summary"`
	Tags    []string  `json:"tags"`
}

type SemanticMatch struct {
	NoteSummary
	Score float64 `json:"score"`
}

type Entity struct {
	Name     string   `json:"name"`
	Path     string   `json:"path"`
	Category string   `json:"category"`
	Summary  string   `json:"summary"`
	Tags     []string `json:"tags"`
}

type Goal struct {
	Name    string   `json:"name"`
	Path    string   `json:"path"`
	Status  string   `json:"status"`
	Due     string   `json:"due"`
	Summary string   `json:"summary"`
	Tags    []string `json:"tags"`
}

// ConversationContext is built fresh for every chat turn.
type ConversationContext struct {
	RecentNotes     []NoteSummary   `json:"recent_notes"`
	SemanticMatches []SemanticMatch `json:"semantic_matches"`
	LinkedEntities  []Entity        `json:"linked_entities"`
	LinkedGoals     []Goal          `json:"linked_goals"`
}
