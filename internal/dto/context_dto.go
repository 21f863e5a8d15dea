package dto

import (
	"ai-coach-context/internal/indexer"
	"ai-coach-context/internal/vectorstore"
)

type ChatMessage struct {
	Role    string `json:"role" validate:"required,oneof=user assistant system"`
	Content string `json:"content"`
}

type ContextRequest struct {
	Message string        `json:"message" validate:"required"`
	History []ChatMessage `json:"history" validate:"max=200,dive"`
}

type StatsResponse struct {
	Store   vectorstore.Stats `json:"store"`
	Indexer indexer.Stats     `json:"indexer"`
	Dropped map[string]int    `json:"dropped"`
}

type HealthResponse struct {
	Status        string `json:"status"`
	StoreState    string `json:"store_state"`
	EmbedderReady bool   `json:"embedder_ready"`
}

type ReindexResponse struct {
	Started bool `json:"started"`
	Indexed int  `json:"indexed"`
	Errors  int  `json:"errors"`
}
