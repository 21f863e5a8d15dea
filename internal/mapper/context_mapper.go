package mapper

import (
	"strings"

	"ai-coach-context/internal/dto"
	"ai-coach-context/internal/retriever"
)

type ContextMapper struct{}

func NewContextMapper() *ContextMapper {
	return &ContextMapper{}
}

// ToMessages drops empty turns; they carry nothing to embed or scan.
func (m *ContextMapper) ToMessages(history []dto.ChatMessage) []retriever.Message {
	out := make([]retriever.Message, 0, len(history))
	for _, h := range history {
		if strings.TrimSpace(h.Content) == "" {
			continue
		}
		out = append(out, retriever.Message{Role: h.Role, Content: h.Content})
	}
	return out
}
