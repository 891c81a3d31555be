package model

import (
	"time"

	"github.com/google/uuid"
)

// MemoryKind is the record category. The set is a closed whitelist:
// unknown kinds fail the request rather than being silently coerced.
type MemoryKind string

const (
	MemoryEpisodic MemoryKind = "episodic"
	MemorySemantic MemoryKind = "semantic"
	MemoryDocument MemoryKind = "document"
	MemoryCitation MemoryKind = "citation"
)

// ValidMemoryKinds is the whitelist consulted by Put.
var ValidMemoryKinds = map[MemoryKind]bool{
	MemoryEpisodic: true,
	MemorySemantic: true,
	MemoryDocument: true,
	MemoryCitation: true,
}

// MemoryRecord is one persisted memory. Mutated only via full replacement.
type MemoryRecord struct {
	ID        uuid.UUID      `json:"id"`
	UserID    string         `json:"user_id"`
	Kind      MemoryKind     `json:"kind"`
	Text      string         `json:"text"`
	Embedding []float32      `json:"embedding,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}
