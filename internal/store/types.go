package store

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Sentinel errors returned by store operations. Services translate them into
// the API error taxonomy.
var (
	ErrNotFound = errors.New("store: not found")
)

// ConflictError is returned when an insert or update violates a uniqueness
// constraint. Constraint carries the violated constraint name.
type ConflictError struct {
	Constraint string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("store: unique constraint %s violated", e.Constraint)
}

// SlotType is the closed enumeration of capability slots. Exactly one slot
// row exists per value.
type SlotType string

const (
	SlotFast      SlotType = "fast"
	SlotReasoning SlotType = "reasoning"
	SlotEmbedding SlotType = "embedding"
	SlotRerank    SlotType = "rerank"
)

// SlotTypes lists all slot types in declaration order. Slot listings follow
// this order.
var SlotTypes = []SlotType{SlotFast, SlotReasoning, SlotEmbedding, SlotRerank}

// ParseSlotType validates a slot type string from a URL segment.
func ParseSlotType(s string) (SlotType, error) {
	switch SlotType(s) {
	case SlotFast, SlotReasoning, SlotEmbedding, SlotRerank:
		return SlotType(s), nil
	}
	return "", fmt.Errorf("store: unknown slot type %q", s)
}

// Provider is one upstream LLM vendor endpoint.
type Provider struct {
	ID              uuid.UUID
	Name            string
	Slug            string
	ProviderType    string
	BaseURL         *string
	APIKeyEncrypted string
	IsEnabled       bool
	Config          map[string]any
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// FallbackRef is one ordered entry of a slot's fallback chain.
type FallbackRef struct {
	ProviderID uuid.UUID `json:"provider_id"`
	ModelID    string    `json:"model_id"`
}

// Slot binds a capability slot to a primary (provider, model) pair plus an
// ordered fallback chain.
type Slot struct {
	ID                uuid.UUID
	SlotType          SlotType
	PrimaryProviderID uuid.UUID
	PrimaryModelID    string
	FallbackChain     []FallbackRef
	IsEnabled         bool
	Config            map[string]any
	CreatedAt         time.Time
	UpdatedAt         time.Time
}
