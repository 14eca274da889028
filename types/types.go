// Package types holds the records shared by the offline cache, the mutation
// queue, the sync engine and the edge proxy.
package types

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// EntityType identifies one domain collection.
type EntityType string

const (
	Farms        EntityType = "farms"
	Fields       EntityType = "fields"
	Crops        EntityType = "crops"
	Tasks        EntityType = "tasks"
	Transactions EntityType = "transactions"
	Sales        EntityType = "sales"
	Users        EntityType = "users"
	Phases       EntityType = "phases"
	Milestones   EntityType = "milestones"
	Livestock    EntityType = "livestock"
	Logistics    EntityType = "logistics"
	Training     EntityType = "training"
	Enrollments  EntityType = "enrollments"
)

// EntityTypes lists every known entity type in a stable order.
var EntityTypes = []EntityType{
	Farms, Fields, Crops, Tasks, Transactions, Sales, Users,
	Phases, Milestones, Livestock, Logistics, Training, Enrollments,
}

// Valid reports whether t is one of the known entity types.
func (t EntityType) Valid() bool {
	for _, known := range EntityTypes {
		if t == known {
			return true
		}
	}
	return false
}

func (t EntityType) String() string {
	return string(t)
}

// ParseEntityType converts a string to an EntityType.
func ParseEntityType(s string) (EntityType, error) {
	t := EntityType(strings.ToLower(strings.TrimSpace(s)))
	if !t.Valid() {
		return "", fmt.Errorf("unknown entity type %q", s)
	}
	return t, nil
}

// MutationKind is the semantic category of a write, independent of the verb.
type MutationKind string

const (
	KindCreate MutationKind = "create"
	KindUpdate MutationKind = "update"
	KindDelete MutationKind = "delete"
)

// KindForMethod maps an HTTP method to its mutation kind.
func KindForMethod(method string) MutationKind {
	switch strings.ToUpper(method) {
	case http.MethodPost:
		return KindCreate
	case http.MethodDelete:
		return KindDelete
	default:
		return KindUpdate
	}
}

// CachedEntry is a persisted snapshot of a server response.
type CachedEntry struct {
	Key       string          `json:"key"`
	Type      EntityType      `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	UpdatedAt time.Time       `json:"updatedAt"`
	ExpiresAt *time.Time      `json:"expiresAt,omitempty"`
}

// Expired reports whether the entry's freshness window has passed at now.
func (e *CachedEntry) Expired(now time.Time) bool {
	return e.ExpiresAt != nil && !now.Before(*e.ExpiresAt)
}

// QueuedMutation is a write waiting to be replayed against the server.
type QueuedMutation struct {
	ID         string          `json:"id"`
	URL        string          `json:"url"`
	Method     string          `json:"method"`
	Body       json.RawMessage `json:"body,omitempty"`
	Kind       MutationKind    `json:"mutationKind"`
	EntityType EntityType      `json:"entityType,omitempty"`
	EntityID   string          `json:"entityId,omitempty"`
	// TempID is the provisional id given to an optimistic create.
	TempID     string    `json:"tempId,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
	RetryCount int       `json:"retryCount"`
	LastError  string    `json:"lastError,omitempty"`
}

// TargetID returns the id the mutation's cache record is known by locally.
func (m *QueuedMutation) TargetID() string {
	if m.EntityID != "" {
		return m.EntityID
	}
	return m.TempID
}

// Reserved fields carried by optimistic records and edge-served bodies.
const (
	FieldQueued   = "_queued"
	FieldQueuedID = "_queuedId"
	FieldOffline  = "_offline"
	FieldCachedAt = "_cachedAt"
)

// TempIDPrefix marks ids assigned locally before the server has seen a record.
const TempIDPrefix = "temp-"
