package cache

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/huykn/offline-sync/types"
)

// PatchStrategy describes where records of one entity type live inside
// cached payloads.
type PatchStrategy struct {
	// IDField names the record's identifier.
	IDField string

	// CollectionFields are the object fields that may hold a list of
	// records when the payload is not a bare array.
	CollectionFields []string
}

// patchStrategies maps every entity type to its patch strategy.
// TestPatchStrategiesCoverEntityTypes keeps it in step with types.EntityTypes.
var patchStrategies = map[types.EntityType]PatchStrategy{
	types.Farms:        {IDField: "id", CollectionFields: []string{"farms", "data", "items"}},
	types.Fields:       {IDField: "id", CollectionFields: []string{"fields", "plots", "data", "items"}},
	types.Crops:        {IDField: "id", CollectionFields: []string{"crops", "data", "items"}},
	types.Tasks:        {IDField: "id", CollectionFields: []string{"tasks", "data", "items"}},
	types.Transactions: {IDField: "id", CollectionFields: []string{"transactions", "data", "items"}},
	types.Sales:        {IDField: "id", CollectionFields: []string{"sales", "data", "items"}},
	types.Users:        {IDField: "id", CollectionFields: []string{"users", "members", "data", "items"}},
	types.Phases:       {IDField: "id", CollectionFields: []string{"phases", "data", "items"}},
	types.Milestones:   {IDField: "id", CollectionFields: []string{"milestones", "data", "items"}},
	types.Livestock:    {IDField: "id", CollectionFields: []string{"livestock", "animals", "data", "items"}},
	types.Logistics:    {IDField: "id", CollectionFields: []string{"logistics", "shipments", "data", "items"}},
	types.Training:     {IDField: "id", CollectionFields: []string{"training", "modules", "data", "items"}},
	types.Enrollments:  {IDField: "id", CollectionFields: []string{"enrollments", "data", "items"}},
}

// StrategyFor returns the patch strategy of t.
func StrategyFor(t types.EntityType) (PatchStrategy, bool) {
	s, ok := patchStrategies[t]
	return s, ok
}

// IDString normalizes a JSON id (string or number) to a string.
func IDString(v any) string {
	switch id := v.(type) {
	case nil:
		return ""
	case string:
		return id
	case json.Number:
		return id.String()
	case float64:
		return strconv.FormatFloat(id, 'f', -1, 64)
	default:
		return fmt.Sprint(id)
	}
}

func (s PatchStrategy) idOf(item any) string {
	rec, ok := item.(map[string]any)
	if !ok {
		return ""
	}
	return IDString(rec[s.IDField])
}

func (s PatchStrategy) indexOf(items []any, id string) int {
	if id == "" {
		return -1
	}
	for i, item := range items {
		if s.idOf(item) == id {
			return i
		}
	}
	return -1
}

func decodeJSON(data []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	return v, nil
}

// normalizeRecord gives a caller supplied record the same shape decoded
// payload records have.
func normalizeRecord(record map[string]any) (map[string]any, error) {
	data, err := json.Marshal(record)
	if err != nil {
		return nil, err
	}
	v, err := decodeJSON(data)
	if err != nil {
		return nil, err
	}
	rec, _ := v.(map[string]any)
	return rec, nil
}

func copyRecord(rec map[string]any) map[string]any {
	out := make(map[string]any, len(rec))
	for k, v := range rec {
		out[k] = v
	}
	return out
}

type collectionOp func(items []any) ([]any, bool)

type recordOp func(rec map[string]any) (map[string]any, bool)

// patch applies onCollection to every record list found in payload, or
// onRecord when the payload is a single record. It reports whether anything
// changed.
func (s PatchStrategy) patch(payload json.RawMessage, onCollection collectionOp, onRecord recordOp) (json.RawMessage, bool, error) {
	doc, err := decodeJSON(payload)
	if err != nil {
		return nil, false, err
	}

	changed := false
	switch v := doc.(type) {
	case []any:
		if next, ok := onCollection(v); ok {
			doc, changed = next, true
		}
	case map[string]any:
		found := false
		for _, field := range s.CollectionFields {
			items, ok := v[field].([]any)
			if !ok {
				continue
			}
			found = true
			if next, ok := onCollection(items); ok {
				v[field] = next
				changed = true
			}
		}
		if !found && onRecord != nil {
			if next, ok := onRecord(v); ok {
				doc, changed = next, true
			}
		}
	}
	if !changed {
		return payload, false, nil
	}
	out, err := json.Marshal(doc)
	if err != nil {
		return nil, false, err
	}
	return out, true, nil
}

func (s PatchStrategy) addOps(record map[string]any) (collectionOp, recordOp) {
	id := s.idOf(record)
	return func(items []any) ([]any, bool) {
		if i := s.indexOf(items, id); i >= 0 {
			items[i] = record
			return items, true
		}
		return append(items, record), true
	}, nil
}

// noOps matches nothing. Patches addressed by an empty id use it.
func noOps() (collectionOp, recordOp) {
	return func(items []any) ([]any, bool) { return items, false },
		func(rec map[string]any) (map[string]any, bool) { return rec, false }
}

func (s PatchStrategy) updateOps(id string, updater func(map[string]any) map[string]any) (collectionOp, recordOp) {
	if id == "" {
		return noOps()
	}
	apply := func(rec map[string]any) map[string]any {
		next := updater(copyRecord(rec))
		if next == nil {
			return rec
		}
		return next
	}
	onCollection := func(items []any) ([]any, bool) {
		i := s.indexOf(items, id)
		if i < 0 {
			return items, false
		}
		rec, _ := items[i].(map[string]any)
		items[i] = apply(rec)
		return items, true
	}
	onRecord := func(rec map[string]any) (map[string]any, bool) {
		if s.idOf(rec) != id {
			return rec, false
		}
		return apply(rec), true
	}
	return onCollection, onRecord
}

func (s PatchStrategy) removeOps(id string) (collectionOp, recordOp) {
	return func(items []any) ([]any, bool) {
		i := s.indexOf(items, id)
		if i < 0 {
			return items, false
		}
		return append(items[:i], items[i+1:]...), true
	}, nil
}

// replaceOps swaps the record known as oldID for record. If the collection
// already holds record's id, the old entry is dropped instead.
func (s PatchStrategy) replaceOps(oldID string, record map[string]any) (collectionOp, recordOp) {
	if oldID == "" {
		return noOps()
	}
	newID := s.idOf(record)
	onCollection := func(items []any) ([]any, bool) {
		i := s.indexOf(items, oldID)
		if i < 0 {
			return items, false
		}
		if newID != oldID {
			if j := s.indexOf(items, newID); j >= 0 {
				items[j] = record
				return append(items[:i], items[i+1:]...), true
			}
		}
		items[i] = record
		return items, true
	}
	onRecord := func(rec map[string]any) (map[string]any, bool) {
		if s.idOf(rec) != oldID {
			return rec, false
		}
		return record, true
	}
	return onCollection, onRecord
}
