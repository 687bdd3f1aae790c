package mapping

import (
	"fmt"
	"sort"
)

// ConflictType classifies an integrity violation
type ConflictType string

const (
	ConflictDuplicateExternal ConflictType = "duplicate_external"
	ConflictDuplicateInternal ConflictType = "duplicate_internal"
	ConflictDanglingInternal  ConflictType = "dangling_internal"
)

// Conflict is one integrity violation found in an integration
type Conflict struct {
	Type        ConflictType `json:"type"`
	EntityType  EntityType   `json:"entity_type"`
	ExternalIDs []string     `json:"external_ids"`
	InternalIDs []string     `json:"internal_ids"`
	Message     string       `json:"message"`
}

// IntegrityReport is the result of an integrity validation
type IntegrityReport struct {
	IntegrationID string     `json:"integration_id"`
	IsValid       bool       `json:"is_valid"`
	Checked       int        `json:"checked"`
	Conflicts     []Conflict `json:"conflicts"`
}

// LiveIDs is the set of internal IDs that still resolve to a live entity,
// per entity type. Entity types without a set are not checked for dangling references.
type LiveIDs map[EntityType]map[string]struct{}

// NewLiveIDs builds a LiveIDs set for one entity type
func NewLiveIDs(entityType EntityType, ids []string) LiveIDs {
	set := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return LiveIDs{entityType: set}
}

type scopedID struct {
	entityType EntityType
	id         string
}

// IntegrityValidator accumulates entries of one integration and reports
// bijection and dangling-reference violations. It is fed page by page so the
// whole integration never has to be held as entries.
type IntegrityValidator struct {
	integrationID string
	live          LiveIDs
	checked       int
	byExternal    map[scopedID]map[string]struct{}
	byInternal    map[scopedID]map[string]struct{}
	dangling      []Conflict
}

// NewIntegrityValidator creates a validator; live may be nil
func NewIntegrityValidator(integrationID string, live LiveIDs) *IntegrityValidator {
	return &IntegrityValidator{
		integrationID: integrationID,
		live:          live,
		byExternal:    make(map[scopedID]map[string]struct{}),
		byInternal:    make(map[scopedID]map[string]struct{}),
	}
}

// Add feeds entries to the validator
func (v *IntegrityValidator) Add(entries ...Entry) {
	for _, e := range entries {
		v.checked++
		addPair(v.byExternal, scopedID{e.EntityType, e.ExternalID}, e.InternalID)
		addPair(v.byInternal, scopedID{e.EntityType, e.InternalID}, e.ExternalID)

		if set, ok := v.live[e.EntityType]; ok && set != nil {
			if _, alive := set[e.InternalID]; !alive {
				v.dangling = append(v.dangling, Conflict{
					Type:        ConflictDanglingInternal,
					EntityType:  e.EntityType,
					ExternalIDs: []string{e.ExternalID},
					InternalIDs: []string{e.InternalID},
					Message:     fmt.Sprintf("internal ID %q no longer resolves to a live %s", e.InternalID, e.EntityType),
				})
			}
		}
	}
}

func addPair(index map[scopedID]map[string]struct{}, k scopedID, v string) {
	set, ok := index[k]
	if !ok {
		set = make(map[string]struct{}, 1)
		index[k] = set
	}
	set[v] = struct{}{}
}

// Report returns the conflicts found so far, in a stable order
func (v *IntegrityValidator) Report() *IntegrityReport {
	conflicts := make([]Conflict, 0)
	for k, internals := range v.byExternal {
		if len(internals) > 1 {
			conflicts = append(conflicts, Conflict{
				Type:        ConflictDuplicateExternal,
				EntityType:  k.entityType,
				ExternalIDs: []string{k.id},
				InternalIDs: sortedKeys(internals),
				Message:     fmt.Sprintf("external ID %q maps to %d internal IDs", k.id, len(internals)),
			})
		}
	}
	for k, externals := range v.byInternal {
		if len(externals) > 1 {
			conflicts = append(conflicts, Conflict{
				Type:        ConflictDuplicateInternal,
				EntityType:  k.entityType,
				ExternalIDs: sortedKeys(externals),
				InternalIDs: []string{k.id},
				Message:     fmt.Sprintf("internal ID %q is mapped from %d external IDs", k.id, len(externals)),
			})
		}
	}
	sort.Slice(conflicts, func(i, j int) bool {
		a, b := conflicts[i], conflicts[j]
		if a.Type != b.Type {
			return a.Type < b.Type
		}
		if a.EntityType != b.EntityType {
			return a.EntityType < b.EntityType
		}
		return a.ExternalIDs[0]+a.InternalIDs[0] < b.ExternalIDs[0]+b.InternalIDs[0]
	})
	conflicts = append(conflicts, v.dangling...)

	return &IntegrityReport{
		IntegrationID: v.integrationID,
		IsValid:       len(conflicts) == 0,
		Checked:       v.checked,
		Conflicts:     conflicts,
	}
}

func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
