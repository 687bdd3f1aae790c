package cache

import (
	"strings"

	"github.com/rostersync/backend/internal/domain/mapping"
)

// Key families. Every family is laid out as
// {prefix}:{family}:{integrationID}:{entityType}:{id}
const (
	familyExtToInt     = "ext_to_int"
	familyIntToExt     = "int_to_ext"
	familyRecord       = "mapping"
	familyTombstone    = "tombstone"
	familyIntTombstone = "tombstone_int"
)

// Fence families block background population of a whole scope after a
// pattern clear. They are never matched by the clear patterns themselves.
const (
	fenceIntegration = "fence_integration"
	fenceEntityType  = "fence_entity_type"
	fenceAll         = "fence_all"
)

var allFamilies = []string{familyExtToInt, familyIntToExt, familyRecord, familyTombstone, familyIntTombstone}

// keyBuilder derives cache keys and scan patterns under one prefix
type keyBuilder struct {
	prefix string
}

func newKeyBuilder(prefix string) keyBuilder {
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	return keyBuilder{prefix: prefix}
}

func (b keyBuilder) key(family, integrationID string, entityType mapping.EntityType, id string) string {
	var sb strings.Builder
	sb.Grow(len(b.prefix) + len(family) + len(integrationID) + len(entityType) + len(id) + 4)
	sb.WriteString(b.prefix)
	sb.WriteByte(':')
	sb.WriteString(family)
	sb.WriteByte(':')
	sb.WriteString(integrationID)
	sb.WriteByte(':')
	sb.WriteString(string(entityType))
	sb.WriteByte(':')
	sb.WriteString(id)
	return sb.String()
}

func (b keyBuilder) extToInt(k mapping.Key) string {
	return b.key(familyExtToInt, k.IntegrationID, k.EntityType, k.ExternalID)
}

func (b keyBuilder) intToExt(integrationID string, entityType mapping.EntityType, internalID string) string {
	return b.key(familyIntToExt, integrationID, entityType, internalID)
}

func (b keyBuilder) record(k mapping.Key) string {
	return b.key(familyRecord, k.IntegrationID, k.EntityType, k.ExternalID)
}

func (b keyBuilder) tombstone(k mapping.Key) string {
	return b.key(familyTombstone, k.IntegrationID, k.EntityType, k.ExternalID)
}

func (b keyBuilder) intTombstone(integrationID string, entityType mapping.EntityType, internalID string) string {
	return b.key(familyIntTombstone, integrationID, entityType, internalID)
}

func (b keyBuilder) integrationFence(integrationID string) string {
	return b.prefix + ":" + fenceIntegration + ":" + integrationID
}

func (b keyBuilder) entityTypeFence(integrationID string, entityType mapping.EntityType) string {
	return b.prefix + ":" + fenceEntityType + ":" + integrationID + ":" + string(entityType)
}

func (b keyBuilder) globalFence() string {
	return b.prefix + ":" + fenceAll
}

// integrationPatterns returns one SCAN pattern per family. Families are
// scanned separately so an integration ID can never match an entity type segment.
func (b keyBuilder) integrationPatterns(integrationID string) []string {
	patterns := make([]string, 0, len(allFamilies))
	for _, f := range allFamilies {
		patterns = append(patterns, escapeGlob(b.prefix)+":"+f+":"+escapeGlob(integrationID)+":*")
	}
	return patterns
}

func (b keyBuilder) entityTypePatterns(integrationID string, entityType mapping.EntityType) []string {
	patterns := make([]string, 0, len(allFamilies))
	for _, f := range allFamilies {
		patterns = append(patterns,
			escapeGlob(b.prefix)+":"+f+":"+escapeGlob(integrationID)+":"+escapeGlob(string(entityType))+":*")
	}
	return patterns
}

func (b keyBuilder) allPatterns() []string {
	patterns := make([]string, 0, len(allFamilies))
	for _, f := range allFamilies {
		patterns = append(patterns, escapeGlob(b.prefix)+":"+f+":*")
	}
	return patterns
}

func (b keyBuilder) recordPattern(integrationID string) string {
	return escapeGlob(b.prefix) + ":" + familyRecord + ":" + escapeGlob(integrationID) + ":*"
}

// entityTypeOfRecord extracts the entity type from a record key of integrationID
func (b keyBuilder) entityTypeOfRecord(integrationID, key string) (mapping.EntityType, bool) {
	head := b.prefix + ":" + familyRecord + ":" + integrationID + ":"
	if !strings.HasPrefix(key, head) {
		return "", false
	}
	rest := key[len(head):]
	i := strings.IndexByte(rest, ':')
	if i <= 0 {
		return "", false
	}
	return mapping.EntityType(rest[:i]), true
}

var globEscaper = strings.NewReplacer(`\`, `\\`, `*`, `\*`, `?`, `\?`, `[`, `\[`, `]`, `\]`)

// escapeGlob quotes the Redis glob metacharacters in s
func escapeGlob(s string) string {
	return globEscaper.Replace(s)
}
