package persistence

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rostersync/backend/internal/domain/mapping"
	"github.com/rostersync/backend/internal/domain/shared"
)

const testIntegration = "timeback"

func newTestEntry(entityType mapping.EntityType, ext, internal string) *mapping.Entry {
	return &mapping.Entry{
		IntegrationID: testIntegration,
		EntityType:    entityType,
		ExternalID:    ext,
		InternalID:    internal,
	}
}

// runMappingRepositoryContract exercises the behavior every mapping.Repository must share
func runMappingRepositoryContract(t *testing.T, newRepo func(t *testing.T) mapping.Repository) {
	ctx := context.Background()

	t.Run("Upsert creates then updates", func(t *testing.T) {
		repo := newRepo(t)

		stored, created, err := repo.Upsert(ctx, newTestEntry(mapping.EntityTypeUser, "ext-42", "int-7"))
		require.NoError(t, err)
		assert.True(t, created)
		assert.Equal(t, int64(1), stored.SyncVersion)
		assert.Equal(t, mapping.SyncStatusPending, stored.SyncStatus)

		update := newTestEntry(mapping.EntityTypeUser, "ext-42", "int-7")
		update.SyncStatus = mapping.SyncStatusSynced
		update.ExternalData = json.RawMessage(`{"email":"ada@example.com"}`)
		stored2, created, err := repo.Upsert(ctx, update)
		require.NoError(t, err)
		assert.False(t, created)
		assert.Equal(t, stored.ID, stored2.ID)
		assert.Equal(t, int64(2), stored2.SyncVersion)
		assert.Equal(t, mapping.SyncStatusSynced, stored2.SyncStatus)

		got, err := repo.Get(ctx, mapping.NewKey(testIntegration, mapping.EntityTypeUser, "ext-42"))
		require.NoError(t, err)
		assert.Equal(t, "int-7", got.InternalID)
		assert.JSONEq(t, `{"email":"ada@example.com"}`, string(got.ExternalData))

		byInternal, err := repo.GetByInternal(ctx, testIntegration, mapping.EntityTypeUser, "int-7")
		require.NoError(t, err)
		assert.Equal(t, "ext-42", byInternal.ExternalID)
	})

	t.Run("Upsert enforces the bijection", func(t *testing.T) {
		repo := newRepo(t)
		_, _, err := repo.Upsert(ctx, newTestEntry(mapping.EntityTypeUser, "ext-42", "int-7"))
		require.NoError(t, err)

		_, _, err = repo.Upsert(ctx, newTestEntry(mapping.EntityTypeUser, "ext-42", "int-9"))
		assert.ErrorIs(t, err, shared.ErrConstraintViolation)

		_, _, err = repo.Upsert(ctx, newTestEntry(mapping.EntityTypeUser, "ext-99", "int-7"))
		assert.ErrorIs(t, err, shared.ErrConstraintViolation)

		// Other scopes are independent
		_, _, err = repo.Upsert(ctx, newTestEntry(mapping.EntityTypeClass, "ext-99", "int-7"))
		assert.NoError(t, err)

		got, err := repo.Get(ctx, mapping.NewKey(testIntegration, mapping.EntityTypeUser, "ext-42"))
		require.NoError(t, err)
		assert.Equal(t, "int-7", got.InternalID)
	})

	t.Run("Stale versions are rejected", func(t *testing.T) {
		repo := newRepo(t)
		e := newTestEntry(mapping.EntityTypeUser, "ext-1", "int-1")
		e.SyncVersion = 5
		_, _, err := repo.Upsert(ctx, e)
		require.NoError(t, err)

		stale := newTestEntry(mapping.EntityTypeUser, "ext-1", "int-1")
		stale.SyncVersion = 4
		_, _, err = repo.Upsert(ctx, stale)
		assert.ErrorIs(t, err, mapping.ErrStaleVersion)

		got, err := repo.Get(ctx, e.Key())
		require.NoError(t, err)
		assert.Equal(t, int64(5), got.SyncVersion)
	})

	t.Run("Repoint displaces and audits", func(t *testing.T) {
		repo := newRepo(t)
		_, _, err := repo.Upsert(ctx, newTestEntry(mapping.EntityTypeUser, "ext-42", "int-7"))
		require.NoError(t, err)
		_, _, err = repo.Upsert(ctx, newTestEntry(mapping.EntityTypeUser, "ext-99", "int-9"))
		require.NoError(t, err)

		result, err := repo.Repoint(ctx, newTestEntry(mapping.EntityTypeUser, "ext-42", "int-9"),
			mapping.RepointRequest{Actor: "ops", Reason: "account merge"})
		require.NoError(t, err)
		assert.False(t, result.Created)
		assert.Equal(t, "int-9", result.Entry.InternalID)
		require.Len(t, result.Displaced, 2)

		_, err = repo.Get(ctx, mapping.NewKey(testIntegration, mapping.EntityTypeUser, "ext-99"))
		assert.ErrorIs(t, err, mapping.ErrMappingNotFound)
		_, err = repo.GetByInternal(ctx, testIntegration, mapping.EntityTypeUser, "int-7")
		assert.ErrorIs(t, err, mapping.ErrMappingNotFound)
		got, err := repo.GetByInternal(ctx, testIntegration, mapping.EntityTypeUser, "int-9")
		require.NoError(t, err)
		assert.Equal(t, "ext-42", got.ExternalID)

		audit, err := repo.ListAuditLog(ctx, testIntegration, mapping.Pagination{})
		require.NoError(t, err)
		assert.Equal(t, int64(2), audit.Total)
		actions := []mapping.AuditAction{audit.Items[0].Action, audit.Items[1].Action}
		assert.ElementsMatch(t, []mapping.AuditAction{mapping.AuditActionRepoint, mapping.AuditActionDisplace}, actions)
		assert.Equal(t, "ops", audit.Items[0].Actor)
	})

	t.Run("Repoint without displacement writes no audit", func(t *testing.T) {
		repo := newRepo(t)
		result, err := repo.Repoint(ctx, newTestEntry(mapping.EntityTypeUser, "ext-1", "int-1"), mapping.RepointRequest{})
		require.NoError(t, err)
		assert.True(t, result.Created)
		assert.Empty(t, result.Displaced)

		audit, err := repo.ListAuditLog(ctx, testIntegration, mapping.Pagination{})
		require.NoError(t, err)
		assert.Zero(t, audit.Total)
	})

	t.Run("Delete returns the removed entry", func(t *testing.T) {
		repo := newRepo(t)
		_, _, err := repo.Upsert(ctx, newTestEntry(mapping.EntityTypeUser, "ext-42", "int-7"))
		require.NoError(t, err)

		key := mapping.NewKey(testIntegration, mapping.EntityTypeUser, "ext-42")
		deleted, err := repo.Delete(ctx, key)
		require.NoError(t, err)
		assert.Equal(t, "int-7", deleted.InternalID)

		_, err = repo.Delete(ctx, key)
		assert.ErrorIs(t, err, mapping.ErrMappingNotFound)
		_, err = repo.GetByInternal(ctx, testIntegration, mapping.EntityTypeUser, "int-7")
		assert.ErrorIs(t, err, shared.ErrNotFound)

		// The freed internal ID can be claimed again
		_, _, err = repo.Upsert(ctx, newTestEntry(mapping.EntityTypeUser, "ext-43", "int-7"))
		assert.NoError(t, err)
	})

	t.Run("Listing pages and filters", func(t *testing.T) {
		repo := newRepo(t)
		for i := 0; i < 5; i++ {
			e := newTestEntry(mapping.EntityTypeUser, fmt.Sprintf("ext-%d", i), fmt.Sprintf("int-%d", i))
			e.ExternalData = json.RawMessage(`{"i":1}`)
			if i%2 == 1 {
				e.SyncStatus = mapping.SyncStatusSynced
			}
			_, _, err := repo.Upsert(ctx, e)
			require.NoError(t, err)
		}
		_, _, err := repo.Upsert(ctx, newTestEntry(mapping.EntityTypeClass, "c-1", "ic-1"))
		require.NoError(t, err)

		page, err := repo.ListByEntityType(ctx, testIntegration, mapping.EntityTypeUser, mapping.Filter{}, mapping.Pagination{Limit: 2, Offset: 1})
		require.NoError(t, err)
		assert.Equal(t, int64(5), page.Total)
		require.Len(t, page.Items, 2)
		assert.Equal(t, "ext-1", page.Items[0].ExternalID)
		assert.Equal(t, "ext-2", page.Items[1].ExternalID)
		assert.Nil(t, page.Items[0].ExternalData)
		assert.True(t, page.HasMore())

		withData, err := repo.ListByEntityType(ctx, testIntegration, mapping.EntityTypeUser, mapping.Filter{IncludeData: true}, mapping.Pagination{Limit: 1})
		require.NoError(t, err)
		assert.JSONEq(t, `{"i":1}`, string(withData.Items[0].ExternalData))

		all, err := repo.ListByIntegration(ctx, testIntegration, mapping.Filter{}, mapping.Pagination{})
		require.NoError(t, err)
		assert.Equal(t, int64(6), all.Total)
		assert.Equal(t, mapping.EntityTypeClass, all.Items[0].EntityType)

		synced := mapping.SyncStatusSynced
		onlySynced, err := repo.ListByEntityType(ctx, testIntegration, mapping.EntityTypeUser, mapping.Filter{SyncStatus: &synced}, mapping.Pagination{})
		require.NoError(t, err)
		assert.Equal(t, int64(2), onlySynced.Total)
		assert.Equal(t, "ext-1", onlySynced.Items[0].ExternalID)
		assert.Equal(t, "ext-3", onlySynced.Items[1].ExternalID)

		counts, err := repo.CountByStatus(ctx, testIntegration)
		require.NoError(t, err)
		assert.Equal(t, []mapping.StatusCount{
			{EntityType: mapping.EntityTypeClass, SyncStatus: mapping.SyncStatusPending, Count: 1},
			{EntityType: mapping.EntityTypeUser, SyncStatus: mapping.SyncStatusPending, Count: 3},
			{EntityType: mapping.EntityTypeUser, SyncStatus: mapping.SyncStatusSynced, Count: 2},
		}, counts)
	})

	t.Run("BulkUpsert reports partial failure", func(t *testing.T) {
		repo := newRepo(t)
		entries := []*mapping.Entry{
			newTestEntry(mapping.EntityTypeUser, "ext-1", "int-1"),
			newTestEntry(mapping.EntityTypeUser, "ext-2", ""),
			newTestEntry(mapping.EntityTypeUser, "ext-3", "int-3"),
		}

		result, err := repo.BulkUpsert(ctx, entries)
		require.NoError(t, err)
		assert.Equal(t, 2, result.Created)
		assert.Equal(t, 0, result.Updated)
		assert.Equal(t, 1, result.Errors)
		require.Len(t, result.ErrorDetails, 1)
		assert.Equal(t, 1, result.ErrorDetails[0].Index)
		assert.Equal(t, shared.CodeValidation, result.ErrorDetails[0].Code)
		assert.Len(t, result.Stored, 2)

		for _, ext := range []string{"ext-1", "ext-3"} {
			_, err := repo.Get(ctx, mapping.NewKey(testIntegration, mapping.EntityTypeUser, ext))
			assert.NoError(t, err)
		}
	})

	t.Run("FindByExternalIDs skips missing IDs", func(t *testing.T) {
		repo := newRepo(t)
		_, _, err := repo.Upsert(ctx, newTestEntry(mapping.EntityTypeUser, "ext-1", "int-1"))
		require.NoError(t, err)

		found, err := repo.FindByExternalIDs(ctx, testIntegration, mapping.EntityTypeUser, []string{"ext-1", "ext-missing"})
		require.NoError(t, err)
		require.Len(t, found, 1)
		assert.Equal(t, "int-1", found[0].InternalID)
	})

	t.Run("ValidateIntegrity finds dangling references", func(t *testing.T) {
		repo := newRepo(t)
		for _, id := range []string{"A", "B", "C"} {
			_, _, err := repo.Upsert(ctx, newTestEntry(mapping.EntityTypeUser, "ext-"+id, id))
			require.NoError(t, err)
		}

		report, err := repo.ValidateIntegrity(ctx, testIntegration, nil)
		require.NoError(t, err)
		assert.True(t, report.IsValid)
		assert.Equal(t, 3, report.Checked)

		report, err = repo.ValidateIntegrity(ctx, testIntegration, mapping.NewLiveIDs(mapping.EntityTypeUser, []string{"A", "C"}))
		require.NoError(t, err)
		assert.False(t, report.IsValid)
		require.Len(t, report.Conflicts, 1)
		assert.Equal(t, []string{"B"}, report.Conflicts[0].InternalIDs)
	})

	t.Run("DeleteByIntegration leaves other integrations", func(t *testing.T) {
		repo := newRepo(t)
		_, _, err := repo.Upsert(ctx, newTestEntry(mapping.EntityTypeUser, "ext-1", "int-1"))
		require.NoError(t, err)
		other, _ := mapping.NewEntry("clever", mapping.EntityTypeUser, "ext-1", "int-1")
		_, _, err = repo.Upsert(ctx, other)
		require.NoError(t, err)

		n, err := repo.DeleteByIntegration(ctx, testIntegration)
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)

		_, err = repo.Get(ctx, other.Key())
		assert.NoError(t, err)
	})

	t.Run("Cancelled context surfaces as store unavailable", func(t *testing.T) {
		repo := newRepo(t)
		cancelled, cancel := context.WithCancel(ctx)
		cancel()

		_, err := repo.Get(cancelled, mapping.NewKey(testIntegration, mapping.EntityTypeUser, "ext-1"))
		assert.ErrorIs(t, err, shared.ErrStoreUnavailable)
	})
}
