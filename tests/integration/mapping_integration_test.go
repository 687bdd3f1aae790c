package integration

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	appmapping "github.com/rostersync/backend/internal/application/mapping"
	"github.com/rostersync/backend/internal/domain/mapping"
	"github.com/rostersync/backend/internal/domain/shared"
	"github.com/rostersync/backend/internal/infrastructure/cache"
	"github.com/rostersync/backend/internal/infrastructure/config"
	"github.com/rostersync/backend/internal/infrastructure/migration"
	"github.com/rostersync/backend/internal/infrastructure/persistence"
	"github.com/rostersync/backend/internal/infrastructure/storage"
)

func entry(integrationID string, entityType mapping.EntityType, ext, internal string) *mapping.Entry {
	return &mapping.Entry{
		IntegrationID: integrationID,
		EntityType:    entityType,
		ExternalID:    ext,
		InternalID:    internal,
	}
}

// TestMigrations_Postgres checks the embedded migrations apply and roll back cleanly
func TestMigrations_Postgres(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	testDB := NewTestDB(t)
	m, err := migration.New(testDB.SqlDB)
	require.NoError(t, err)

	version, dirty, err := m.Version()
	require.NoError(t, err)
	assert.Equal(t, uint(2), version)
	assert.False(t, dirty)

	require.NoError(t, m.Down())
	assert.False(t, testDB.DB.Migrator().HasTable("integration_mappings"))
	assert.False(t, testDB.DB.Migrator().HasTable("mapping_audit_logs"))

	require.NoError(t, m.Up())
	assert.True(t, testDB.DB.Migrator().HasTable("integration_mappings"))
	assert.True(t, testDB.DB.Migrator().HasTable("mapping_audit_logs"))
}

// TestMappingRepository_Postgres runs the GORM repository against the real schema
func TestMappingRepository_Postgres(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	testDB := NewTestDB(t)
	repo := persistence.NewGormMappingRepository(testDB.DB)
	ctx := context.Background()

	t.Run("Upsert creates then bumps the version", func(t *testing.T) {
		testDB.CleanTables()

		stored, created, err := repo.Upsert(ctx, entry("timeback", mapping.EntityTypeUser, "ext-1", "int-1"))
		require.NoError(t, err)
		assert.True(t, created)
		assert.Equal(t, int64(1), stored.SyncVersion)

		update := entry("timeback", mapping.EntityTypeUser, "ext-1", "int-1")
		update.SyncStatus = mapping.SyncStatusSynced
		update.ExternalData = json.RawMessage(`{"email":"grace@example.com"}`)
		stored, created, err = repo.Upsert(ctx, update)
		require.NoError(t, err)
		assert.False(t, created)
		assert.Equal(t, int64(2), stored.SyncVersion)

		got, err := repo.Get(ctx, mapping.NewKey("timeback", mapping.EntityTypeUser, "ext-1"))
		require.NoError(t, err)
		assert.Equal(t, mapping.SyncStatusSynced, got.SyncStatus)
		assert.JSONEq(t, `{"email":"grace@example.com"}`, string(got.ExternalData))

		stale := entry("timeback", mapping.EntityTypeUser, "ext-1", "int-1")
		stale.SyncVersion = 1
		_, _, err = repo.Upsert(ctx, stale)
		assert.ErrorIs(t, err, mapping.ErrStaleVersion)
	})

	t.Run("Bijection holds per scope", func(t *testing.T) {
		testDB.CleanTables()

		_, _, err := repo.Upsert(ctx, entry("timeback", mapping.EntityTypeUser, "ext-1", "int-1"))
		require.NoError(t, err)

		_, _, err = repo.Upsert(ctx, entry("timeback", mapping.EntityTypeUser, "ext-2", "int-1"))
		assert.Equal(t, shared.CodeConstraintViolation, shared.ErrorCode(err))

		_, _, err = repo.Upsert(ctx, entry("timeback", mapping.EntityTypeUser, "ext-1", "int-2"))
		assert.Equal(t, shared.CodeConstraintViolation, shared.ErrorCode(err))

		// Other entity types and integrations are independent scopes
		_, _, err = repo.Upsert(ctx, entry("timeback", mapping.EntityTypeClass, "ext-1", "int-1"))
		require.NoError(t, err)
		_, _, err = repo.Upsert(ctx, entry("oneroster", mapping.EntityTypeUser, "ext-2", "int-1"))
		require.NoError(t, err)
	})

	t.Run("Concurrent claims of one internal ID admit a single winner", func(t *testing.T) {
		testDB.CleanTables()

		const writers = 8
		var (
			wg   sync.WaitGroup
			mu   sync.Mutex
			wins int
			errs []error
		)
		for i := range writers {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, _, err := repo.Upsert(ctx, entry("timeback", mapping.EntityTypeUser, fmt.Sprintf("ext-%d", i), "int-shared"))
				mu.Lock()
				defer mu.Unlock()
				if err == nil {
					wins++
					return
				}
				errs = append(errs, err)
			}()
		}
		wg.Wait()

		assert.Equal(t, 1, wins)
		for _, err := range errs {
			assert.Equal(t, shared.CodeConstraintViolation, shared.ErrorCode(err), "unexpected error: %v", err)
		}

		report, err := repo.ValidateIntegrity(ctx, "timeback", nil)
		require.NoError(t, err)
		assert.True(t, report.IsValid)
		assert.Equal(t, 1, report.Checked)
	})

	t.Run("Repoint displaces and audits in one transaction", func(t *testing.T) {
		testDB.CleanTables()

		_, _, err := repo.Upsert(ctx, entry("timeback", mapping.EntityTypeUser, "ext-1", "int-1"))
		require.NoError(t, err)
		_, _, err = repo.Upsert(ctx, entry("timeback", mapping.EntityTypeUser, "ext-2", "int-2"))
		require.NoError(t, err)

		result, err := repo.Repoint(ctx, entry("timeback", mapping.EntityTypeUser, "ext-1", "int-2"),
			mapping.RepointRequest{Actor: "ops@example.com", Reason: "account merge"})
		require.NoError(t, err)
		assert.False(t, result.Created)
		assert.Equal(t, "int-2", result.Entry.InternalID)
		require.Len(t, result.Displaced, 2)

		_, err = repo.Get(ctx, mapping.NewKey("timeback", mapping.EntityTypeUser, "ext-2"))
		assert.ErrorIs(t, err, mapping.ErrMappingNotFound)

		audit, err := repo.ListAuditLog(ctx, "timeback", mapping.Pagination{}.Normalize())
		require.NoError(t, err)
		assert.Equal(t, int64(2), audit.Total)
		actions := map[mapping.AuditAction]int{}
		for _, rec := range audit.Items {
			actions[rec.Action]++
			assert.Equal(t, "ops@example.com", rec.Actor)
			assert.Equal(t, "account merge", rec.Reason)
		}
		assert.Equal(t, map[mapping.AuditAction]int{
			mapping.AuditActionRepoint:  1,
			mapping.AuditActionDisplace: 1,
		}, actions)
	})

	t.Run("BulkUpsert reports per entry", func(t *testing.T) {
		testDB.CleanTables()

		_, _, err := repo.Upsert(ctx, entry("timeback", mapping.EntityTypeClass, "c-taken", "ic-taken"))
		require.NoError(t, err)

		result, err := repo.BulkUpsert(ctx, []*mapping.Entry{
			entry("timeback", mapping.EntityTypeClass, "c-1", "ic-1"),
			entry("timeback", mapping.EntityTypeClass, "c-2", "ic-taken"),
			entry("timeback", mapping.EntityTypeClass, "c-taken", "ic-taken"),
		})
		require.NoError(t, err)
		assert.Equal(t, 1, result.Created)
		assert.Equal(t, 1, result.Updated)
		assert.Equal(t, 1, result.Errors)
		require.Len(t, result.ErrorDetails, 1)
		assert.Equal(t, 1, result.ErrorDetails[0].Index)
		assert.Equal(t, shared.CodeConstraintViolation, result.ErrorDetails[0].Code)
	})

	t.Run("Listing, counts and dangling references", func(t *testing.T) {
		testDB.CleanTables()

		for i := range 5 {
			e := entry("timeback", mapping.EntityTypeEnrollment, fmt.Sprintf("en-%d", i), fmt.Sprintf("ie-%d", i))
			if i%2 == 0 {
				e.SyncStatus = mapping.SyncStatusSynced
			}
			_, _, err := repo.Upsert(ctx, e)
			require.NoError(t, err)
		}

		page, err := repo.ListByEntityType(ctx, "timeback", mapping.EntityTypeEnrollment,
			mapping.Filter{}, mapping.Pagination{Limit: 2, Offset: 2})
		require.NoError(t, err)
		assert.Equal(t, int64(5), page.Total)
		require.Len(t, page.Items, 2)
		assert.Equal(t, "en-2", page.Items[0].ExternalID)
		assert.True(t, page.HasMore())

		synced := mapping.SyncStatusSynced
		page, err = repo.ListByIntegration(ctx, "timeback", mapping.Filter{SyncStatus: &synced}, mapping.Pagination{}.Normalize())
		require.NoError(t, err)
		assert.Equal(t, int64(3), page.Total)

		counts, err := repo.CountByStatus(ctx, "timeback")
		require.NoError(t, err)
		var total int64
		for _, c := range counts {
			total += c.Count
		}
		assert.Equal(t, int64(5), total)

		report, err := repo.ValidateIntegrity(ctx, "timeback",
			mapping.NewLiveIDs(mapping.EntityTypeEnrollment, []string{"ie-0", "ie-1", "ie-2"}))
		require.NoError(t, err)
		assert.False(t, report.IsValid)
		require.Len(t, report.Conflicts, 2)
		var dangling []string
		for _, c := range report.Conflicts {
			assert.Equal(t, mapping.ConflictDanglingInternal, c.Type)
			dangling = append(dangling, c.InternalIDs...)
		}
		assert.ElementsMatch(t, []string{"ie-3", "ie-4"}, dangling)

		deleted, err := repo.DeleteByIntegration(ctx, "timeback")
		require.NoError(t, err)
		assert.Equal(t, int64(5), deleted)
	})
}

// TestMappingService_Postgres wires the service over Postgres and a Redis cache
func TestMappingService_Postgres(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	testDB := NewTestDB(t)
	ctx := context.Background()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	redisCache, err := cache.NewRedisMappingCacheWithClient(client, config.MappingCacheConfig{
		Enabled:      true,
		KeyPrefix:    "maps",
		DefaultTTL:   time.Hour,
		TombstoneTTL: time.Minute,
		BatchSize:    100,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = redisCache.Close() })

	archive := storage.NewMemoryArchive()
	svc := appmapping.NewService(persistence.NewGormMappingRepository(testDB.DB), redisCache,
		appmapping.WithCacheTTL(time.Hour),
		appmapping.WithPopulator(2, 64),
		appmapping.WithArchive(archive, "exports"),
	)
	t.Cleanup(func() { _ = svc.Close(context.Background()) })

	key := mapping.NewKey("timeback", mapping.EntityTypeUser, "ext-1")

	t.Run("write then read through the cache", func(t *testing.T) {
		res, err := svc.CreateOrUpdateMapping(ctx, appmapping.UpsertCommand{
			Entry: *entry("timeback", mapping.EntityTypeUser, "ext-1", "int-1"),
		})
		require.NoError(t, err)
		assert.True(t, res.Created)

		internalID, err := svc.MapExternalToInternal(ctx, key)
		require.NoError(t, err)
		assert.Equal(t, "int-1", internalID)

		externalID, err := svc.MapInternalToExternal(ctx, "timeback", mapping.EntityTypeUser, "int-1")
		require.NoError(t, err)
		assert.Equal(t, "ext-1", externalID)

		assert.Eventually(t, func() bool {
			id, ok := redisCache.GetInternalID(ctx, key)
			return ok && id == "int-1"
		}, 2*time.Second, 20*time.Millisecond)
	})

	t.Run("bulk create and lookup", func(t *testing.T) {
		entries := make([]mapping.Entry, 0, 10)
		ids := make([]string, 0, 11)
		for i := range 10 {
			ext := fmt.Sprintf("u-%02d", i)
			entries = append(entries, *entry("timeback", mapping.EntityTypeUser, ext, fmt.Sprintf("iu-%02d", i)))
			ids = append(ids, ext)
		}
		ids = append(ids, "u-missing")

		created, err := svc.BulkCreateMappings(ctx, entries)
		require.NoError(t, err)
		assert.Equal(t, 10, created.Created)
		assert.Zero(t, created.Errors)

		lookup, err := svc.BulkMapExternalToInternal(ctx, "timeback", mapping.EntityTypeUser, ids)
		require.NoError(t, err)
		assert.Len(t, lookup.Mappings, 10)
		assert.Equal(t, []string{"u-missing"}, lookup.Missing)
		assert.Equal(t, "iu-03", lookup.Mappings["u-03"])
	})

	t.Run("status updates and deletes invalidate the cache", func(t *testing.T) {
		updated, err := svc.UpdateSyncStatus(ctx, key, mapping.SyncStatusSynced, "")
		require.NoError(t, err)
		assert.Equal(t, mapping.SyncStatusSynced, updated.SyncStatus)

		_, err = svc.DeleteMapping(ctx, key)
		require.NoError(t, err)

		_, err = svc.MapExternalToInternal(ctx, key)
		assert.ErrorIs(t, err, mapping.ErrMappingNotFound)
		_, err = svc.MapInternalToExternal(ctx, "timeback", mapping.EntityTypeUser, "int-1")
		assert.ErrorIs(t, err, mapping.ErrMappingNotFound)
	})

	t.Run("export, stats and teardown", func(t *testing.T) {
		export, err := svc.ExportMappings(ctx, "timeback")
		require.NoError(t, err)
		assert.Equal(t, 10, export.Count)
		obj, ok := archive.Get(export.ObjectKey)
		require.True(t, ok)
		assert.Equal(t, export.Bytes, len(obj.Body))

		stats, err := svc.Stats(ctx, "timeback")
		require.NoError(t, err)
		assert.Equal(t, int64(10), stats.Total)

		health := svc.Health(ctx)
		assert.Equal(t, appmapping.HealthHealthy, health.Status)

		teardown, err := svc.DeleteIntegration(ctx, "timeback")
		require.NoError(t, err)
		assert.Equal(t, int64(10), teardown.Deleted)
		assert.False(t, teardown.CacheDegraded)

		_, err = svc.MapExternalToInternal(ctx, mapping.NewKey("timeback", mapping.EntityTypeUser, "u-01"))
		assert.ErrorIs(t, err, mapping.ErrMappingNotFound)
	})
}
