package handler

import (
	"errors"
	"io"
	"time"

	"github.com/gin-gonic/gin"

	appmapping "github.com/rostersync/backend/internal/application/mapping"
	"github.com/rostersync/backend/internal/domain/mapping"
	"github.com/rostersync/backend/internal/interfaces/http/dto"
	"github.com/rostersync/backend/internal/interfaces/http/middleware"
	"github.com/rostersync/backend/internal/interfaces/http/router"
)

// MappingHandler exposes the mapping service over REST
type MappingHandler struct {
	BaseHandler
	svc     *appmapping.Service
	limiter *middleware.RateLimiter
}

// MappingHandlerOption configures a MappingHandler
type MappingHandlerOption func(*MappingHandler)

// WithRetryAfter sets the Retry-After hint for store outages
func WithRetryAfter(d time.Duration) MappingHandlerOption {
	return func(h *MappingHandler) {
		h.BaseHandler = NewBaseHandler(d)
	}
}

// WithRateLimiter throttles the batch and maintenance routes per integration
func WithRateLimiter(rl *middleware.RateLimiter) MappingHandlerOption {
	return func(h *MappingHandler) {
		h.limiter = rl
	}
}

// NewMappingHandler creates a new MappingHandler
func NewMappingHandler(svc *appmapping.Service, opts ...MappingHandlerOption) *MappingHandler {
	h := &MappingHandler{
		BaseHandler: NewBaseHandler(DefaultRetryAfter),
		svc:         svc,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Groups returns the route groups served by the handler
func (h *MappingHandler) Groups() router.Groups {
	throttled := h.throttle()

	scoped := router.NewDomainGroup("/integrations/:" + middleware.IntegrationParam + "/mappings").
		Use(middleware.IntegrationScope())

	scoped.GET("", h.ListByIntegration).Describe("List every mapping of an integration")
	scoped.DELETE("", append(throttled, h.DeleteIntegration)...).Describe("Delete every mapping of an integration")

	scoped.GET("/external-to-internal/:entityType/:externalId", h.MapExternalToInternal).Describe("Resolve an external ID")
	scoped.GET("/internal-to-external/:entityType/:internalId", h.MapInternalToExternal).Describe("Resolve an internal ID")
	scoped.GET("/by-entity-type/:entityType", h.ListByEntityType).Describe("List mappings of one entity type")
	scoped.GET("/stats", h.Stats).Describe("Mapping and cache statistics")
	scoped.GET("/audit", h.ListAuditLog).Describe("Re-point audit trail")
	scoped.GET("/metrics/performance", h.Performance).Describe("Cache and store latency")

	scoped.GET("/:entityType/:externalId", h.GetMapping).Describe("Get a mapping with its snapshots")
	scoped.PUT("/:entityType/:externalId", h.CreateOrUpdateMapping).Describe("Create or update a mapping")
	scoped.DELETE("/:entityType/:externalId", h.DeleteMapping).Describe("Delete a mapping")
	scoped.PATCH("/:entityType/:externalId/status", h.UpdateSyncStatus).Describe("Update the sync status of a mapping")

	scoped.POST("/bulk", append(throttled, h.BulkCreateMappings)...).Describe("Create or update many mappings")
	scoped.POST("/lookup/:entityType", append(throttled, h.BulkMapExternalToInternal)...).Describe("Resolve many external IDs")
	scoped.POST("/validate", append(throttled, h.ValidateMappingIntegrity)...).Describe("Check mapping integrity")
	scoped.POST("/cleanup-orphaned/:entityType", append(throttled, h.CleanupOrphanedMappings)...).Describe("Delete mappings whose internal record is gone")
	scoped.POST("/cache/clear", append(throttled, h.ClearCache)...).Describe("Clear the integration's cache keys")
	scoped.POST("/export", append(throttled, h.ExportMappings)...).Describe("Archive every mapping of an integration")

	global := router.NewDomainGroup("/mappings")
	global.POST("/cache/clear-all", append(throttled, h.ClearAllCache)...).Describe("Clear every cached mapping")

	return router.Groups{scoped, global}
}

// RegisterRoutes implements router.RouteRegistrar
func (h *MappingHandler) RegisterRoutes(rg *gin.RouterGroup) {
	h.Groups().RegisterRoutes(rg)
}

// Routes implements router.RouteLister
func (h *MappingHandler) Routes(basePath string) []router.Route {
	return h.Groups().Routes(basePath)
}

// throttle returns the rate limit prefix for batch and maintenance routes
func (h *MappingHandler) throttle() []gin.HandlerFunc {
	if h.limiter == nil {
		return nil
	}
	return []gin.HandlerFunc{middleware.RateLimit(h.limiter, middleware.IntegrationKey)}
}

// ---------------------------------------------------------------------------
// Lookups
// ---------------------------------------------------------------------------

// MapExternalToInternal handles GET .../external-to-internal/:entityType/:externalId
func (h *MappingHandler) MapExternalToInternal(c *gin.Context) {
	var uri dto.MappingKeyURI
	if err := c.ShouldBindUri(&uri); err != nil {
		middleware.HandleValidationError(c, err)
		return
	}

	internalID, err := h.svc.MapExternalToInternal(c.Request.Context(), uri.Key())
	if err != nil {
		h.HandleError(c, err)
		return
	}

	h.Success(c, dto.MappingLookupResponse{
		IntegrationID: uri.IntegrationID,
		EntityType:    uri.EntityType,
		ExternalID:    uri.ExternalID,
		InternalID:    internalID,
	})
}

// MapInternalToExternal handles GET .../internal-to-external/:entityType/:internalId
func (h *MappingHandler) MapInternalToExternal(c *gin.Context) {
	var uri dto.InternalKeyURI
	if err := c.ShouldBindUri(&uri); err != nil {
		middleware.HandleValidationError(c, err)
		return
	}

	externalID, err := h.svc.MapInternalToExternal(c.Request.Context(), uri.IntegrationID, mapping.EntityType(uri.EntityType), uri.InternalID)
	if err != nil {
		h.HandleError(c, err)
		return
	}

	h.Success(c, dto.MappingLookupResponse{
		IntegrationID: uri.IntegrationID,
		EntityType:    uri.EntityType,
		ExternalID:    externalID,
		InternalID:    uri.InternalID,
	})
}

// GetMapping handles GET .../:entityType/:externalId
func (h *MappingHandler) GetMapping(c *gin.Context) {
	var uri dto.MappingKeyURI
	if err := c.ShouldBindUri(&uri); err != nil {
		middleware.HandleValidationError(c, err)
		return
	}

	entry, err := h.svc.GetMapping(c.Request.Context(), uri.Key())
	if err != nil {
		h.HandleError(c, err)
		return
	}
	h.Success(c, entry)
}

// BulkMapExternalToInternal handles POST .../lookup/:entityType
func (h *MappingHandler) BulkMapExternalToInternal(c *gin.Context) {
	var uri dto.EntityScopeURI
	if err := c.ShouldBindUri(&uri); err != nil {
		middleware.HandleValidationError(c, err)
		return
	}
	var req dto.BulkLookupRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		middleware.HandleValidationError(c, err)
		return
	}

	result, err := h.svc.BulkMapExternalToInternal(c.Request.Context(), uri.IntegrationID, mapping.EntityType(uri.EntityType), req.ExternalIDs)
	if err != nil {
		h.HandleError(c, err)
		return
	}
	h.Success(c, result)
}

// ListByEntityType handles GET .../by-entity-type/:entityType
func (h *MappingHandler) ListByEntityType(c *gin.Context) {
	var uri dto.EntityScopeURI
	if err := c.ShouldBindUri(&uri); err != nil {
		middleware.HandleValidationError(c, err)
		return
	}
	var q dto.ListMappingsQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		middleware.HandleValidationError(c, err)
		return
	}

	page, err := h.svc.ListByEntityType(c.Request.Context(), uri.IntegrationID, mapping.EntityType(uri.EntityType), q.Filter(), q.Pagination())
	if err != nil {
		h.HandleError(c, err)
		return
	}
	h.SuccessWithMeta(c, page.Items, page.Total, page.Limit, page.Offset, len(page.Items))
}

// ListByIntegration handles GET /integrations/:integrationId/mappings
func (h *MappingHandler) ListByIntegration(c *gin.Context) {
	var uri dto.IntegrationURI
	if err := c.ShouldBindUri(&uri); err != nil {
		middleware.HandleValidationError(c, err)
		return
	}
	var q dto.ListMappingsQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		middleware.HandleValidationError(c, err)
		return
	}

	page, err := h.svc.ListByIntegration(c.Request.Context(), uri.IntegrationID, q.Filter(), q.Pagination())
	if err != nil {
		h.HandleError(c, err)
		return
	}
	h.SuccessWithMeta(c, page.Items, page.Total, page.Limit, page.Offset, len(page.Items))
}

// ---------------------------------------------------------------------------
// Writes
// ---------------------------------------------------------------------------

// CreateOrUpdateMapping handles PUT .../:entityType/:externalId.
// Responds 201 when the mapping was created and 200 when it was updated.
func (h *MappingHandler) CreateOrUpdateMapping(c *gin.Context) {
	var uri dto.MappingKeyURI
	if err := c.ShouldBindUri(&uri); err != nil {
		middleware.HandleValidationError(c, err)
		return
	}
	var req dto.UpsertMappingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		middleware.HandleValidationError(c, err)
		return
	}

	result, err := h.svc.CreateOrUpdateMapping(c.Request.Context(), appmapping.UpsertCommand{
		Entry:        req.Entry(uri.Key()),
		ForceRepoint: req.ForceRepoint,
		Actor:        req.Actor,
		Reason:       req.Reason,
	})
	if err != nil {
		h.HandleError(c, err)
		return
	}

	if result.Created {
		h.Created(c, result)
		return
	}
	h.Success(c, result)
}

// DeleteMapping handles DELETE .../:entityType/:externalId
func (h *MappingHandler) DeleteMapping(c *gin.Context) {
	var uri dto.MappingKeyURI
	if err := c.ShouldBindUri(&uri); err != nil {
		middleware.HandleValidationError(c, err)
		return
	}

	deleted, err := h.svc.DeleteMapping(c.Request.Context(), uri.Key())
	if err != nil {
		h.HandleError(c, err)
		return
	}
	h.Success(c, deleted)
}

// UpdateSyncStatus handles PATCH .../:entityType/:externalId/status
func (h *MappingHandler) UpdateSyncStatus(c *gin.Context) {
	var uri dto.MappingKeyURI
	if err := c.ShouldBindUri(&uri); err != nil {
		middleware.HandleValidationError(c, err)
		return
	}
	var req dto.UpdateSyncStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		middleware.HandleValidationError(c, err)
		return
	}

	entry, err := h.svc.UpdateSyncStatus(c.Request.Context(), uri.Key(), mapping.SyncStatus(req.SyncStatus), req.Error)
	if err != nil {
		h.HandleError(c, err)
		return
	}
	h.Success(c, entry)
}

// BulkCreateMappings handles POST .../bulk. Per-entry failures are reported
// in the result body; the request itself only fails as a whole when the
// batch is empty, too large or the store is down.
func (h *MappingHandler) BulkCreateMappings(c *gin.Context) {
	var uri dto.IntegrationURI
	if err := c.ShouldBindUri(&uri); err != nil {
		middleware.HandleValidationError(c, err)
		return
	}
	var req dto.BulkCreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		middleware.HandleValidationError(c, err)
		return
	}

	result, err := h.svc.BulkCreateMappings(c.Request.Context(), req.Entries(uri.IntegrationID))
	if err != nil {
		h.HandleError(c, err)
		return
	}
	h.Success(c, result)
}

// ---------------------------------------------------------------------------
// Maintenance
// ---------------------------------------------------------------------------

// ValidateMappingIntegrity handles POST .../validate. The body is optional.
func (h *MappingHandler) ValidateMappingIntegrity(c *gin.Context) {
	var uri dto.IntegrationURI
	if err := c.ShouldBindUri(&uri); err != nil {
		middleware.HandleValidationError(c, err)
		return
	}
	var req dto.ValidateIntegrityRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		middleware.HandleValidationError(c, err)
		return
	}

	report, err := h.svc.ValidateMappingIntegrity(c.Request.Context(), uri.IntegrationID, req.LiveIDs())
	if err != nil {
		h.HandleError(c, err)
		return
	}
	h.Success(c, report)
}

// CleanupOrphanedMappings handles POST .../cleanup-orphaned/:entityType
func (h *MappingHandler) CleanupOrphanedMappings(c *gin.Context) {
	var uri dto.EntityScopeURI
	if err := c.ShouldBindUri(&uri); err != nil {
		middleware.HandleValidationError(c, err)
		return
	}
	var req dto.CleanupOrphanedRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		middleware.HandleValidationError(c, err)
		return
	}

	result, err := h.svc.CleanupOrphanedMappings(c.Request.Context(), uri.IntegrationID, mapping.EntityType(uri.EntityType), req.ValidInternalIDs)
	if err != nil {
		h.HandleError(c, err)
		return
	}
	h.Success(c, result)
}

// DeleteIntegration handles DELETE /integrations/:integrationId/mappings
func (h *MappingHandler) DeleteIntegration(c *gin.Context) {
	var uri dto.IntegrationURI
	if err := c.ShouldBindUri(&uri); err != nil {
		middleware.HandleValidationError(c, err)
		return
	}

	result, err := h.svc.DeleteIntegration(c.Request.Context(), uri.IntegrationID)
	if err != nil {
		h.HandleError(c, err)
		return
	}
	h.Success(c, result)
}

// ClearCache handles POST .../cache/clear[?entity_type=]
func (h *MappingHandler) ClearCache(c *gin.Context) {
	var uri dto.IntegrationURI
	if err := c.ShouldBindUri(&uri); err != nil {
		middleware.HandleValidationError(c, err)
		return
	}
	var q dto.ClearCacheQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		middleware.HandleValidationError(c, err)
		return
	}

	result, err := h.svc.ClearCache(c.Request.Context(), uri.IntegrationID, mapping.EntityType(q.EntityType))
	if err != nil {
		h.HandleError(c, err)
		return
	}
	h.Success(c, result)
}

// ClearAllCache handles POST /mappings/cache/clear-all
func (h *MappingHandler) ClearAllCache(c *gin.Context) {
	h.Success(c, h.svc.ClearAllCache(c.Request.Context()))
}

// ExportMappings handles POST .../export
func (h *MappingHandler) ExportMappings(c *gin.Context) {
	var uri dto.IntegrationURI
	if err := c.ShouldBindUri(&uri); err != nil {
		middleware.HandleValidationError(c, err)
		return
	}

	result, err := h.svc.ExportMappings(c.Request.Context(), uri.IntegrationID)
	if err != nil {
		h.HandleError(c, err)
		return
	}
	h.Created(c, result)
}

// ListAuditLog handles GET .../audit
func (h *MappingHandler) ListAuditLog(c *gin.Context) {
	var uri dto.IntegrationURI
	if err := c.ShouldBindUri(&uri); err != nil {
		middleware.HandleValidationError(c, err)
		return
	}
	var q dto.PageQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		middleware.HandleValidationError(c, err)
		return
	}

	page, err := h.svc.ListAuditLog(c.Request.Context(), uri.IntegrationID, q.Pagination())
	if err != nil {
		h.HandleError(c, err)
		return
	}
	h.SuccessWithMeta(c, page.Items, page.Total, page.Limit, page.Offset, len(page.Items))
}

// ---------------------------------------------------------------------------
// Reports
// ---------------------------------------------------------------------------

// Stats handles GET .../stats
func (h *MappingHandler) Stats(c *gin.Context) {
	var uri dto.IntegrationURI
	if err := c.ShouldBindUri(&uri); err != nil {
		middleware.HandleValidationError(c, err)
		return
	}

	report, err := h.svc.Stats(c.Request.Context(), uri.IntegrationID)
	if err != nil {
		h.HandleError(c, err)
		return
	}
	h.Success(c, report)
}

// Performance handles GET .../metrics/performance. The figures are process
// wide; the integration in the path only scopes access.
func (h *MappingHandler) Performance(c *gin.Context) {
	h.Success(c, h.svc.Performance())
}
