package events

import (
	"context"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/aura-lms/seats/internal/authz"
	"github.com/aura-lms/seats/internal/ledger"
	"github.com/aura-lms/seats/internal/middleware"
	"github.com/aura-lms/seats/internal/models"
	"github.com/aura-lms/seats/pkg/queue"
	"github.com/aura-lms/seats/pkg/response"
)

// maxBuckets bounds a utilization response.
const maxBuckets = 1000

// Reader is the event query surface the handler needs. *Repository satisfies it.
type Reader interface {
	Query(ctx context.Context, f Filter) ([]models.SeatEvent, error)
	Utilization(ctx context.Context, poolID uuid.UUID, from, to time.Time, bucket time.Duration) ([]models.UtilizationPoint, error)
}

// PoolGetter loads a pool to check organization access.
type PoolGetter interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.SeatPool, error)
}

// Enqueuer schedules export jobs. *queue.Queue satisfies it.
type Enqueuer interface {
	EnqueueExport(ctx context.Context, p queue.ExportPayload) (string, error)
}

// Presigner produces download links for finished exports. *storage.S3 satisfies it.
type Presigner interface {
	PresignDownload(ctx context.Context, key string) (string, error)
}

// Handler handles event log HTTP endpoints.
type Handler struct {
	events    Reader
	pools     PoolGetter
	jobs      Enqueuer
	presigner Presigner
	key       KeyFunc
	policy    *authz.Policy
	now       func() time.Time
}

// NewHandler creates an events handler. jobs and presigner may be nil when exports are disabled.
func NewHandler(events Reader, pools PoolGetter, jobs Enqueuer, presigner Presigner, key KeyFunc, policy *authz.Policy) *Handler {
	return &Handler{events: events, pools: pools, jobs: jobs, presigner: presigner, key: key, policy: policy, now: time.Now}
}

// ExportRequest is the body for POST /organizations/:id/events/export.
type ExportRequest struct {
	PoolID *uuid.UUID `json:"pool_id"`
	From   *time.Time `json:"from"`
	To     *time.Time `json:"to"`
}

// ListByPool handles GET /pools/:id/events.
func (h *Handler) ListByPool(c *gin.Context) {
	pool, ok := h.loadPool(c)
	if !ok {
		return
	}
	f, ok := h.filter(c)
	if !ok {
		return
	}
	f.PoolID = &pool.ID
	h.query(c, f)
}

// ListByOrganization handles GET /organizations/:id/events. Access is checked by route middleware.
func (h *Handler) ListByOrganization(c *gin.Context) {
	orgID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid organization id")
		return
	}
	f, ok := h.filter(c)
	if !ok {
		return
	}
	f.OrganizationID = &orgID
	h.query(c, f)
}

// Utilization handles GET /pools/:id/utilization?from&to&bucket. Defaults: last 7 days, 1 day buckets.
func (h *Handler) Utilization(c *gin.Context) {
	pool, ok := h.loadPool(c)
	if !ok {
		return
	}
	to := h.now().UTC()
	from := to.Add(-7 * 24 * time.Hour)
	bucket := 24 * time.Hour
	var err error
	if v := c.Query("from"); v != "" {
		if from, err = time.Parse(time.RFC3339, v); err != nil {
			response.BadRequest(c, "from must be RFC3339")
			return
		}
	}
	if v := c.Query("to"); v != "" {
		if to, err = time.Parse(time.RFC3339, v); err != nil {
			response.BadRequest(c, "to must be RFC3339")
			return
		}
	}
	if v := c.Query("bucket"); v != "" {
		if bucket, err = time.ParseDuration(v); err != nil || bucket <= 0 {
			response.BadRequest(c, "bucket must be a positive duration")
			return
		}
	}
	if !to.After(from) {
		response.BadRequest(c, "to must be after from")
		return
	}
	if to.Sub(from)/bucket > maxBuckets {
		response.BadRequest(c, "too many buckets, widen bucket or narrow range")
		return
	}
	points, err := h.events.Utilization(c.Request.Context(), pool.ID, from, to, bucket)
	if err != nil {
		_ = c.Error(err)
		response.Internal(c, "failed to compute utilization")
		return
	}
	response.OK(c, gin.H{"pool_id": pool.ID, "seats_total": pool.SeatsTotal, "points": points})
}

// Export handles POST /organizations/:id/events/export. The CSV is produced by the worker.
func (h *Handler) Export(c *gin.Context) {
	if h.jobs == nil {
		response.ServiceUnavailable(c, "exports disabled")
		return
	}
	orgID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid organization id")
		return
	}
	var body ExportRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&body); err != nil {
			response.BadRequest(c, "invalid export request")
			return
		}
	}
	if body.PoolID != nil {
		pool, err := h.pools.GetByID(c.Request.Context(), *body.PoolID)
		if err != nil || pool.OrganizationID != orgID {
			response.NotFound(c, ledger.ErrPoolNotFound.Error())
			return
		}
	}
	p := queue.ExportPayload{
		ExportID:       uuid.New(),
		OrganizationID: orgID,
		PoolID:         body.PoolID,
		RequestedBy:    middleware.Actor(c),
	}
	if body.From != nil {
		p.From = *body.From
	}
	if body.To != nil {
		p.To = *body.To
	}
	jobID, err := h.jobs.EnqueueExport(c.Request.Context(), p)
	if err != nil {
		_ = c.Error(err)
		response.ServiceUnavailable(c, "failed to schedule export")
		return
	}
	response.Accepted(c, gin.H{
		"export_id": p.ExportID,
		"job_id":    jobID,
		"key":       h.key(orgID.String(), p.ExportID.String()),
	})
}

// DownloadExport handles GET /organizations/:id/exports/:export_id with a presigned link.
func (h *Handler) DownloadExport(c *gin.Context) {
	if h.presigner == nil {
		response.ServiceUnavailable(c, "exports disabled")
		return
	}
	orgID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid organization id")
		return
	}
	exportID, err := uuid.Parse(c.Param("export_id"))
	if err != nil {
		response.BadRequest(c, "invalid export id")
		return
	}
	url, err := h.presigner.PresignDownload(c.Request.Context(), h.key(orgID.String(), exportID.String()))
	if err != nil {
		_ = c.Error(err)
		response.Internal(c, "failed to sign download url")
		return
	}
	response.OK(c, gin.H{"export_id": exportID, "url": url})
}

func (h *Handler) query(c *gin.Context, f Filter) {
	list, err := h.events.Query(c.Request.Context(), f)
	if err != nil {
		_ = c.Error(err)
		response.Internal(c, "failed to query events")
		return
	}
	response.OK(c, list)
}

// filter reads from, to, limit and offset query params.
func (h *Handler) filter(c *gin.Context) (Filter, bool) {
	var f Filter
	var err error
	if v := c.Query("from"); v != "" {
		if f.From, err = time.Parse(time.RFC3339, v); err != nil {
			response.BadRequest(c, "from must be RFC3339")
			return f, false
		}
	}
	if v := c.Query("to"); v != "" {
		if f.To, err = time.Parse(time.RFC3339, v); err != nil {
			response.BadRequest(c, "to must be RFC3339")
			return f, false
		}
	}
	f.Limit, _ = strconv.Atoi(c.Query("limit"))
	f.Offset, _ = strconv.Atoi(c.Query("offset"))
	return f, true
}

func (h *Handler) loadPool(c *gin.Context) (*models.SeatPool, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid pool id")
		return nil, false
	}
	pool, err := h.pools.GetByID(c.Request.Context(), id)
	if err != nil {
		response.NotFound(c, ledger.ErrPoolNotFound.Error())
		return nil, false
	}
	if !middleware.CanAccessOrg(c, h.policy, pool.OrganizationID) {
		response.Forbidden(c, "no access to organization")
		return nil, false
	}
	return pool, true
}
