package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/ignite/newsletter-queue/internal/dispatch"
	"github.com/ignite/newsletter-queue/internal/domain"
	"github.com/ignite/newsletter-queue/internal/pkg/httputil"
	"github.com/ignite/newsletter-queue/internal/pkg/logger"
	"github.com/ignite/newsletter-queue/internal/provider"
	"github.com/ignite/newsletter-queue/internal/queue"
	"github.com/ignite/newsletter-queue/internal/reconcile"
	"github.com/ignite/newsletter-queue/internal/service/newsletter"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

// Processor triggers dispatch cycles and reports the last one.
type Processor interface {
	Run(ctx context.Context) (dispatch.Result, error)
	Last() dispatch.LastRun
}

// Handlers holds the dependencies of every route.
type Handlers struct {
	newsletters *newsletter.Service
	queue       queue.Store
	processor   Processor
	reconciler  *reconcile.Reconciler
	health      *HealthChecker
}

// NewHandlers creates the route handlers.
func NewHandlers(svc *newsletter.Service, store queue.Store, processor Processor, rec *reconcile.Reconciler, health *HealthChecker) *Handlers {
	if health == nil {
		health = NewHealthChecker(nil, nil, processor.Last, dispatch.DefaultInterval)
	}
	return &Handlers{
		newsletters: svc,
		queue:       store,
		processor:   processor,
		reconciler:  rec,
		health:      health,
	}
}

// HandleWebhook ingests one provider event payload.
//
//	POST /webhooks/{provider}
func (h *Handlers) HandleWebhook(w http.ResponseWriter, r *http.Request) {
	kind, err := domain.ParseProviderKind(chi.URLParam(r, "provider"))
	if err != nil || !h.reconciler.AcceptsWebhooks(kind) {
		httputil.NotFound(w, "no webhook endpoint for this provider")
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, httputil.MaxBodyBytes))
	if err != nil {
		httputil.BadRequest(w, "unreadable request body")
		return
	}

	res, err := h.reconciler.HandleWebhook(r.Context(), kind, reconcile.SignedPayload{
		Body:   body,
		Header: r.Header,
		Query:  r.URL.Query(),
	})
	switch {
	case errors.Is(err, reconcile.ErrInvalidSignature):
		logger.Warn("webhook rejected", "provider", kind, "remote", r.RemoteAddr)
		httputil.Unauthorized(w, "invalid signature")
	case errors.Is(err, reconcile.ErrParse):
		logger.Warn("webhook payload unreadable", "provider", kind, "error", err)
		httputil.BadRequest(w, "unreadable payload")
	case err != nil:
		httputil.InternalError(w, err)
	default:
		httputil.OK(w, res)
	}
}

type enqueueRequest struct {
	Recipients []domain.Recipient `json:"recipients"`
}

// EnqueueSend queues one job per recipient. An empty body sends to the
// newsletter's audience.
//
//	POST /admin/newsletters/{id}/send
func (h *Handlers) EnqueueSend(w http.ResponseWriter, r *http.Request) {
	id, ok := newsletterID(w, r)
	if !ok {
		return
	}

	var req enqueueRequest
	raw, err := io.ReadAll(io.LimitReader(r.Body, httputil.MaxBodyBytes))
	if err != nil {
		httputil.BadRequest(w, "unreadable request body")
		return
	}
	if len(bytes.TrimSpace(raw)) > 0 {
		dec := json.NewDecoder(bytes.NewReader(raw))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&req); err != nil {
			httputil.BadRequest(w, "invalid JSON: "+err.Error())
			return
		}
	}

	res, err := h.newsletters.EnqueueSend(r.Context(), id, req.Recipients)
	switch {
	case errors.Is(err, newsletter.ErrNotFound):
		httputil.NotFound(w, "newsletter not found")
	case errors.Is(err, queue.ErrDuplicateEnqueue):
		httputil.ErrorCode(w, http.StatusConflict, "duplicate_enqueue", "newsletter already has active jobs for these recipients")
	case errors.Is(err, newsletter.ErrNoRecipients):
		httputil.ErrorCode(w, http.StatusUnprocessableEntity, "no_recipients", "newsletter has no recipients")
	case err != nil:
		httputil.InternalError(w, err)
	default:
		httputil.Created(w, res)
	}
}

// NewsletterSummary returns queue and ledger counts side by side.
//
//	GET /admin/newsletters/{id}/summary
func (h *Handlers) NewsletterSummary(w http.ResponseWriter, r *http.Request) {
	id, ok := newsletterID(w, r)
	if !ok {
		return
	}
	sum, err := h.newsletters.Summary(r.Context(), id)
	if errors.Is(err, newsletter.ErrNotFound) {
		httputil.NotFound(w, "newsletter not found")
		return
	}
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	httputil.OK(w, sum)
}

// ProcessNow runs one dispatch cycle immediately, through the same lock
// as the scheduler.
//
//	POST /admin/queue/process
func (h *Handlers) ProcessNow(w http.ResponseWriter, r *http.Request) {
	res, err := h.processor.Run(r.Context())
	if errors.Is(err, provider.ErrConfiguration) {
		httputil.ErrorCode(w, http.StatusServiceUnavailable, "provider_configuration", err.Error())
		return
	}
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	httputil.OK(w, res)
}

type jobIDsRequest struct {
	JobIDs []string `json:"job_ids"`
}

// RetryJobs moves jobs back to pending with a fresh retry budget.
//
//	POST /admin/queue/retry
func (h *Handlers) RetryJobs(w http.ResponseWriter, r *http.Request) {
	h.bulk(w, r, "retried", h.queue.Retry)
}

// DeleteJobs removes jobs.
//
//	POST /admin/queue/delete
func (h *Handlers) DeleteJobs(w http.ResponseWriter, r *http.Request) {
	h.bulk(w, r, "deleted", h.queue.Delete)
}

func (h *Handlers) bulk(w http.ResponseWriter, r *http.Request, verb string, op func(context.Context, []string) (int64, error)) {
	var req jobIDsRequest
	if !httputil.Decode(w, r, &req) {
		return
	}
	if len(req.JobIDs) == 0 {
		httputil.BadRequest(w, "job_ids is required")
		return
	}
	n, err := op(r.Context(), req.JobIDs)
	if errors.Is(err, queue.ErrInvalidJobID) {
		httputil.BadRequest(w, err.Error())
		return
	}
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	logger.Info("queue bulk action", "action", verb, "requested", len(req.JobIDs), "affected", n)
	httputil.OK(w, map[string]int64{verb: n})
}

type clearRequest struct {
	Status string `json:"status"`
}

// ClearJobs deletes every job in one status.
//
//	POST /admin/queue/clear
func (h *Handlers) ClearJobs(w http.ResponseWriter, r *http.Request) {
	var req clearRequest
	if !httputil.Decode(w, r, &req) {
		return
	}
	status, err := domain.ParseJobStatus(req.Status)
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	n, err := h.queue.ClearByStatus(r.Context(), status)
	if errors.Is(err, queue.ErrInvalidStatus) {
		httputil.BadRequest(w, err.Error())
		return
	}
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	logger.Info("queue cleared", "status", status, "deleted", n)
	httputil.OK(w, map[string]int64{"deleted": n})
}

// ListJobs pages through jobs.
//
//	GET /admin/queue?newsletter_id=&status=&limit=&offset=
func (h *Handlers) ListJobs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var f queue.Filter

	if v := q.Get("newsletter_id"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil || id <= 0 {
			httputil.BadRequest(w, "invalid newsletter_id")
			return
		}
		f.NewsletterID = id
	}
	if v := q.Get("status"); v != "" {
		st, err := domain.ParseJobStatus(v)
		if err != nil {
			httputil.BadRequest(w, err.Error())
			return
		}
		f.Status = st
	}
	page, err := parsePage(r, defaultListLimit, maxListLimit)
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	f.Limit = page.Limit + 1
	f.Offset = page.Offset

	jobs, err := h.queue.List(r.Context(), f)
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	jobs, meta := trimPage(jobs, page)
	httputil.OK(w, jobList{Jobs: jobs, Page: meta})
}

type jobList struct {
	Jobs []domain.QueueJob `json:"jobs"`
	Page pageMeta          `json:"page"`
}

func newsletterID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		httputil.BadRequest(w, "invalid newsletter id")
		return 0, false
	}
	return id, true
}
